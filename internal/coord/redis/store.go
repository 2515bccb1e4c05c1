// Package redis implements the coordination store on Redis. Every key is a
// hash holding the value and its version; compare-and-swap runs inside a
// WATCH/MULTI transaction. Versions come from one counter per key prefix,
// so a deleted and recreated key never reuses a version.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/crawl-governor/internal/coord"
)

const (
	fieldValue   = "v"
	fieldVersion = "ver"
	scanCount    = 256

	// versionCounter is stored next to the coordination keys and hidden from List.
	versionCounter = "_version"
)

// putScript writes value with a fresh version in one atomic step.
var putScript = redis.NewScript(`
local ver = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', ver)
return ver
`)

// Config describes how to reach the Redis server.
type Config struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// Store implements coord.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

var _ coord.Store = (*Store)(nil)

// New dials Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("coordination.redis.addr is required")
	}
	if cfg.DB < 0 || cfg.DB > 15 {
		return nil, fmt.Errorf("coordination.redis.db must be between 0 and 15")
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix}
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

func (s *Store) counterKey() string {
	return s.prefix + versionCounter
}

// Get loads the hash for key.
func (s *Store) Get(ctx context.Context, key string) (coord.Entry, bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return coord.Entry{}, false, err
	}
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return coord.Entry{}, false, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return decodeEntry(fields)
}

func decodeEntry(fields map[string]string) (coord.Entry, bool, error) {
	raw, ok := fields[fieldVersion]
	if !ok {
		return coord.Entry{}, false, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return coord.Entry{}, false, fmt.Errorf("parse entry version %q: %w", raw, err)
	}
	return coord.Entry{Value: []byte(fields[fieldValue]), Version: version}, true, nil
}

// CompareAndSwap writes value when the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	rkey := s.redisKey(key)
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return err
		}
		current, found, err := decodeEntry(fields)
		if err != nil {
			return err
		}
		if (!found && expected != 0) || (found && current.Version != expected) {
			return nil
		}
		// Any write to rkey after the WATCH, including a Put that drew a
		// later version, aborts the MULTI below.
		version, err := tx.Incr(ctx, s.counterKey()).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey, fieldValue, value, fieldVersion, version)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis compare and swap %s: %w", key, err)
	}
	return swapped, nil
}

// CompareAndDelete removes key when the stored version equals expected.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	rkey := s.redisKey(key)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return err
		}
		current, found, err := decodeEntry(fields)
		if err != nil {
			return err
		}
		if !found || current.Version != expected {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rkey)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis compare and delete %s: %w", key, err)
	}
	return deleted, nil
}

// Put sets the value under a fresh version atomically.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	err := putScript.Run(ctx, s.client, []string{s.redisKey(key), s.counterKey()}, value).Err()
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// List scans for keys under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	match := globEscape(s.prefix+prefix) + "*"
	keys := make([]string, 0)
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range batch {
			k = strings.TrimPrefix(k, s.prefix)
			if k == versionCounter {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// globEscape quotes the characters SCAN MATCH treats as patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
