// Package gcs implements the coordination store on Cloud Storage objects.
// The object generation is the entry version, and compare-and-swap is an
// upload guarded by a generation precondition.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/crawl-governor/internal/coord"
)

// Config selects the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Store implements coord.Store on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ coord.Store = (*Store)(nil)

// New creates a GCS-backed coordination store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) (coord.Entry, bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return coord.Entry{}, false, err
	}
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return coord.Entry{}, false, nil
		}
		return coord.Entry{}, false, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return coord.Entry{}, false, fmt.Errorf("read object %s: %w", key, err)
	}
	return coord.Entry{Value: data, Version: r.Attrs.Generation}, true, nil
}

// CompareAndSwap uploads value if the object generation still equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	cond := storage.Conditions{GenerationMatch: expected}
	if expected == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	err := s.write(ctx, s.object(key).If(cond), value)
	if isPreconditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare and swap %s: %w", key, err)
	}
	return true, nil
}

// CompareAndDelete deletes the object if its generation equals expected.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	err := s.object(key).If(storage.Conditions{GenerationMatch: expected}).Delete(ctx)
	if isPreconditionFailed(err) || errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare and delete %s: %w", key, err)
	}
	return true, nil
}

// Put uploads value unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	if err := s.write(ctx, s.object(key), value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes the object; a missing object is ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List enumerates object names under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	keys := make([]string, 0)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the storage client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, value []byte) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(value); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
