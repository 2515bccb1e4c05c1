package throttle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-governor/internal/metrics"
	"github.com/JakeFAU/crawl-governor/internal/telemetry"
)

// demandRecord is what each process publishes per bin on every poll.
type demandRecord struct {
	ProcessID  string    `json:"process_id"`
	LastSeen   time.Time `json:"last_seen"`
	LastActive time.Time `json:"last_active"`
	Throttlers int       `json:"throttlers"`
	Active     int       `json:"active"`
	Pooled     int       `json:"pooled"`
	Waiting    int       `json:"waiting"`
	Streams    int       `json:"streams"`
}

func demandBinPrefix(key poolKey, bin string) string {
	return demandPrefix + url.PathEscape(key.typ) + "/" + url.PathEscape(key.group) + "/" + url.PathEscape(bin) + "/"
}

func demandKey(key poolKey, bin, processID string) string {
	return demandBinPrefix(key, bin) + url.PathEscape(processID)
}

// engaged reports whether a peer counts toward the split of a bin.
func (r *Registry) engaged(rec demandRecord, now time.Time) bool {
	if now.Sub(rec.LastSeen) > r.opts.ActivityWindow {
		return false
	}
	return rec.Throttlers > 0 || now.Sub(rec.LastActive) <= r.opts.ActivityWindow
}

// shareOf splits max connections over n processes. Remainder slots rotate
// with the epoch so a process whose share rounds down to zero is not
// starved for longer than n epochs.
func shareOf(max, n, idx int, epoch int64) int {
	if max == Unbounded {
		return Unbounded
	}
	if n <= 1 {
		return max
	}
	share := max / n
	rem := max % n
	slot := (idx + int(epoch%int64(n))) % n
	if slot < rem {
		share++
	}
	return share
}

func (r *Registry) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(r.opts.PollInterval)
}

// Poll refreshes specs and recomputes this process's share of every bin
// used by throttle groups of typ.
func (r *Registry) Poll(ctx context.Context, typ string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "throttle.poll",
		trace.WithAttributes(attribute.String("throttle.type", typ)))
	defer span.End()

	err := r.poll(ctx, typ)
	metrics.ObservePoll("type", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Registry) poll(ctx context.Context, typ string) error {
	if r.destroyed() {
		return nil
	}
	var errs []error
	for _, p := range r.poolsOfType(typ) {
		spec, _, err := r.loadSpec(ctx, p.key.typ, p.key.group)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.installSpec(p, spec)
		if err := r.rebalance(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PollAll does cluster-wide bookkeeping: it re-reads the shutdown flag,
// polls every active type and deletes demand records of silent processes.
func (r *Registry) PollAll(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "throttle.poll_all")
	defer span.End()

	err := r.pollAll(ctx)
	metrics.ObservePoll("global", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Registry) pollAll(ctx context.Context) error {
	r.invalidateFlag()
	down, err := r.shuttingDown(ctx)
	if err != nil {
		return err
	}
	if down {
		r.wakeAll()
		return nil
	}

	var errs []error
	for _, typ := range r.ActiveTypes() {
		if err := r.poll(ctx, typ); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.sweepDemand(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) sweepDemand(ctx context.Context) error {
	keys, err := r.store.List(ctx, demandPrefix)
	if err != nil {
		return fmt.Errorf("list demand records: %w", err)
	}
	now := r.clock.Now()
	self := "/" + url.PathEscape(r.opts.ProcessID)
	for _, key := range keys {
		if strings.HasSuffix(key, self) {
			continue
		}
		entry, found, err := r.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load demand record: %w", err)
		}
		if !found {
			continue
		}
		var rec demandRecord
		if err := json.Unmarshal(entry.Value, &rec); err == nil && now.Sub(rec.LastSeen) <= r.opts.StaleAfter {
			continue
		}
		if _, err := r.store.CompareAndDelete(ctx, key, entry.Version); err != nil {
			return fmt.Errorf("delete stale demand record: %w", err)
		}
		r.logger.Debug("deleted stale demand record", zap.String("key", key))
	}
	return nil
}

type allocation struct {
	processes int
	idx       int
}

// rebalance publishes this process's demand for every bin of p and applies
// the resulting split.
func (r *Registry) rebalance(ctx context.Context, p *groupPool) error {
	if r.destroyed() {
		return nil
	}
	now := r.clock.Now()
	epoch := r.epoch(now)

	p.mu.Lock()
	records := make(map[string]demandRecord, len(p.bins))
	for name, b := range p.bins {
		if b.busy() {
			b.lastActive = now
		}
		records[name] = demandRecord{
			ProcessID:  r.opts.ProcessID,
			LastSeen:   now,
			LastActive: b.lastActive,
			Throttlers: b.refs,
			Active:     b.active,
			Pooled:     b.pooled,
			Waiting:    b.waiting,
			Streams:    b.streams,
		}
	}
	p.mu.Unlock()

	allocations := make(map[string]allocation, len(records))
	for name, rec := range records {
		peers, err := r.publishAndListPeers(ctx, p.key, name, rec, now)
		if err != nil {
			return err
		}
		allocations[name] = allocation{
			processes: len(peers),
			idx:       sort.SearchStrings(peers, r.opts.ProcessID),
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, a := range allocations {
		b, ok := p.bins[name]
		if !ok {
			continue
		}
		limits := p.spec.Limits(name)
		b.apply(limits, a.processes, shareOf(limits.MaxOpenConnections, a.processes, a.idx, epoch), now)
		metrics.SetBinState(p.key.typ, name, b.share, b.active, b.pooled, b.processes)
	}
	p.broadcastLocked()
	return nil
}

// publishAndListPeers writes rec and returns the sorted IDs of every process
// engaged on the bin, this one included.
func (r *Registry) publishAndListPeers(ctx context.Context, key poolKey, bin string, rec demandRecord, now time.Time) ([]string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode demand record: %w", err)
	}
	if err := r.store.Put(ctx, demandKey(key, bin, r.opts.ProcessID), raw); err != nil {
		return nil, fmt.Errorf("publish demand for bin %q: %w", bin, err)
	}

	prefix := demandBinPrefix(key, bin)
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list demand for bin %q: %w", bin, err)
	}
	peers := []string{r.opts.ProcessID}
	for _, k := range keys {
		if k == demandKey(key, bin, r.opts.ProcessID) {
			continue
		}
		entry, found, err := r.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("load demand record: %w", err)
		}
		if !found {
			continue
		}
		var peer demandRecord
		if err := json.Unmarshal(entry.Value, &peer); err != nil {
			r.logger.Warn("skipping unreadable demand record", zap.String("key", k), zap.Error(err))
			continue
		}
		if r.engaged(peer, now) {
			peers = append(peers, peer.ProcessID)
		}
	}
	sort.Strings(peers)
	return peers, nil
}
