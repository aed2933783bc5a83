// Package materialize consumes the append-only log and keeps the
// queryable views current: every row lands in the Postgres log, the
// earliest-ever activity index is maintained incrementally, and the
// point-lookup entry is refreshed on assertions and evicted on
// retractions. Delivery is at-least-once; applying the same row twice
// inserts a duplicate log row with identical content, which
// latest-wins reads are insensitive to.
package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/beaconhq/beacon/internal/events"
	"github.com/beaconhq/beacon/internal/lookup"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// Materializer applies log rows to the store and lookup sinks.
type Materializer struct {
	store  store.Store
	lookup lookup.Cache
	logger *slog.Logger
}

// New returns a Materializer writing to the given store. cache may be a
// lookup.Noop when Redis is not configured.
func New(s store.Store, cache lookup.Cache, logger *slog.Logger) *Materializer {
	return &Materializer{store: s, lookup: cache, logger: logger}
}

// Run subscribes to the row topic and applies rows until ctx is
// canceled or the subscription channel closes. Apply failures are
// logged and skipped; the log itself remains the source of truth and a
// later replay can fill gaps.
func (m *Materializer) Run(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.TopicRows)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicRows, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var row model.Row
			if err := json.Unmarshal(payload, &row); err != nil {
				m.logger.Warn("dropping undecodable row", "err", err)
				continue
			}
			if err := m.Apply(ctx, &row); err != nil {
				m.logger.Error("apply row failed", "id", row.ID, "err", err)
			}
		}
	}
}

// Apply materializes a single signed row.
func (m *Materializer) Apply(ctx context.Context, row *model.Row) error {
	// The pre-insert state tells a first assertion from a correction.
	prev, err := m.store.GetEvent(ctx, row.TeamID, row.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve prior state: %w", err)
	}

	if err := m.store.InsertRow(ctx, row); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}

	ts, err := model.ParseRowTime(row.Timestamp)
	if err != nil {
		return err
	}

	if row.Sign >= 0 {
		if prev == nil {
			if err := m.store.UpsertFirstActivity(ctx, row.TeamID, row.Event, row.DistinctID, ts); err != nil {
				return fmt.Errorf("upsert first activity: %w", err)
			}
		} else {
			// A correction supersedes the prior assertion: it may move
			// the occurrence later, or under another event name or
			// identity. The monotone LEAST upsert cannot raise a mark,
			// so rebuild the affected entries from the live log.
			if err := m.store.RecomputeFirstActivity(ctx, row.TeamID, row.Event, row.DistinctID); err != nil {
				return fmt.Errorf("recompute first activity: %w", err)
			}
			if prev.Name != row.Event || prev.DistinctID != row.DistinctID {
				if err := m.store.RecomputeFirstActivity(ctx, row.TeamID, prev.Name, prev.DistinctID); err != nil {
					return fmt.Errorf("recompute superseded first activity: %w", err)
				}
			}
		}
		// Keep the point-lookup entry current with the winning
		// assertion; without this a correction would be served stale
		// from the cache forever.
		if err := m.lookup.Put(ctx, row); err != nil {
			m.logger.Warn("lookup refresh failed", "id", row.ID, "err", err)
		}
		return nil
	}

	// A retraction may have removed the occurrence the earliest-ever
	// mark was based on, and leaves a stale point-lookup entry behind.
	if err := m.store.RecomputeFirstActivity(ctx, row.TeamID, row.Event, row.DistinctID); err != nil {
		return fmt.Errorf("recompute first activity: %w", err)
	}
	if err := m.lookup.Delete(ctx, row.TeamID, row.ID); err != nil && !errors.Is(err, lookup.ErrNotFound) {
		m.logger.Warn("lookup eviction failed", "id", row.ID, "err", err)
	}
	return nil
}
