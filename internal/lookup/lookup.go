// Package lookup is the point-lookup sink: a denormalized copy of each
// event keyed by id for low-latency retrieval. It is a cache, never a
// source of truth; it may be stale or missing relative to the log, and
// consumers needing certainty must reconcile against the log by id.
package lookup

import (
	"context"
	"errors"

	"github.com/beaconhq/beacon/internal/model"
)

// ErrNotFound is returned on a cache miss.
var ErrNotFound = errors.New("event not in lookup")

// Cache stores and retrieves event rows by id.
type Cache interface {
	Put(ctx context.Context, row *model.Row) error
	Get(ctx context.Context, teamID int64, id string) (*model.Row, error)
	Delete(ctx context.Context, teamID int64, id string) error
	Close() error
}

// Noop is a Cache that stores nothing (used when Redis is not configured).
// Get always misses, so readers fall through to the log.
type Noop struct{}

func (Noop) Put(ctx context.Context, row *model.Row) error { return nil }

func (Noop) Get(ctx context.Context, teamID int64, id string) (*model.Row, error) {
	return nil, ErrNotFound
}

func (Noop) Delete(ctx context.Context, teamID int64, id string) error { return nil }

func (Noop) Close() error { return nil }
