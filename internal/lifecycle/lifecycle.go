// Package lifecycle derives, per identity and per time bucket, an
// activity classification (new/returning/resurrecting/dormant) from the
// materialized event log, for retention reporting. The computation is
// pure and deterministic over the snapshot it reads; it runs
// concurrently with ongoing writes under eventual visibility.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/interval"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// QueryStore is the store access the lifecycle service needs.
type QueryStore interface {
	TimelineStore
	model.ActionResolver
	EarliestEventTime(ctx context.Context, teamID int64) (time.Time, error)
}

// Query describes one lifecycle classification request.
type Query struct {
	TeamID      int64
	Selector    model.Selector
	Granularity interval.Granularity // empty defaults to day
	From        *time.Time           // nil defaults to the tenant's earliest event, at midnight
	To          *time.Time           // nil defaults to now
}

// Service answers lifecycle classification queries.
type Service struct {
	store QueryStore
	now   func() time.Time
}

func NewService(s QueryStore) *Service {
	return &Service{store: s, now: time.Now}
}

// Lifecycle resolves the query's selector and window, builds the
// per-identity timelines, classifies every bucket transition, and
// returns one shaped insight per status. Running the same query twice
// against an unchanged log yields identical output.
func (s *Service) Lifecycle(ctx context.Context, q Query) ([]Insight, error) {
	gran := q.Granularity
	if gran == "" {
		gran = interval.Day
	}
	cal, err := interval.New(gran)
	if err != nil {
		return nil, err
	}

	from, to, err := s.window(ctx, q)
	if err != nil {
		return nil, err
	}
	from = cal.Truncate(from)
	to = cal.Truncate(to)

	resolved, err := q.Selector.Resolve(ctx, s.store, q.TeamID)
	if err != nil {
		return nil, err
	}

	timelines, err := NewBuilder(s.store).Build(ctx, q.TeamID, resolved, cal, from, to)
	if err != nil {
		return nil, fmt.Errorf("build timelines: %w", err)
	}

	series := Classify(timelines, cal, from, to)
	return Shape(series, cal, resolved.Name()), nil
}

// window applies the default bounds: from the tenant's earliest
// recorded event truncated to midnight, to the current time.
func (s *Service) window(ctx context.Context, q Query) (time.Time, time.Time, error) {
	now := s.now().UTC()

	to := now
	if q.To != nil {
		to = q.To.UTC()
	}

	if q.From != nil {
		return q.From.UTC(), to, nil
	}
	earliest, err := s.store.EarliestEventTime(ctx, q.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		// Tenant has no events yet; an empty window still zero-fills.
		return to, to, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("earliest event time: %w", err)
	}
	earliest = earliest.UTC()
	from := time.Date(earliest.Year(), earliest.Month(), earliest.Day(), 0, 0, 0, 0, time.UTC)
	return from, to, nil
}
