// Package store defines the materialized-log interface. The log is the
// source of truth: append-only signed rows, with the current state of
// an event id resolved latest-wins at read time.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/beaconhq/beacon/internal/model"
)

// ErrNotFound is returned when a lookup matches nothing, or when the
// latest row for an event id is a retraction.
var ErrNotFound = errors.New("not found")

// Occurrence is one live (latest-wins, non-retracted) event occurrence.
type Occurrence struct {
	DistinctID string
	PersonUUID string
	Timestamp  time.Time
}

// Store is the materialized event log plus its small derived indexes.
type Store interface {
	// InsertRow appends one signed row. Rows are never updated in place.
	InsertRow(ctx context.Context, row *model.Row) error

	// GetEvent returns the latest-asserted state for an event id, or
	// ErrNotFound if the id is unknown or its latest row is a retraction.
	GetEvent(ctx context.Context, teamID int64, id string) (*model.Event, error)

	// Occurrences returns the live occurrences for the given event names
	// with timestamps in [from, to), sign-collapsed latest-wins per id.
	Occurrences(ctx context.Context, teamID int64, events []string, from, to time.Time) ([]Occurrence, error)

	// FirstActivity reads the incremental earliest-ever index: for each
	// distinct id with recorded activity on any of the given event names,
	// the earliest timestamp ever seen across all history.
	FirstActivity(ctx context.Context, teamID int64, events []string) (map[string]time.Time, error)

	// UpsertFirstActivity lowers (never raises) the earliest-ever mark
	// for one identity and event name.
	UpsertFirstActivity(ctx context.Context, teamID int64, event, distinctID string, ts time.Time) error

	// RecomputeFirstActivity rebuilds the earliest-ever mark for one
	// identity and event name from the live log, used after a retraction
	// that may have removed the earliest occurrence.
	RecomputeFirstActivity(ctx context.Context, teamID int64, event, distinctID string) error

	// EarliestEventTime returns the timestamp of the tenant's earliest
	// live event, used as the default query window start.
	EarliestEventTime(ctx context.Context, teamID int64) (time.Time, error)

	// ActionEventNames resolves a named action to its event names.
	ActionEventNames(ctx context.Context, teamID int64, action string) ([]string, error)

	// PersonUUID resolves a raw distinct id to its stable person uuid.
	// Returns ErrNotFound when the identity is unresolved.
	PersonUUID(ctx context.Context, teamID int64, distinctID string) (string, error)

	// ListRows returns every log row in append order, for export.
	ListRows(ctx context.Context) ([]*model.Row, error)

	Close() error
}
