// Package recorder implements the event write path: a logical
// create/update/delete becomes one signed row on the append-only log
// sink, plus a best-effort denormalized copy in the point-lookup sink.
// The two writes share no transaction and may land in either order;
// a failure on one never rolls back the other.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/events"
	"github.com/beaconhq/beacon/internal/lookup"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// ErrMalformedTimestamp is returned when a textual timestamp cannot be
// parsed. The capture is rejected before any sink write is attempted.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// PersonResolver maps a raw distinct id to a stable person uuid.
// A miss is reported as store.ErrNotFound and is not an error for the
// write path: the event is simply recorded unresolved.
type PersonResolver interface {
	PersonUUID(ctx context.Context, teamID int64, distinctID string) (string, error)
}

// Capture is the input to Record. ID assignment is the caller's
// responsibility (retried captures should reuse the same id).
type Capture struct {
	ID            string
	Event         string
	TeamID        int64
	DistinctID    string
	Timestamp     string // ISO-8601; empty means "now"
	Properties    map[string]any
	ElementsChain string
	PersonUUID    string // resolved via PersonResolver when empty
}

// Recorder fans one logical mutation out to the log and lookup sinks.
type Recorder struct {
	log     events.Publisher
	lookup  lookup.Cache
	persons PersonResolver
	now     func() time.Time
}

// New returns a Recorder writing to the given sinks. persons may not be
// nil; pass a resolver backed by the store.
func New(log events.Publisher, cache lookup.Cache, persons PersonResolver) *Recorder {
	return &Recorder{
		log:     log,
		lookup:  cache,
		persons: persons,
		now:     time.Now,
	}
}

// Record captures an asserted event. It parses and UTC-normalizes the
// timestamp, resolves the person uuid when absent, then writes a
// sign=+1 row to the log sink and a copy to the point-lookup sink.
// Both writes are attempted regardless of the other's outcome; their
// errors are joined and surfaced to the caller, who owns retry policy.
// The event id is returned unchanged.
func (r *Recorder) Record(ctx context.Context, c Capture) (string, error) {
	ts, err := r.captureTime(c.Timestamp)
	if err != nil {
		return "", err
	}

	personUUID := c.PersonUUID
	if personUUID == "" {
		uuid, err := r.persons.PersonUUID(ctx, c.TeamID, c.DistinctID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Unresolved identities are recorded with an empty person uuid.
		case err != nil:
			return "", fmt.Errorf("resolve person for %q: %w", c.DistinctID, err)
		default:
			personUUID = uuid
		}
	}

	props, err := model.EncodeProperties(c.Properties)
	if err != nil {
		return "", err
	}

	wire := model.FormatRowTime(ts)
	row := &model.Row{
		ID:            c.ID,
		Event:         c.Event,
		Properties:    props,
		Timestamp:     wire,
		TeamID:        c.TeamID,
		DistinctID:    c.DistinctID,
		CreatedAt:     wire,
		ElementsChain: c.ElementsChain,
		PersonUUID:    personUUID,
		Sign:          model.SignAssert,
	}

	var logErr, lookupErr error
	if err := r.log.Publish(ctx, events.TopicRows, row); err != nil {
		logErr = fmt.Errorf("log sink: %w", err)
	}
	if err := r.lookup.Put(ctx, row); err != nil {
		lookupErr = fmt.Errorf("lookup sink: %w", err)
	}
	return c.ID, errors.Join(logErr, lookupErr)
}

// Retract emits a sign=-1 row carrying the event's current field
// values, signaling downstream consumers to drop the id. The
// point-lookup entry is not touched here; cleaning it up is the
// materializer's responsibility.
func (r *Recorder) Retract(ctx context.Context, ev *model.Event) error {
	row, err := model.RowFromEvent(ev, model.SignRetract)
	if err != nil {
		return err
	}
	if err := r.log.Publish(ctx, events.TopicRows, row); err != nil {
		return fmt.Errorf("log sink: %w", err)
	}
	return nil
}

// Amend emits a fresh sign=+1 row with the event's current (possibly
// changed) field values under the same id. The prior assertion is not
// retracted; materialized reads resolve duplicate assertions
// latest-wins by recency, and the materializer refreshes the
// point-lookup entry when it applies the row.
func (r *Recorder) Amend(ctx context.Context, ev *model.Event) error {
	row, err := model.RowFromEvent(ev, model.SignAssert)
	if err != nil {
		return err
	}
	if err := r.log.Publish(ctx, events.TopicRows, row); err != nil {
		return fmt.Errorf("log sink: %w", err)
	}
	return nil
}

// captureTime resolves the capture timestamp: empty means now, text is
// parsed as ISO-8601. The result is always UTC.
func (r *Recorder) captureTime(raw string) (time.Time, error) {
	if raw == "" {
		return r.now().UTC(), nil
	}
	return ParseTimestamp(raw)
}

// timestampLayouts are the accepted ISO-8601 shapes, zone-qualified
// first. Zone-less inputs are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, raw)
}
