package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sign values for log rows.
const (
	SignAssert  = 1
	SignRetract = -1
)

// RowTimeLayout is the wire format for timestamps on log rows:
// UTC, microsecond precision, no zone suffix.
const RowTimeLayout = "2006-01-02 15:04:05.000000"

// Event is the materialized state of a single captured event: the
// latest-asserted field values for one event id, with the sign already
// resolved. It is what point-lookup reads and retract/amend operate on.
type Event struct {
	ID            string         `json:"id"`
	Name          string         `json:"event"`
	TeamID        int64          `json:"team_id"`
	DistinctID    string         `json:"distinct_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Properties    map[string]any `json:"properties,omitempty"`
	ElementsChain string         `json:"elements_chain,omitempty"`
	PersonUUID    string         `json:"person_uuid,omitempty"`
}

// Row is one signed, immutable log-sink message. Rows are append-only:
// an assertion (sign=+1) states the event's field values, a retraction
// (sign=-1) repeats them and signals consumers to drop the id. Duplicate
// assertions for one id are resolved latest-wins by consumers.
type Row struct {
	ID            string `json:"id"`
	Event         string `json:"event"`
	Properties    string `json:"properties"`
	Timestamp     string `json:"timestamp"`
	TeamID        int64  `json:"team_id"`
	DistinctID    string `json:"distinct_id"`
	CreatedAt     string `json:"created_at"`
	ElementsChain string `json:"elements_chain"`
	PersonUUID    string `json:"person_uuid"`
	Sign          int    `json:"sign"`
}

// FormatRowTime renders t in the log-row wire format (always UTC).
func FormatRowTime(t time.Time) string {
	return t.UTC().Format(RowTimeLayout)
}

// ParseRowTime parses a log-row wire timestamp back into a UTC time.
func ParseRowTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(RowTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse row timestamp %q: %w", s, err)
	}
	return t, nil
}

// RowFromEvent builds a signed log row from a materialized event.
func RowFromEvent(ev *Event, sign int) (*Row, error) {
	props, err := EncodeProperties(ev.Properties)
	if err != nil {
		return nil, err
	}
	ts := FormatRowTime(ev.Timestamp)
	return &Row{
		ID:            ev.ID,
		Event:         ev.Name,
		Properties:    props,
		Timestamp:     ts,
		TeamID:        ev.TeamID,
		DistinctID:    ev.DistinctID,
		CreatedAt:     ts,
		ElementsChain: ev.ElementsChain,
		PersonUUID:    ev.PersonUUID,
		Sign:          sign,
	}, nil
}

// EventFromRow rebuilds a materialized event from a log row. The row's
// sign is not carried; callers decide what a retraction means.
func EventFromRow(row *Row) (*Event, error) {
	ts, err := ParseRowTime(row.Timestamp)
	if err != nil {
		return nil, err
	}
	props, err := DecodeProperties(row.Properties)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            row.ID,
		Name:          row.Event,
		TeamID:        row.TeamID,
		DistinctID:    row.DistinctID,
		Timestamp:     ts,
		Properties:    props,
		ElementsChain: row.ElementsChain,
		PersonUUID:    row.PersonUUID,
	}, nil
}

// EncodeProperties serializes a property map to its canonical string
// form (a JSON object; encoding/json emits keys in sorted order).
// A nil map encodes as "{}".
func EncodeProperties(props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(data), nil
}

// DecodeProperties parses the canonical property string. An empty
// string decodes as an empty map.
func DecodeProperties(s string) (map[string]any, error) {
	props := map[string]any{}
	if s == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(s), &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}
