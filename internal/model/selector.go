package model

import (
	"context"
	"fmt"
)

// ActionResolver maps a named action (a saved group of event names) to
// the event names it covers.
type ActionResolver interface {
	ActionEventNames(ctx context.Context, teamID int64, action string) ([]string, error)
}

// Selector restricts which log rows a query considers. It is resolved
// once, before scanning, into a concrete set of event names.
type Selector interface {
	// Name is the display name used when labeling query output.
	Name() string
	// Resolve expands the selector into its event-name set.
	Resolve(ctx context.Context, r ActionResolver, teamID int64) (Resolved, error)
}

// EventSelector selects rows for a single event name.
type EventSelector string

func (e EventSelector) Name() string { return string(e) }

func (e EventSelector) Resolve(ctx context.Context, r ActionResolver, teamID int64) (Resolved, error) {
	return newResolved(string(e), []string{string(e)}), nil
}

// ActionSelector selects rows for any event name in a named action.
type ActionSelector string

func (a ActionSelector) Name() string { return string(a) }

func (a ActionSelector) Resolve(ctx context.Context, r ActionResolver, teamID int64) (Resolved, error) {
	names, err := r.ActionEventNames(ctx, teamID, string(a))
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve action %q: %w", string(a), err)
	}
	return newResolved(string(a), names), nil
}

// Resolved is a selector reduced to a concrete event-name set.
type Resolved struct {
	name  string
	names []string
	set   map[string]struct{}
}

func newResolved(name string, names []string) Resolved {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Resolved{name: name, names: names, set: set}
}

// Name is the selector's display name.
func (r Resolved) Name() string { return r.name }

// EventNames is the concrete event-name set, in resolution order.
func (r Resolved) EventNames() []string { return r.names }

// Matches reports whether a row with the given event name is selected.
func (r Resolved) Matches(event string) bool {
	_, ok := r.set[event]
	return ok
}
