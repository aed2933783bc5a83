package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/beaconhq/beacon/internal/interval"
	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// TimelineStore is the slice of the materialized log the builder reads.
type TimelineStore interface {
	Occurrences(ctx context.Context, teamID int64, events []string, from, to time.Time) ([]store.Occurrence, error)
	FirstActivity(ctx context.Context, teamID int64, events []string) (map[string]time.Time, error)
}

// Timeline is one identity's active-bucket history around the query
// window: the distinct buckets it was active in, padded one bucket on
// each side of the window, plus its earliest-ever active bucket across
// all history.
type Timeline struct {
	// Owner is the stable identity occurrences collapse to for
	// counting: the person uuid when resolved, else the distinct id.
	Owner string
	// Buckets is the ascending set of distinct active bucket starts
	// inside [window start − 1 bucket, window end + 1 bucket].
	Buckets []time.Time
	// Earliest is the identity's earliest-ever active bucket, from the
	// first-activity index; it is not bounded by the window.
	Earliest time.Time
}

// Builder reconstructs per-identity activity timelines from the log.
type Builder struct {
	store TimelineStore
}

func NewBuilder(s TimelineStore) *Builder {
	return &Builder{store: s}
}

// Build scans the log for the tenant and selector and returns one
// timeline per distinct id. The scan covers [from − 1 bucket,
// to + 1 bucket] so the classifier can tell new from returning at the
// window edges. from and to must be bucket starts.
func (b *Builder) Build(ctx context.Context, teamID int64, sel model.Resolved, cal interval.Calendar, from, to time.Time) (map[string]*Timeline, error) {
	scanFrom := cal.Prev(from)
	scanTo := cal.Next(cal.Next(to)) // exclusive: covers all of bucket to+1

	occurrences, err := b.store.Occurrences(ctx, teamID, sel.EventNames(), scanFrom, scanTo)
	if err != nil {
		return nil, fmt.Errorf("scan occurrences: %w", err)
	}

	timelines := make(map[string]*Timeline)
	buckets := make(map[string]map[time.Time]struct{})
	for _, occ := range occurrences {
		tl, ok := timelines[occ.DistinctID]
		if !ok {
			tl = &Timeline{}
			timelines[occ.DistinctID] = tl
			buckets[occ.DistinctID] = make(map[time.Time]struct{})
		}
		if occ.PersonUUID != "" {
			tl.Owner = occ.PersonUUID
		}
		buckets[occ.DistinctID][cal.Truncate(occ.Timestamp)] = struct{}{}
	}
	if len(timelines) == 0 {
		return timelines, nil
	}

	first, err := b.store.FirstActivity(ctx, teamID, sel.EventNames())
	if err != nil {
		return nil, fmt.Errorf("first activity index: %w", err)
	}

	for distinctID, tl := range timelines {
		for bucket := range buckets[distinctID] {
			tl.Buckets = append(tl.Buckets, bucket)
		}
		sort.Slice(tl.Buckets, func(i, j int) bool { return tl.Buckets[i].Before(tl.Buckets[j]) })

		if ts, ok := first[distinctID]; ok {
			tl.Earliest = cal.Truncate(ts)
		} else {
			// No index entry means the scan itself saw this identity's
			// first activity.
			tl.Earliest = tl.Buckets[0]
		}
		if tl.Owner == "" {
			tl.Owner = distinctID
		}
	}
	return timelines, nil
}
