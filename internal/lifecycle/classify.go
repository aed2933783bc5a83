package lifecycle

import (
	"time"

	"github.com/beaconhq/beacon/internal/interval"
)

// Status classifies an identity's activity transition within a bucket.
type Status string

const (
	StatusNew          Status = "new"
	StatusReturning    Status = "returning"
	StatusResurrecting Status = "resurrecting"
	StatusDormant      Status = "dormant"
)

// Statuses is the closed status set, in output order. All four are
// always present in a classified series, even when empty.
var Statuses = []Status{StatusNew, StatusReturning, StatusResurrecting, StatusDormant}

// Point is the count of distinct owner identities assigned a status in
// one bucket.
type Point struct {
	Bucket time.Time
	Count  int
}

// Series holds one ascending, zero-filled point per window bucket for
// each status.
type Series map[Status][]Point

// Classify assigns a status to every bucket transition in the window
// and aggregates counts of distinct owners per (bucket, status).
//
// Per identity, walking its active buckets in ascending order:
//   - the earliest-ever active bucket is new;
//   - a bucket immediately following the previous active bucket is
//     returning;
//   - any other active bucket is a reactivation after a gap and is
//     resurrecting (the identity necessarily has earlier activity);
//   - the first silent bucket after each active bucket inside the
//     window is dormant; deeper silence stays implicit until the
//     identity reactivates.
//
// The one-bucket padding in each timeline lets buckets at the window
// edge see their true predecessor, so a bucket at window start with
// activity just before it still classifies as returning.
func Classify(timelines map[string]*Timeline, cal interval.Calendar, from, to time.Time) Series {
	owners := make(map[Status]map[time.Time]map[string]struct{})
	for _, st := range Statuses {
		owners[st] = make(map[time.Time]map[string]struct{})
	}
	mark := func(st Status, bucket time.Time, owner string) {
		set, ok := owners[st][bucket]
		if !ok {
			set = make(map[string]struct{})
			owners[st][bucket] = set
		}
		set[owner] = struct{}{}
	}
	inWindow := func(b time.Time) bool {
		return !b.Before(from) && !b.After(to)
	}

	for _, tl := range timelines {
		active := make(map[time.Time]struct{}, len(tl.Buckets))
		for _, b := range tl.Buckets {
			active[b] = struct{}{}
		}

		for i, b := range tl.Buckets {
			var st Status
			switch {
			case b.Equal(tl.Earliest):
				st = StatusNew
			case i > 0 && b.Equal(cal.Next(tl.Buckets[i-1])):
				st = StatusReturning
			default:
				st = StatusResurrecting
			}
			if inWindow(b) {
				mark(st, b, tl.Owner)
			}

			// Dormancy marks the transition into silence, not every
			// silent bucket: only the bucket right after activity, and
			// only when that bucket itself is silent and in the window.
			if !inWindow(b) {
				continue
			}
			next := cal.Next(b)
			if _, stillActive := active[next]; !stillActive && inWindow(next) {
				mark(StatusDormant, next, tl.Owner)
			}
		}
	}

	series := make(Series, len(Statuses))
	buckets := cal.Buckets(from, to)
	for _, st := range Statuses {
		points := make([]Point, 0, len(buckets))
		for _, b := range buckets {
			points = append(points, Point{Bucket: b, Count: len(owners[st][b])})
		}
		series[st] = points
	}
	return series
}
