package lifecycle

import (
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/interval"
)

// Insight is one display-ready series: the counts for a single status
// across the window, with formatted bucket dates.
type Insight struct {
	Data   []int    `json:"data"`
	Count  int      `json:"count"`
	Dates  []string `json:"dates"`
	Labels []string `json:"labels"`
	Days   []string `json:"days"`
	Label  string   `json:"label"`
	Status Status   `json:"status"`
}

// Shape formats a classified series into one insight per status, in the
// canonical status order. selectorName prefixes each label.
//
// Month buckets display as the last day of the prior month (the bucket
// start shifted back one day); minute and hour buckets carry a
// time-of-day component.
func Shape(series Series, cal interval.Calendar, selectorName string) []Insight {
	out := make([]Insight, 0, len(Statuses))
	for _, st := range Statuses {
		points := series[st]
		insight := Insight{
			Data:   make([]int, 0, len(points)),
			Dates:  make([]string, 0, len(points)),
			Labels: make([]string, 0, len(points)),
			Days:   make([]string, 0, len(points)),
			Label:  fmt.Sprintf("%s - %s", selectorName, st),
			Status: st,
		}
		for _, p := range points {
			insight.Data = append(insight.Data, p.Count)
			insight.Count += p.Count
			d := displayTime(p.Bucket, cal.Granularity())
			insight.Dates = append(insight.Dates, d.Format(dateLayout(cal.Granularity())))
			insight.Labels = append(insight.Labels, d.Format(labelLayout(cal.Granularity())))
			insight.Days = append(insight.Days, d.Format(dayLayout(cal.Granularity())))
		}
		out = append(out, insight)
	}
	return out
}

// displayTime applies the month display convention: the stored bucket
// start (first of the month) is shown as the prior month's last day.
func displayTime(bucket time.Time, g interval.Granularity) time.Time {
	if g == interval.Month {
		return bucket.AddDate(0, 0, -1)
	}
	return bucket
}

func withClock(g interval.Granularity) bool {
	return g == interval.Minute || g == interval.Hour
}

func dateLayout(g interval.Granularity) string {
	if withClock(g) {
		return "2006-01-02, 15:04"
	}
	return "2006-01-02"
}

func labelLayout(g interval.Granularity) string {
	if withClock(g) {
		return "Mon. 2 January, 15:04"
	}
	return "Mon. 2 January"
}

func dayLayout(g interval.Granularity) string {
	if withClock(g) {
		return "2006-01-02 15:04:05"
	}
	return "2006-01-02"
}
