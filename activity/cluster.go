// ABOUTME: Activity clustering: splits a session's files into acquisition activities at
// ABOUTME: modification-time gaps larger than a multiple of the median gap.
package activity

import (
	"sort"
	"time"
)

// DefaultMultiplier is the factor applied to the median gap when no
// instrument-specific value is configured.
const DefaultMultiplier = 5.0

// Options tunes where activity boundaries fall.
type Options struct {
	// Multiplier scales the median gap into the boundary threshold.
	Multiplier float64
	// MinGap is a floor on the threshold, so sub-second bursts are not
	// split on jitter.
	MinGap time.Duration
	// MaxGap, when positive, forces a boundary at any gap at least this long.
	MaxGap time.Duration
}

// DefaultOptions returns the clustering defaults.
func DefaultOptions() Options {
	return Options{Multiplier: DefaultMultiplier}
}

// Threshold returns the gap a delta must exceed to start a new activity, or
// false when every delta is zero and no meaningful threshold exists.
func (o Options) Threshold(deltas []time.Duration) (time.Duration, bool) {
	med := median(deltas)
	if med == 0 {
		var nonzero []time.Duration
		for _, d := range deltas {
			if d > 0 {
				nonzero = append(nonzero, d)
			}
		}
		if len(nonzero) == 0 {
			return 0, false
		}
		med = median(nonzero)
	}
	mult := o.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	t := time.Duration(float64(med) * mult)
	if t < o.MinGap {
		t = o.MinGap
	}
	return t, true
}

// Cluster sorts files by modification time and groups them into activities.
// Ties keep the input order. The result is numbered 0..N-1 in time order and
// every input file appears in exactly one activity. The input slice is not
// modified.
func Cluster(files []File, opts Options) []*Activity {
	if len(files) == 0 {
		return nil
	}

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ModTime.Before(sorted[j].ModTime)
	})

	deltas := make([]time.Duration, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		deltas[i-1] = sorted[i].ModTime.Sub(sorted[i-1].ModTime)
	}
	threshold, ok := opts.Threshold(deltas)

	var (
		activities []*Activity
		cur        = &Activity{Seq: 0}
	)
	for i, f := range sorted {
		if i > 0 && ok && isBoundary(deltas[i-1], threshold, opts.MaxGap) {
			activities = append(activities, finish(cur))
			cur = &Activity{Seq: len(activities)}
		}
		cur.Files = append(cur.Files, f)
	}
	return append(activities, finish(cur))
}

func isBoundary(delta, threshold, maxGap time.Duration) bool {
	if delta > threshold {
		return true
	}
	return maxGap > 0 && delta >= maxGap
}

func finish(a *Activity) *Activity {
	a.Start = a.Files[0].ModTime
	a.End = a.Files[len(a.Files)-1].ModTime
	return a
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	s := make([]time.Duration, len(ds))
	copy(s, ds)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
