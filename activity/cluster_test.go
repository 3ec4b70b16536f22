// ABOUTME: Tests for activity clustering by modification-time gaps.
// ABOUTME: Covers determinism, partitioning, temporal order, degenerate inputs, and gap options.
package activity_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/2389-research/labrecord/activity"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func filesAt(offsets ...time.Duration) []activity.File {
	files := make([]activity.File, len(offsets))
	for i, off := range offsets {
		files[i] = activity.File{Path: fmt.Sprintf("/data/f%02d.tif", i), ModTime: t0.Add(off)}
	}
	return files
}

func paths(a *activity.Activity) []string {
	out := make([]string, len(a.Files))
	for i, f := range a.Files {
		out[i] = f.Path
	}
	return out
}

func TestClusterTwoBursts(t *testing.T) {
	m := time.Minute
	files := filesAt(0, 2*m, 4*m, 44*m, 46*m)

	acts := activity.Cluster(files, activity.DefaultOptions())
	if len(acts) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(acts))
	}
	if got := paths(acts[0]); len(got) != 3 || got[2] != "/data/f02.tif" {
		t.Errorf("activity 0 files = %v", got)
	}
	if got := paths(acts[1]); len(got) != 2 || got[0] != "/data/f03.tif" {
		t.Errorf("activity 1 files = %v", got)
	}
	if acts[0].Seq != 0 || acts[1].Seq != 1 {
		t.Errorf("seq = %d, %d", acts[0].Seq, acts[1].Seq)
	}
	if !acts[0].Start.Equal(t0) || !acts[0].End.Equal(t0.Add(4*m)) {
		t.Errorf("activity 0 window = [%v, %v]", acts[0].Start, acts[0].End)
	}
	if !acts[1].Start.Equal(t0.Add(44*m)) || !acts[1].End.Equal(t0.Add(46*m)) {
		t.Errorf("activity 1 window = [%v, %v]", acts[1].Start, acts[1].End)
	}
}

func TestClusterSingleFile(t *testing.T) {
	acts := activity.Cluster(filesAt(0), activity.DefaultOptions())
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(acts))
	}
	if !acts[0].Start.Equal(t0) || !acts[0].End.Equal(t0) {
		t.Errorf("window = [%v, %v], want both %v", acts[0].Start, acts[0].End, t0)
	}
}

func TestClusterEmpty(t *testing.T) {
	if acts := activity.Cluster(nil, activity.DefaultOptions()); len(acts) != 0 {
		t.Fatalf("expected no activities, got %d", len(acts))
	}
}

func TestClusterEqualTimestampsKeepDiscoveryOrder(t *testing.T) {
	files := filesAt(0, 0, 0, 0)
	files[0].Path, files[3].Path = "/data/z.tif", "/data/a.tif"

	acts := activity.Cluster(files, activity.DefaultOptions())
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(acts))
	}
	got := paths(acts[0])
	if got[0] != "/data/z.tif" || got[3] != "/data/a.tif" {
		t.Errorf("tie order not preserved: %v", got)
	}
}

func TestClusterZeroMedianFallsBackToNonZeroDeltas(t *testing.T) {
	s := time.Second
	// Bursts of simultaneous writes; the median delta is zero.
	files := filesAt(0, 0, 0, 10*s, 10*s, 10*s, 20*s, 20*s, 20*s, 300*s)

	acts := activity.Cluster(files, activity.DefaultOptions())
	if len(acts) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(acts))
	}
	if len(acts[0].Files) != 9 || len(acts[1].Files) != 1 {
		t.Errorf("split = %d/%d, want 9/1", len(acts[0].Files), len(acts[1].Files))
	}
}

func TestClusterUniformSpacingIsOneActivity(t *testing.T) {
	m := time.Minute
	acts := activity.Cluster(filesAt(0, m, 2*m, 3*m, 4*m), activity.DefaultOptions())
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(acts))
	}
}

func TestClusterMinGapSuppressesJitterSplits(t *testing.T) {
	ms := time.Millisecond
	files := filesAt(0, 10*ms, 20*ms, 30*ms, 2000*ms)

	if acts := activity.Cluster(files, activity.DefaultOptions()); len(acts) != 2 {
		t.Fatalf("without MinGap expected 2 activities, got %d", len(acts))
	}
	opts := activity.DefaultOptions()
	opts.MinGap = 5 * time.Second
	if acts := activity.Cluster(files, opts); len(acts) != 1 {
		t.Fatalf("with MinGap expected 1 activity, got %d", len(acts))
	}
}

func TestClusterMaxGapForcesBoundary(t *testing.T) {
	m := time.Minute
	// Evenly sparse: no gap stands out against the median.
	files := filesAt(0, 30*m, 60*m, 90*m)

	if acts := activity.Cluster(files, activity.DefaultOptions()); len(acts) != 1 {
		t.Fatalf("expected 1 activity without MaxGap, got %d", len(acts))
	}
	opts := activity.DefaultOptions()
	opts.MaxGap = 30 * m
	if acts := activity.Cluster(files, opts); len(acts) != 4 {
		t.Fatalf("expected 4 activities with MaxGap, got %d", len(acts))
	}
}

func TestClusterPropertiesOnShuffledInput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(40)
		offsets := make([]time.Duration, n)
		for i := range offsets {
			offsets[i] = time.Duration(rng.Intn(3600)) * time.Second
		}
		files := filesAt(offsets...)
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

		first := activity.Cluster(files, activity.DefaultOptions())
		second := activity.Cluster(files, activity.DefaultOptions())

		if len(first) != len(second) {
			t.Fatalf("trial %d: non-deterministic activity count", trial)
		}
		seen := make(map[string]int)
		var prevEnd time.Time
		for i, a := range first {
			if a.Seq != i {
				t.Fatalf("trial %d: activity %d has seq %d", trial, i, a.Seq)
			}
			if i > 0 && a.Start.Before(prevEnd) {
				t.Fatalf("trial %d: activity %d starts before previous ends", trial, i)
			}
			prevEnd = a.End
			for j, f := range a.Files {
				seen[f.Path]++
				if f.ModTime.Before(a.Start) || f.ModTime.After(a.End) {
					t.Fatalf("trial %d: file outside activity window", trial)
				}
				if second[i].Files[j].Path != f.Path {
					t.Fatalf("trial %d: non-deterministic membership", trial)
				}
			}
		}
		if len(seen) != n {
			t.Fatalf("trial %d: %d distinct files in output, want %d", trial, len(seen), n)
		}
		for p, c := range seen {
			if c != 1 {
				t.Fatalf("trial %d: %s appears %d times", trial, p, c)
			}
		}
	}
}

func TestThresholdDegenerate(t *testing.T) {
	if _, ok := activity.DefaultOptions().Threshold([]time.Duration{0, 0, 0}); ok {
		t.Fatal("all-zero deltas should have no threshold")
	}
	if _, ok := activity.DefaultOptions().Threshold(nil); ok {
		t.Fatal("no deltas should have no threshold")
	}
	got, ok := activity.DefaultOptions().Threshold([]time.Duration{time.Minute, 3 * time.Minute})
	if !ok || got != 10*time.Minute {
		t.Fatalf("threshold = %v, %v; want 10m", got, ok)
	}
}
