package bundler

import (
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/testutil"
	"github.com/banshee-data/camsync/internal/timeutil"
)

// newEvictionBundler builds a 3-camera bundler on a mock clock: tolerance
// 5ms, eviction after 10x tolerance = 50ms, cleanup scan every 20ms.
func newEvictionBundler(t *testing.T) (*Bundler, *timeutil.MockClock) {
	t.Helper()
	rig := camera.TestRig(3)
	pipelines := make([]pipeline.VisualPipeline, 3)
	for i := range pipelines {
		pipelines[i] = &pipeline.NullPipeline{CameraIndex: i}
	}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	nb, err := New(Config{
		Pipelines:               pipelines,
		InputRig:                rig,
		OutputRig:               rig,
		TimestampToleranceNanos: ms(5),
		EvictionMultiple:        10,
		CleanupInterval:         20 * time.Millisecond,
		Clock:                   clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return nb, clock
}

func TestEvictionForceCompletes(t *testing.T) {
	nb, clock := newEvictionBundler(t)
	defer nb.Close()

	if err := nb.ProcessImage(0, frames.NewImage(8, 8), ms(100)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)
	if got := pendingCount(nb); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	// Advance short of the threshold: nothing happens.
	clock.Advance(30 * time.Millisecond)
	time.Sleep(10 * time.Millisecond) // give the cleanup goroutine a chance to run
	if got := nb.Completed(); got != 0 {
		t.Fatalf("completed = %d before eviction threshold, want 0", got)
	}

	// Past the threshold the bundle is force-completed.
	clock.Advance(30 * time.Millisecond)
	testutil.WaitUntil(t, 2*time.Second, "eviction", func() bool { return nb.Completed() == 1 })

	b := nb.TakeOldest()
	if !b.Evicted {
		t.Error("force-completed bundle not marked evicted")
	}
	if got := b.NumFilled(); got != 1 {
		t.Errorf("NumFilled = %d, want 1", got)
	}
	if !b.Absent[1] || !b.Absent[2] {
		t.Error("missing cameras not marked absent")
	}
	if got := pendingCount(nb); got != 0 {
		t.Errorf("pending = %d after eviction, want 0", got)
	}
	if got := nb.Stats().Evicted; got != 1 {
		t.Errorf("Stats.Evicted = %d, want 1", got)
	}
}

// TestPendingTableBoundedUnderSingleCameraInput feeds only camera 0 across
// many eviction windows; the pending table must never accumulate old entries.
func TestPendingTableBoundedUnderSingleCameraInput(t *testing.T) {
	nb, clock := newEvictionBundler(t)
	defer nb.Close()

	img := frames.NewImage(8, 8)
	for i := 0; i < 6; i++ {
		ts := ms(int64(200 + 100*i))
		if err := nb.ProcessImage(0, img, ts); err != nil {
			t.Fatal(err)
		}
		settle(t, nb)
		if got := pendingCount(nb); got > 1 {
			t.Fatalf("iteration %d: pending = %d, want at most 1", i, got)
		}
		// Cross a full eviction window before the next frame.
		clock.Advance(60 * time.Millisecond)
		testutil.WaitUntil(t, 2*time.Second, "eviction of stale bundle", func() bool {
			return pendingCount(nb) == 0
		})
	}

	if got := nb.Stats().Evicted; got != 6 {
		t.Errorf("Stats.Evicted = %d, want 6", got)
	}
	// Evicted bundles surface oldest-first with the missing cameras absent.
	prev := int64(-1)
	for b := nb.TakeOldest(); b != nil; b = nb.TakeOldest() {
		if b.TimestampNanos < prev {
			t.Fatalf("evicted bundles out of order: %d after %d", b.TimestampNanos, prev)
		}
		prev = b.TimestampNanos
		if !b.Evicted {
			t.Error("bundle completed without eviction under single-camera input")
		}
	}
}

func TestEvictionRemovesOnlyStaleBundles(t *testing.T) {
	nb, clock := newEvictionBundler(t)
	defer nb.Close()

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)

	clock.Advance(40 * time.Millisecond)
	if err := nb.ProcessImage(0, img, ms(500)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)
	if got := pendingCount(nb); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	// Only the first bundle has crossed the 50ms age threshold.
	clock.Advance(20 * time.Millisecond)
	testutil.WaitUntil(t, 2*time.Second, "first bundle evicted", func() bool { return nb.Completed() == 1 })
	if got := pendingCount(nb); got != 1 {
		t.Errorf("pending = %d after partial eviction, want 1", got)
	}
	b := nb.TakeOldest()
	if b.TimestampNanos != ms(100) {
		t.Errorf("evicted bundle ts = %d, want %d", b.TimestampNanos, ms(100))
	}
}
