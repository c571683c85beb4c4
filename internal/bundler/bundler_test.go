package bundler

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/testutil"
	"github.com/banshee-data/camsync/internal/timeutil"
)

func ms(n int64) int64 { return n * int64(time.Millisecond) }

// settle waits until every submitted worker task has been reflected in the
// assembly table.
func settle(t *testing.T, nb *Bundler) {
	t.Helper()
	testutil.WaitUntil(t, 2*time.Second, "worker tasks to settle", func() bool {
		nb.mu.Lock()
		n := nb.tasksInFlight
		nb.mu.Unlock()
		return n == 0
	})
}

func pendingCount(nb *Bundler) int {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return len(nb.pending)
}

// failPipeline always reports a processing failure.
type failPipeline struct{ cameraIndex int }

func (p *failPipeline) Process(img *frames.Image, ts int64) (*frames.ProcessedFrame, error) {
	return nil, fmt.Errorf("camera %d: detector exploded", p.cameraIndex)
}

// gatePipeline blocks every invocation until release is closed.
type gatePipeline struct {
	cameraIndex int
	release     chan struct{}
}

func (p *gatePipeline) Process(img *frames.Image, ts int64) (*frames.ProcessedFrame, error) {
	<-p.release
	return &frames.ProcessedFrame{CameraIndex: p.cameraIndex, TimestampNanos: ts, Image: img}, nil
}

func TestNewValidation(t *testing.T) {
	rig := camera.TestRig(2)
	good := []pipeline.VisualPipeline{&pipeline.NullPipeline{}, &pipeline.NullPipeline{CameraIndex: 1}}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no rigs", Config{Pipelines: good, TimestampToleranceNanos: ms(5)}},
		{"no pipelines", Config{InputRig: rig, OutputRig: rig, TimestampToleranceNanos: ms(5)}},
		{"pipeline count mismatch", Config{Pipelines: good[:1], InputRig: rig, OutputRig: rig, TimestampToleranceNanos: ms(5)}},
		{"rig count mismatch", Config{Pipelines: good, InputRig: rig, OutputRig: camera.TestRig(3), TimestampToleranceNanos: ms(5)}},
		{"nil pipeline", Config{Pipelines: []pipeline.VisualPipeline{good[0], nil}, InputRig: rig, OutputRig: rig, TimestampToleranceNanos: ms(5)}},
		{"zero tolerance", Config{Pipelines: good, InputRig: rig, OutputRig: rig}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Errorf("%s: misconfiguration accepted", tc.name)
		}
	}

	nb, err := New(Config{Pipelines: good, InputRig: rig, OutputRig: rig, TimestampToleranceNanos: ms(5)})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	nb.Close()
}

func TestInvalidCameraIndex(t *testing.T) {
	nb, err := NewTest(3, ms(5))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	for _, idx := range []int{-1, 3, 99} {
		if err := nb.ProcessImage(idx, frames.NewImage(8, 8), ms(100)); !errors.Is(err, ErrInvalidCameraIndex) {
			t.Errorf("index %d: err = %v, want ErrInvalidCameraIndex", idx, err)
		}
	}
	// A rejected submission schedules nothing.
	if got := nb.FramesInFlight(); got != 0 {
		t.Errorf("FramesInFlight = %d after rejected submissions, want 0", got)
	}
}

// TestThreeCameraSync is the canonical scenario: N=3, tolerance 5ms, frames
// at 100/104/102ms assemble into one bundle keyed at 100ms.
func TestThreeCameraSync(t *testing.T) {
	nb, err := NewTest(3, ms(5))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := testutil.GradientImage(32, 32)
	for _, sub := range []struct {
		cam int
		ts  int64
	}{{0, ms(100)}, {2, ms(104)}, {1, ms(102)}} {
		if err := nb.ProcessImage(sub.cam, img, sub.ts); err != nil {
			t.Fatalf("ProcessImage(%d) failed: %v", sub.cam, err)
		}
	}

	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })

	b := nb.TakeOldest()
	if b == nil {
		t.Fatal("TakeOldest returned nil")
	}
	if b.TimestampNanos != ms(100) {
		t.Errorf("representative timestamp = %d, want %d", b.TimestampNanos, ms(100))
	}
	if got := b.NumFilled(); got != 3 {
		t.Errorf("NumFilled = %d, want 3", got)
	}
	for i, f := range b.Frames {
		if f == nil {
			t.Fatalf("slot %d empty", i)
		}
		if f.CameraIndex != i {
			t.Errorf("slot %d holds camera %d", i, f.CameraIndex)
		}
	}
	if b.Evicted {
		t.Error("fully assembled bundle marked evicted")
	}
	if nb.Completed() != 0 {
		t.Errorf("queue not empty after TakeOldest: %d", nb.Completed())
	}
}

// TestArrivalOrderIndependence assembles the same three frames in every
// arrival order, settling between submissions to pin the interleaving.
func TestArrivalOrderIndependence(t *testing.T) {
	subs := []struct {
		cam int
		ts  int64
	}{{0, ms(100)}, {1, ms(102)}, {2, ms(104)}}
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, perm := range perms {
		nb, err := NewTest(3, ms(5))
		if err != nil {
			t.Fatal(err)
		}

		for _, i := range perm {
			if err := nb.ProcessImage(subs[i].cam, frames.NewImage(8, 8), subs[i].ts); err != nil {
				t.Fatal(err)
			}
			settle(t, nb)
		}

		if got := nb.Completed(); got != 1 {
			t.Fatalf("order %v: completed = %d, want 1", perm, got)
		}
		b := nb.TakeOldest()
		if got := b.NumFilled(); got != 3 {
			t.Errorf("order %v: NumFilled = %d, want 3", perm, got)
		}
		if pendingCount(nb) != 0 {
			t.Errorf("order %v: pending table not empty", perm)
		}
		nb.Close()
	}
}

// TestDuplicateSlotDropped covers the §4.2 duplicate policy: a second frame
// for a camera already represented is dropped unless closer to the
// representative timestamp.
func TestDuplicateSlotDropped(t *testing.T) {
	nb, err := NewTest(2, ms(5))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)
	if err := nb.ProcessImage(0, img, ms(101)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)

	// The late duplicate must not open a second, overlapping bundle.
	if got := pendingCount(nb); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if got := nb.Completed(); got != 0 {
		t.Fatalf("completed = %d before cam1 arrived, want 0", got)
	}
	if got := nb.Stats().DuplicatesDropped; got != 1 {
		t.Errorf("DuplicatesDropped = %d, want 1", got)
	}

	if err := nb.ProcessImage(1, img, ms(102)); err != nil {
		t.Fatal(err)
	}
	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })

	b := nb.TakeOldest()
	if b.Frames[0].TimestampNanos != ms(100) {
		t.Errorf("slot 0 holds ts=%d, want the original %d", b.Frames[0].TimestampNanos, ms(100))
	}
}

func TestDuplicateCloserTimestampReplaces(t *testing.T) {
	nb, err := NewTest(3, ms(5))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := frames.NewImage(8, 8)
	// cam1 opens the bundle at 100ms; cam0 fills its slot 4ms away, then a
	// closer cam0 frame arrives and must win the slot.
	for _, sub := range []struct {
		cam int
		ts  int64
	}{{1, ms(100)}, {0, ms(104)}, {0, ms(101)}} {
		if err := nb.ProcessImage(sub.cam, img, sub.ts); err != nil {
			t.Fatal(err)
		}
		settle(t, nb)
	}

	if err := nb.ProcessImage(2, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })

	b := nb.TakeOldest()
	if got := b.Frames[0].TimestampNanos; got != ms(101) {
		t.Errorf("slot 0 holds ts=%d, want replacement at %d", got, ms(101))
	}
}

func TestToleranceBoundary(t *testing.T) {
	nb, err := NewTest(2, ms(5))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)

	// Exactly at tolerance joins the bundle.
	if err := nb.ProcessImage(1, img, ms(105)); err != nil {
		t.Fatal(err)
	}
	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })
	if got := pendingCount(nb); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}

	// One past tolerance opens a new bundle.
	if err := nb.ProcessImage(0, img, ms(200)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)
	if err := nb.ProcessImage(1, img, ms(200)+ms(5)+1); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)
	if got := pendingCount(nb); got != 2 {
		t.Errorf("pending = %d, want 2 separate bundles", got)
	}
}

func TestPipelineFailureRecordsAbsentSlot(t *testing.T) {
	rig := camera.TestRig(2)
	nb, err := New(Config{
		Pipelines: []pipeline.VisualPipeline{
			&pipeline.NullPipeline{CameraIndex: 0},
			&failPipeline{cameraIndex: 1},
		},
		InputRig:                rig,
		OutputRig:               rig,
		TimestampToleranceNanos: ms(5),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	if err := nb.ProcessImage(1, img, ms(101)); err != nil {
		t.Fatal(err)
	}

	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })

	b := nb.TakeOldest()
	if !b.Absent[1] {
		t.Error("failed camera slot not marked absent")
	}
	if b.Frames[0] == nil {
		t.Error("healthy camera slot empty")
	}
	if got := nb.Stats().PipelineFailures; got != 1 {
		t.Errorf("PipelineFailures = %d, want 1", got)
	}
}

func TestFramesInFlight(t *testing.T) {
	rig := camera.TestRig(2)
	gate := &gatePipeline{cameraIndex: 0, release: make(chan struct{})}
	nb, err := New(Config{
		Pipelines:               []pipeline.VisualPipeline{gate, &pipeline.NullPipeline{CameraIndex: 1}},
		InputRig:                rig,
		OutputRig:               rig,
		TimestampToleranceNanos: ms(5),
	})
	if err != nil {
		t.Fatal(err)
	}

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	// Task submitted but blocked in the pipeline: counts as in flight.
	if got := nb.FramesInFlight(); got != 1 {
		t.Errorf("FramesInFlight = %d with blocked task, want 1", got)
	}

	close(gate.release)
	settle(t, nb)
	// Task done, bundle pending: still one in flight.
	if got := nb.FramesInFlight(); got != 1 {
		t.Errorf("FramesInFlight = %d with pending bundle, want 1", got)
	}

	if err := nb.ProcessImage(1, img, ms(101)); err != nil {
		t.Fatal(err)
	}
	testutil.WaitUntil(t, 2*time.Second, "bundle completion", func() bool { return nb.Completed() == 1 })
	if got := nb.FramesInFlight(); got != 0 {
		t.Errorf("FramesInFlight = %d after completion, want 0", got)
	}
	nb.Close()
}

func TestProcessImageConveniencePeek(t *testing.T) {
	nb, err := NewTest(1, ms(1))
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	img := frames.NewImage(8, 8)
	b, err := nb.ProcessImageTakeOldest(0, img, ms(10))
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Error("first submission returned a bundle before anything completed")
	}

	testutil.WaitUntil(t, 2*time.Second, "first bundle", func() bool { return nb.Completed() == 1 })

	b, err = nb.ProcessImageTakeOldest(0, img, ms(20))
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.TimestampNanos != ms(10) {
		t.Errorf("convenience peek = %v, want bundle at ts=%d", b, ms(10))
	}
}

func TestOnBundleCallbackSerialized(t *testing.T) {
	rig := camera.TestRig(1)
	got := make(chan int64, 16)
	nb, err := New(Config{
		Pipelines:               []pipeline.VisualPipeline{&pipeline.NullPipeline{}},
		InputRig:                rig,
		OutputRig:               rig,
		TimestampToleranceNanos: ms(1),
		OnBundle: func(b *frames.Bundle) {
			got <- b.TimestampNanos
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	img := frames.NewImage(8, 8)
	for i := int64(0); i < 3; i++ {
		if err := nb.ProcessImage(0, img, ms(10*i)); err != nil {
			t.Fatal(err)
		}
		settle(t, nb)
	}
	nb.Close()

	close(got)
	var seen []int64
	for ts := range got {
		seen = append(seen, ts)
	}
	if len(seen) != 3 {
		t.Fatalf("callback saw %d bundles, want 3", len(seen))
	}
}

func TestCloseRejectsAndDiscards(t *testing.T) {
	nb, err := NewTest(2, ms(5))
	if err != nil {
		t.Fatal(err)
	}

	img := frames.NewImage(8, 8)
	if err := nb.ProcessImage(0, img, ms(100)); err != nil {
		t.Fatal(err)
	}
	settle(t, nb)

	nb.Close()
	nb.Close() // idempotent

	if err := nb.ProcessImage(1, img, ms(101)); !errors.Is(err, ErrClosed) {
		t.Errorf("err after Close = %v, want ErrClosed", err)
	}
	if got := pendingCount(nb); got != 0 {
		t.Errorf("pending = %d after Close, want 0", got)
	}
}

func TestConcurrentAssembly(t *testing.T) {
	const numCameras = 4
	const numBundles = 40

	rig := camera.TestRig(numCameras)
	pipelines := make([]pipeline.VisualPipeline, numCameras)
	for i := range pipelines {
		pipelines[i] = &pipeline.NullPipeline{CameraIndex: i}
	}
	// Mock clock never advances: eviction cannot interfere with assembly.
	nb, err := New(Config{
		Pipelines:               pipelines,
		InputRig:                rig,
		OutputRig:               rig.Undistorted(),
		TimestampToleranceNanos: ms(2),
		Workers:                 8,
		MaxQueuedBundles:        numBundles + 1,
		Clock:                   timeutil.NewMockClock(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer nb.Close()

	// One goroutine per camera submits all its frames with per-camera jitter
	// inside the tolerance window. Bundles are spaced well apart.
	errCh := make(chan error, numCameras)
	for cam := 0; cam < numCameras; cam++ {
		go func(cam int) {
			img := frames.NewImage(8, 8)
			for i := 0; i < numBundles; i++ {
				ts := ms(int64(100+100*i)) + int64(cam)*ms(2)/numCameras
				if err := nb.ProcessImage(cam, img, ts); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}(cam)
	}
	for i := 0; i < numCameras; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	testutil.WaitUntil(t, 5*time.Second, "all bundles", func() bool { return nb.Completed() == numBundles })

	prev := int64(-1)
	for i := 0; i < numBundles; i++ {
		b := nb.TakeOldest()
		if b == nil {
			t.Fatalf("queue ran dry at %d", i)
		}
		if b.TimestampNanos < prev {
			t.Fatalf("out-of-order retrieval: %d after %d", b.TimestampNanos, prev)
		}
		prev = b.TimestampNanos
		if got := b.NumFilled(); got != numCameras {
			t.Errorf("bundle %d: NumFilled = %d, want %d", i, got, numCameras)
		}
	}
	if got := nb.Stats().DuplicatesDropped; got != 0 {
		t.Errorf("DuplicatesDropped = %d under clean input, want 0", got)
	}
}

// TestQueueFullRejectsWithoutBlocking fills the worker task queue behind a
// stalled pipeline; the overflow submission must return immediately with
// ErrQueueFull rather than wait for a worker.
func TestQueueFullRejectsWithoutBlocking(t *testing.T) {
	rig := camera.TestRig(1)
	gate := &gatePipeline{cameraIndex: 0, release: make(chan struct{})}
	nb, err := New(Config{
		Pipelines:               []pipeline.VisualPipeline{gate},
		InputRig:                rig,
		OutputRig:               rig,
		TimestampToleranceNanos: ms(5),
		Workers:                 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	img := frames.NewImage(8, 8)
	// One task occupies the worker, 64 fill the queue.
	accepted := 0
	for i := 0; i < 65; i++ {
		if err := nb.ProcessImage(0, img, ms(int64(100*i))); err != nil {
			t.Fatalf("submission %d rejected early: %v", i, err)
		}
		accepted++
		if i == 0 {
			// Yield so the worker dequeues the first task before the
			// remaining submissions fill the queue (needed on GOMAXPROCS=1).
			runtime.Gosched()
		}
	}

	done := make(chan error, 1)
	go func() { done <- nb.ProcessImage(0, img, ms(100*65)) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("overflow submission err = %v, want ErrQueueFull", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("overflow submission blocked on a full task queue")
	}

	// The rejected frame must not count toward backpressure.
	if got := nb.FramesInFlight(); got != accepted {
		t.Errorf("FramesInFlight = %d, want %d", got, accepted)
	}

	// Draining the stall makes room for new submissions.
	close(gate.release)
	settle(t, nb)
	if err := nb.ProcessImage(0, img, ms(100*66)); err != nil {
		t.Fatalf("submission after drain rejected: %v", err)
	}
	settle(t, nb)
	nb.Close()
}
