// Package bundler implements the multi-camera frame synchronization and
// assembly engine. Images arrive one at a time, tagged with a camera index
// and a capture timestamp; per-camera pipelines run concurrently on a fixed
// worker pool, and their outputs are matched into multi-camera bundles by a
// timestamp-tolerance rule. Completed bundles are exposed oldest-first, or
// newest-discard-rest for consumers that only want the freshest result.
//
// All shared state (the pending-bundle table and the completed queue) is
// protected by a single mutex: slot insertion, completion detection, and
// queue push are one atomic sequence per frame.
package bundler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/monitoring"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/timeutil"
)

var (
	// ErrInvalidCameraIndex is returned for submissions with an out-of-range
	// camera index. The submission has no further effect.
	ErrInvalidCameraIndex = errors.New("bundler: invalid camera index")

	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("bundler: closed")

	// ErrQueueFull is returned when the worker task queue is at capacity.
	// The submission has no further effect; callers watching FramesInFlight
	// should back off before retrying.
	ErrQueueFull = errors.New("bundler: worker queue full")
)

// Config configures a Bundler.
type Config struct {
	// Pipelines holds one per-camera pipeline, index-aligned with the input
	// rig. Required.
	Pipelines []pipeline.VisualPipeline

	// InputRig is the calibration of the raw images handed to ProcessImage.
	// Required; the engine reads only the camera count and index validity.
	InputRig *camera.Rig

	// OutputRig is the calibration of the processed frames. Required and
	// must have the same camera count as InputRig.
	OutputRig *camera.Rig

	// TimestampToleranceNanos is the maximum difference between two capture
	// timestamps for their frames to be considered co-temporal. Required.
	TimestampToleranceNanos int64

	// Workers is the worker-pool size (default 4). The pool's task queue
	// holds Workers*64 submissions; ProcessImage returns ErrQueueFull
	// rather than block once it fills.
	Workers int

	// EvictionMultiple sets the age threshold for force-completing pending
	// bundles, as a multiple of the tolerance window (default 50).
	EvictionMultiple int

	// CleanupInterval is how often the eviction scan runs (default 100ms).
	CleanupInterval time.Duration

	// MaxQueuedBundles bounds the completed queue; the oldest bundle is
	// dropped when the caller does not drain (default 100).
	MaxQueuedBundles int

	// OnBundle, when set, receives every completed bundle on a dedicated
	// goroutine. Deliveries are serialized; when the callback cannot keep up
	// the bundle is dropped with a debug log rather than blocking assembly.
	OnBundle func(*frames.Bundle)

	// Clock defaults to the real clock. Tests inject a mock to drive
	// eviction deterministically.
	Clock timeutil.Clock
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Completed         int64 // bundles pushed to the completed queue
	Evicted           int64 // bundles force-completed with absent slots
	DuplicatesDropped int64 // frames rejected by the duplicate-slot policy
	PipelineFailures  int64 // per-camera pipeline errors
	QueueDrops        int64 // completed bundles dropped by the queue bound
	Pending           int   // bundles currently in the assembly table
	TasksInFlight     int   // submitted tasks not yet reflected in the table
}

// Bundler is the dispatcher and assembly engine. Safe for concurrent use.
type Bundler struct {
	pipelines []pipeline.VisualPipeline
	inputRig  *camera.Rig
	outputRig *camera.Rig
	tolerance int64
	evictAge  time.Duration
	maxQueued int
	clock     timeutil.Clock

	// closeMu serializes submissions against Close so tasks are never
	// submitted to a closed pool.
	closeMu sync.RWMutex
	closed  bool

	// mu protects everything below.
	mu            sync.Mutex
	pending       map[int64]*frames.Bundle // keyed by representative timestamp
	completed     []*frames.Bundle         // sorted by representative timestamp
	tasksInFlight int
	stats         Stats

	pool   *workerPool
	notify chan struct{}

	stopCleanup chan struct{}
	cleanupDone chan struct{}

	onBundle   func(*frames.Bundle)
	bundleCh   chan *frames.Bundle
	bundleDone chan struct{}
}

// New creates a Bundler. Construction fails on misconfiguration: missing
// rigs, a pipeline count that does not match the camera count, or a
// non-positive tolerance.
func New(cfg Config) (*Bundler, error) {
	if cfg.InputRig == nil || cfg.OutputRig == nil {
		return nil, errors.New("bundler: input and output rigs are required")
	}
	if len(cfg.Pipelines) == 0 {
		return nil, errors.New("bundler: no pipelines")
	}
	if len(cfg.Pipelines) != cfg.InputRig.NumCameras() {
		return nil, fmt.Errorf("bundler: %d pipelines for %d cameras", len(cfg.Pipelines), cfg.InputRig.NumCameras())
	}
	if cfg.InputRig.NumCameras() != cfg.OutputRig.NumCameras() {
		return nil, fmt.Errorf("bundler: input rig has %d cameras, output rig %d",
			cfg.InputRig.NumCameras(), cfg.OutputRig.NumCameras())
	}
	for i, p := range cfg.Pipelines {
		if p == nil {
			return nil, fmt.Errorf("bundler: nil pipeline for camera %d", i)
		}
	}
	if cfg.TimestampToleranceNanos <= 0 {
		return nil, fmt.Errorf("bundler: non-positive timestamp tolerance %d", cfg.TimestampToleranceNanos)
	}

	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.EvictionMultiple == 0 {
		cfg.EvictionMultiple = 50
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 100 * time.Millisecond
	}
	if cfg.MaxQueuedBundles == 0 {
		cfg.MaxQueuedBundles = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	nb := &Bundler{
		pipelines:   cfg.Pipelines,
		inputRig:    cfg.InputRig,
		outputRig:   cfg.OutputRig,
		tolerance:   cfg.TimestampToleranceNanos,
		evictAge:    time.Duration(cfg.TimestampToleranceNanos * int64(cfg.EvictionMultiple)),
		maxQueued:   cfg.MaxQueuedBundles,
		clock:       cfg.Clock,
		pending:     make(map[int64]*frames.Bundle),
		pool:        newWorkerPool(cfg.Workers, cfg.Workers*64),
		notify:      make(chan struct{}, 1),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		onBundle:    cfg.OnBundle,
	}

	if nb.onBundle != nil {
		nb.bundleCh = make(chan *frames.Bundle, 8)
		nb.bundleDone = make(chan struct{})
		go nb.bundleWorker()
	}

	go nb.cleanupLoop(cfg.CleanupInterval)

	return nb, nil
}

// NewTest creates a bundler of n cameras with passthrough pipelines and a
// synthetic rig, for tests and tooling.
func NewTest(numCameras int, toleranceNanos int64) (*Bundler, error) {
	pipelines := make([]pipeline.VisualPipeline, numCameras)
	for i := range pipelines {
		pipelines[i] = &pipeline.NullPipeline{CameraIndex: i}
	}
	rig := camera.TestRig(numCameras)
	return New(Config{
		Pipelines:               pipelines,
		InputRig:                rig,
		OutputRig:               rig.Undistorted(),
		TimestampToleranceNanos: toleranceNanos,
	})
}

// InputRig returns the calibration of the raw images passed to ProcessImage.
func (nb *Bundler) InputRig() *camera.Rig { return nb.inputRig }

// OutputRig returns the calibration of the processed frames.
func (nb *Bundler) OutputRig() *camera.Rig { return nb.outputRig }

// NumCameras returns the camera count N.
func (nb *Bundler) NumCameras() int { return nb.inputRig.NumCameras() }

// ProcessImage submits one image for camera cameraIndex captured at
// timestampNanos. The call schedules exactly one worker-pool task and returns
// without waiting for it; results are retrieved via TakeOldest,
// TakeLatestAndClear, the OnBundle callback, or WaitForBundle. When the task
// queue is at capacity the frame is rejected with ErrQueueFull instead of
// blocking the caller.
func (nb *Bundler) ProcessImage(cameraIndex int, img *frames.Image, timestampNanos int64) error {
	if !nb.inputRig.IsValidIndex(cameraIndex) {
		return fmt.Errorf("%w: camera %d, system has %d", ErrInvalidCameraIndex, cameraIndex, nb.NumCameras())
	}

	nb.closeMu.RLock()
	defer nb.closeMu.RUnlock()
	if nb.closed {
		return ErrClosed
	}

	nb.mu.Lock()
	nb.tasksInFlight++
	nb.mu.Unlock()

	pl := nb.pipelines[cameraIndex]
	accepted := nb.pool.trySubmit(func() {
		pf, err := pl.Process(img, timestampNanos)
		nb.completeTask(cameraIndex, timestampNanos, pf, err)
	})
	if !accepted {
		nb.mu.Lock()
		nb.tasksInFlight--
		nb.mu.Unlock()
		return fmt.Errorf("%w: camera %d frame at %d dropped", ErrQueueFull, cameraIndex, timestampNanos)
	}

	return nil
}

// ProcessImageTakeOldest submits like ProcessImage and additionally hands
// back the oldest bundle that is already complete at call time, removing it
// from the queue. The bundle is nil when none is ready. Convenience for
// callers that interleave submission and retrieval on one thread.
func (nb *Bundler) ProcessImageTakeOldest(cameraIndex int, img *frames.Image, timestampNanos int64) (*frames.Bundle, error) {
	if err := nb.ProcessImage(cameraIndex, img, timestampNanos); err != nil {
		return nil, err
	}
	return nb.TakeOldest(), nil
}

// FramesInFlight returns the number of pending bundles plus worker tasks not
// yet reflected in the assembly table, as one snapshot under the lock.
// Callers use it for backpressure.
func (nb *Bundler) FramesInFlight() int {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return len(nb.pending) + nb.tasksInFlight
}

// Stats returns a snapshot of the engine counters.
func (nb *Bundler) Stats() Stats {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	s := nb.stats
	s.Pending = len(nb.pending)
	s.TasksInFlight = nb.tasksInFlight
	return s
}

// bundleWorker delivers completed bundles to the callback one at a time.
func (nb *Bundler) bundleWorker() {
	defer close(nb.bundleDone)
	for b := range nb.bundleCh {
		nb.onBundle(b)
	}
}

// cleanupLoop periodically force-completes pending bundles that have waited
// too long for missing cameras.
func (nb *Bundler) cleanupLoop(interval time.Duration) {
	defer close(nb.cleanupDone)
	ticker := nb.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			nb.evictStale()
		case <-nb.stopCleanup:
			return
		}
	}
}

// Close stops the eviction loop, drains the worker pool, and discards any
// still-pending bundles. In-flight pipeline work is allowed to finish; no new
// submissions are accepted.
func (nb *Bundler) Close() {
	nb.closeMu.Lock()
	if nb.closed {
		nb.closeMu.Unlock()
		return
	}
	nb.closed = true
	nb.closeMu.Unlock()

	close(nb.stopCleanup)
	<-nb.cleanupDone

	nb.pool.close()

	if nb.bundleCh != nil {
		close(nb.bundleCh)
		<-nb.bundleDone
	}

	nb.mu.Lock()
	discarded := len(nb.pending)
	nb.pending = make(map[int64]*frames.Bundle)
	nb.mu.Unlock()
	if discarded > 0 {
		monitoring.Logf("bundler: discarded %d pending bundles on close", discarded)
	}
}
