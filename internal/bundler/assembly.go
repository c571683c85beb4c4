package bundler

import (
	"sort"

	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/monitoring"
)

// completeTask is the continuation of a worker-pool task: it maps the
// pipeline result onto a pending bundle, applies the duplicate-slot policy,
// detects completion, and pushes completed bundles onto the queue. The whole
// sequence holds the bundler mutex.
func (nb *Bundler) completeTask(cameraIndex int, timestampNanos int64, pf *frames.ProcessedFrame, perr error) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	nb.tasksInFlight--

	b := nb.matchPendingLocked(cameraIndex, timestampNanos)
	if b == nil {
		b = frames.NewBundle(nb.NumCameras(), timestampNanos, nb.clock.Now())
		nb.pending[b.TimestampNanos] = b
		debugf("[bundler] opened bundle %s at ts=%d (camera %d)", b.ID, timestampNanos, cameraIndex)
	}

	switch {
	case perr != nil:
		nb.stats.PipelineFailures++
		monitoring.Logf("bundler: pipeline failure camera=%d ts=%d: %v", cameraIndex, timestampNanos, perr)
		// A failed invocation records an absent slot so the bundle can still
		// complete, but never clobbers a frame that already arrived.
		if !b.SlotSet(cameraIndex) {
			b.Absent[cameraIndex] = true
		}
	case b.SlotSet(cameraIndex):
		nb.resolveDuplicateLocked(b, cameraIndex, pf)
	default:
		b.Frames[cameraIndex] = pf
	}

	if b.Complete() {
		delete(nb.pending, b.TimestampNanos)
		nb.pushCompletedLocked(b)
	}
}

// matchPendingLocked finds the pending bundle whose representative timestamp
// is within tolerance of ts, preferring the closest one with an open slot for
// this camera. A closest match with the slot already taken is still returned
// so the duplicate policy applies instead of opening an overlapping window.
func (nb *Bundler) matchPendingLocked(cameraIndex int, ts int64) *frames.Bundle {
	var open, any *frames.Bundle
	openDiff, anyDiff := nb.tolerance+1, nb.tolerance+1
	for key, b := range nb.pending {
		diff := absDiff(ts, key)
		if diff > nb.tolerance {
			continue
		}
		if diff < anyDiff {
			any, anyDiff = b, diff
		}
		if !b.SlotSet(cameraIndex) && diff < openDiff {
			open, openDiff = b, diff
		}
	}
	if open != nil {
		return open
	}
	return any
}

// resolveDuplicateLocked applies the replace-or-reject policy for a camera
// slot that is already occupied: the new frame wins only when its timestamp
// is strictly closer to the representative timestamp. Absent markers always
// lose to a real frame.
func (nb *Bundler) resolveDuplicateLocked(b *frames.Bundle, cameraIndex int, pf *frames.ProcessedFrame) {
	if b.Absent[cameraIndex] {
		b.Absent[cameraIndex] = false
		b.Frames[cameraIndex] = pf
		debugf("[bundler] bundle %s: camera %d absent slot replaced by frame ts=%d", b.ID, cameraIndex, pf.TimestampNanos)
		return
	}

	old := b.Frames[cameraIndex]
	if absDiff(pf.TimestampNanos, b.TimestampNanos) < absDiff(old.TimestampNanos, b.TimestampNanos) {
		b.Frames[cameraIndex] = pf
		debugf("[bundler] bundle %s: camera %d slot replaced, ts=%d closer than ts=%d",
			b.ID, cameraIndex, pf.TimestampNanos, old.TimestampNanos)
		return
	}

	nb.stats.DuplicatesDropped++
	monitoring.Logf("bundler: duplicate slot: dropped frame camera=%d ts=%d for bundle at ts=%d",
		cameraIndex, pf.TimestampNanos, b.TimestampNanos)
}

// pushCompletedLocked inserts the bundle into the completed queue at its
// sorted position, enforces the queue bound, signals waiters, and hands the
// bundle to the callback channel.
func (nb *Bundler) pushCompletedLocked(b *frames.Bundle) {
	idx := sort.Search(len(nb.completed), func(i int) bool {
		return nb.completed[i].TimestampNanos > b.TimestampNanos
	})
	nb.completed = append(nb.completed, nil)
	copy(nb.completed[idx+1:], nb.completed[idx:])
	nb.completed[idx] = b
	nb.stats.Completed++

	if len(nb.completed) > nb.maxQueued {
		dropped := nb.completed[0]
		nb.completed = nb.completed[1:]
		nb.stats.QueueDrops++
		monitoring.Logf("bundler: completed queue full, dropped oldest bundle %s ts=%d", dropped.ID, dropped.TimestampNanos)
	}

	select {
	case nb.notify <- struct{}{}:
	default:
	}

	if nb.bundleCh != nil {
		select {
		case nb.bundleCh <- b:
		default:
			// Callback cannot keep up; drop rather than stall assembly.
			debugf("[bundler] dropped bundle %s: callback queue full", b.ID)
		}
	}
}

// evictStale force-completes pending bundles older than the eviction
// threshold, marking missing cameras absent. This bounds the assembly table
// under continuous single-camera input.
func (nb *Bundler) evictStale() {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	for key, b := range nb.pending {
		if nb.clock.Since(b.CreatedAt) < nb.evictAge {
			continue
		}
		for i := range b.Frames {
			if !b.SlotSet(i) {
				b.Absent[i] = true
			}
		}
		b.Evicted = true
		delete(nb.pending, key)
		nb.stats.Evicted++
		monitoring.Logf("bundler: evicted bundle %s ts=%d with %d/%d frames",
			b.ID, b.TimestampNanos, b.NumFilled(), b.NumCameras())
		nb.pushCompletedLocked(b)
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
