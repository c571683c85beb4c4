package bundler

import (
	"time"

	"github.com/banshee-data/camsync/internal/frames"
)

// Completed returns the number of fully or force-completed bundles awaiting
// retrieval.
func (nb *Bundler) Completed() int {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return len(nb.completed)
}

// TakeOldest removes and returns the completed bundle with the smallest
// representative timestamp, or nil when none is ready. Never blocks.
func (nb *Bundler) TakeOldest() *frames.Bundle {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(nb.completed) == 0 {
		return nil
	}
	b := nb.completed[0]
	nb.completed = nb.completed[1:]
	return b
}

// TakeLatestAndClear removes and returns the completed bundle with the
// largest representative timestamp, discarding everything older. Returns nil
// when the queue is empty. Never blocks.
func (nb *Bundler) TakeLatestAndClear() *frames.Bundle {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(nb.completed) == 0 {
		return nil
	}
	b := nb.completed[len(nb.completed)-1]
	if n := len(nb.completed) - 1; n > 0 {
		debugf("[bundler] TakeLatestAndClear discarded %d older bundles", n)
	}
	nb.completed = nil
	return b
}

// WaitForBundle blocks until a completed bundle is available or the timeout
// elapses, whichever comes first. Returns nil on timeout. This is the only
// blocking retrieval and its wait is always bounded.
func (nb *Bundler) WaitForBundle(timeout time.Duration) *frames.Bundle {
	deadline := nb.clock.After(timeout)
	for {
		if b := nb.TakeOldest(); b != nil {
			return b
		}
		select {
		case <-nb.notify:
		case <-deadline:
			return nb.TakeOldest()
		}
	}
}
