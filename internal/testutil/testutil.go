// Package testutil provides shared test helpers and synthetic fixtures.
//
// It centralises common assertions and the polling helper used to observe
// asynchronous worker-pool completions without sleeping for fixed intervals.
package testutil

import (
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/frames"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WaitUntil polls cond every millisecond until it returns true or the
// deadline passes, failing the test on timeout. Used to observe asynchronous
// completions deterministically.
func WaitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// GradientImage returns a synthetic image with a horizontal gradient, useful
// as a non-trivial pipeline input.
func GradientImage(w, h int) *frames.Image {
	img := frames.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, byte((x*255)/w))
		}
	}
	return img
}
