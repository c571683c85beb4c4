// Package pipeline defines the per-camera image processing contract consumed
// by the synchronization engine, plus two pure-Go implementations. Pipelines
// for different cameras run concurrently; a single pipeline instance is only
// ever invoked for one camera.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/camsync/internal/frames"
)

// ErrNilImage is returned when a pipeline is invoked without an image.
var ErrNilImage = errors.New("pipeline: nil image")

// VisualPipeline turns a raw camera image into a processed frame. Process
// must be safe to invoke concurrently with invocations of other pipeline
// instances; it is never invoked concurrently for the same instance.
type VisualPipeline interface {
	Process(img *frames.Image, timestampNanos int64) (*frames.ProcessedFrame, error)
}

// NullPipeline passes images through untouched. Used in tests and for
// deployments where frames are consumed raw.
type NullPipeline struct {
	CameraIndex int

	// CopyImage clones the input so the caller may reuse its buffer.
	CopyImage bool
}

// Process returns a frame wrapping the input image with no detections.
func (p *NullPipeline) Process(img *frames.Image, timestampNanos int64) (*frames.ProcessedFrame, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("camera %d: %w", p.CameraIndex, err)
	}
	out := img
	if p.CopyImage {
		out = img.Clone()
	}
	return &frames.ProcessedFrame{
		CameraIndex:    p.CameraIndex,
		TimestampNanos: timestampNanos,
		Image:          out,
	}, nil
}
