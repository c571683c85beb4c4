package frames

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedFrame is the output of one per-camera pipeline invocation. It is
// immutable once produced; ownership transfers to the bundle slot it fills.
type ProcessedFrame struct {
	CameraIndex    int
	TimestampNanos int64
	Image          *Image
	Keypoints      []Keypoint
	Descriptors    [][]byte // one descriptor per keypoint, may be nil
}

// AppendKeypoints adds detections to the frame with a fixed measurement
// uncertainty. Descriptors may be nil when the detector produces none; when
// present the list must be index-aligned with kps.
func (pf *ProcessedFrame) AppendKeypoints(kps []Keypoint, descriptors [][]byte, uncertaintyPx float64) {
	for i := range kps {
		kps[i].UncertaintyPx = uncertaintyPx
	}
	pf.Keypoints = append(pf.Keypoints, kps...)
	if descriptors != nil {
		pf.Descriptors = append(pf.Descriptors, descriptors...)
	}
}

// Bundle is a set of per-camera frames considered captured at the same
// instant. While pending it is owned exclusively by the assembly table; once
// completed it is immutable.
type Bundle struct {
	ID string

	// TimestampNanos is the representative timestamp: the capture time of the
	// frame that created the bundle.
	TimestampNanos int64

	// Frames has one slot per camera. A nil entry is either not yet filled
	// (pending) or explicitly absent (completed with Absent[i] true).
	Frames []*ProcessedFrame

	// Absent marks slots whose camera failed or never reported before
	// eviction.
	Absent []bool

	// CreatedAt is the wall-clock time the bundle was opened, used by the
	// eviction policy.
	CreatedAt time.Time

	// Evicted is true when the bundle was force-completed with missing slots.
	Evicted bool
}

// NewBundle opens a bundle for a camera system of n cameras, keyed at the
// given representative timestamp.
func NewBundle(n int, timestampNanos int64, createdAt time.Time) *Bundle {
	return &Bundle{
		ID:             uuid.New().String(),
		TimestampNanos: timestampNanos,
		Frames:         make([]*ProcessedFrame, n),
		Absent:         make([]bool, n),
		CreatedAt:      createdAt,
	}
}

// NumCameras returns the slot count.
func (b *Bundle) NumCameras() int { return len(b.Frames) }

// NumFilled returns the number of slots holding a processed frame.
func (b *Bundle) NumFilled() int {
	n := 0
	for _, f := range b.Frames {
		if f != nil {
			n++
		}
	}
	return n
}

// NumAbsent returns the number of slots marked permanently absent.
func (b *Bundle) NumAbsent() int {
	n := 0
	for _, a := range b.Absent {
		if a {
			n++
		}
	}
	return n
}

// SlotSet reports whether camera i has either a frame or an absent marker.
func (b *Bundle) SlotSet(i int) bool {
	return b.Frames[i] != nil || b.Absent[i]
}

// Complete reports whether every slot is filled or explicitly absent.
func (b *Bundle) Complete() bool {
	for i := range b.Frames {
		if !b.SlotSet(i) {
			return false
		}
	}
	return true
}

// MaxTimestampNanos returns the newest frame timestamp in the bundle, or the
// representative timestamp when no slots are filled.
func (b *Bundle) MaxTimestampNanos() int64 {
	maxTS := b.TimestampNanos
	for _, f := range b.Frames {
		if f != nil && f.TimestampNanos > maxTS {
			maxTS = f.TimestampNanos
		}
	}
	return maxTS
}
