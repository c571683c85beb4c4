package camera

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// maxRigFileSize bounds calibration file reads.
const maxRigFileSize = 1 << 20

// Rig is an immutable calibrated camera system. The synchronization engine
// holds two rigs: the input calibration (raw images) and the output
// calibration (processed images); they may differ when pipelines undistort or
// resize.
type Rig struct {
	ID      string   `json:"id,omitempty"`
	Label   string   `json:"label"`
	Cameras []Camera `json:"cameras"`
}

// NewRig constructs a rig and assigns an ID when none is provided.
func NewRig(label string, cameras []Camera) (*Rig, error) {
	if len(cameras) == 0 {
		return nil, fmt.Errorf("rig %q: no cameras", label)
	}
	for i := range cameras {
		if err := cameras[i].Validate(); err != nil {
			return nil, fmt.Errorf("rig %q camera %d: %w", label, i, err)
		}
	}
	return &Rig{ID: uuid.New().String(), Label: label, Cameras: cameras}, nil
}

// NumCameras returns the number of cameras in the rig.
func (r *Rig) NumCameras() int { return len(r.Cameras) }

// IsValidIndex reports whether i addresses a camera in this rig.
func (r *Rig) IsValidIndex(i int) bool { return i >= 0 && i < len(r.Cameras) }

// Camera returns the calibration for camera i. Panics on invalid index; use
// IsValidIndex first for untrusted input.
func (r *Rig) Camera(i int) *Camera { return &r.Cameras[i] }

// LoadRig reads a rig calibration from a JSON file. The path must have a
// .json extension and the file is size-limited.
func LoadRig(path string) (*Rig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("rig file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("stat rig file: %w", err)
	}
	if info.Size() > maxRigFileSize {
		return nil, fmt.Errorf("rig file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read rig file: %w", err)
	}
	var rig Rig
	if err := json.Unmarshal(data, &rig); err != nil {
		return nil, fmt.Errorf("parse rig file: %w", err)
	}
	if len(rig.Cameras) == 0 {
		return nil, fmt.Errorf("rig file %s: no cameras", cleanPath)
	}
	for i := range rig.Cameras {
		if err := rig.Cameras[i].Validate(); err != nil {
			return nil, fmt.Errorf("rig file %s camera %d: %w", cleanPath, i, err)
		}
	}
	if rig.ID == "" {
		rig.ID = uuid.New().String()
	}
	return &rig, nil
}

// TestRig returns a synthetic rig of n identical VGA cameras with mild radial
// distortion, for tests and the synthetic feed tool.
func TestRig(n int) *Rig {
	cams := make([]Camera, n)
	for i := range cams {
		cams[i] = Camera{
			Label: fmt.Sprintf("cam%d", i),
			Intr:  Intrinsics{Fu: 420, Fv: 420, Cu: 320, Cv: 240, Width: 640, Height: 480},
			Dist:  Distortion{K1: -0.03, K2: 0.001},
		}
	}
	rig, err := NewRig(fmt.Sprintf("test-rig-%d", n), cams)
	if err != nil {
		panic(err) // n>0 rigs of valid cameras cannot fail
	}
	return rig
}

// Undistorted returns a copy of the rig with all distortion coefficients
// zeroed, the natural output calibration for undistorting pipelines.
func (r *Rig) Undistorted() *Rig {
	cams := make([]Camera, len(r.Cameras))
	copy(cams, r.Cameras)
	for i := range cams {
		cams[i].Dist = Distortion{}
	}
	return &Rig{ID: uuid.New().String(), Label: r.Label + "-undistorted", Cameras: cams}
}
