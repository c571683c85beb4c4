package pipeline

import (
	"fmt"
	"sort"

	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/frames"
)

// fastOffsets is the Bresenham circle of radius 3 used by the FAST detector,
// in clockwise order starting from (0, -3).
var fastOffsets = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// FeatureConfig configures a FeaturePipeline.
type FeatureConfig struct {
	CameraIndex int

	// InputCamera and OutputCamera describe the calibration before and after
	// processing. When both are set and the input camera carries distortion,
	// the image is remapped to the output calibration before detection. Nil
	// cameras skip undistortion.
	InputCamera  *camera.Camera
	OutputCamera *camera.Camera

	// Threshold is the FAST intensity threshold (default 20).
	Threshold int

	// MaxKeypoints caps detections per frame, strongest first (default 500).
	MaxKeypoints int

	// MinDistance is the non-max suppression radius in pixels (default 4).
	MinDistance int

	// UncertaintyPx is the measurement uncertainty assigned to detections
	// (default 0.8).
	UncertaintyPx float64
}

// FeaturePipeline undistorts to the output calibration and runs FAST corner
// detection with patch descriptors. Pure Go; see the opencv subpackage for an
// OpenCV-backed alternative.
type FeaturePipeline struct {
	cfg FeatureConfig
}

// NewFeaturePipeline creates a FeaturePipeline, applying defaults for unset
// tuning fields.
func NewFeaturePipeline(cfg FeatureConfig) *FeaturePipeline {
	if cfg.Threshold == 0 {
		cfg.Threshold = 20
	}
	if cfg.MaxKeypoints == 0 {
		cfg.MaxKeypoints = 500
	}
	if cfg.MinDistance == 0 {
		cfg.MinDistance = 4
	}
	if cfg.UncertaintyPx == 0 {
		cfg.UncertaintyPx = 0.8
	}
	return &FeaturePipeline{cfg: cfg}
}

// Process implements VisualPipeline.
func (p *FeaturePipeline) Process(img *frames.Image, timestampNanos int64) (*frames.ProcessedFrame, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("camera %d: %w", p.cfg.CameraIndex, err)
	}
	if in := p.cfg.InputCamera; in != nil {
		if img.Width != in.Intr.Width || img.Height != in.Intr.Height {
			return nil, fmt.Errorf("camera %d: image %dx%d does not match calibration %dx%d",
				p.cfg.CameraIndex, img.Width, img.Height, in.Intr.Width, in.Intr.Height)
		}
	}

	work := img
	if p.cfg.InputCamera != nil && p.cfg.OutputCamera != nil && p.cfg.InputCamera.Dist != (camera.Distortion{}) {
		work = remap(img, p.cfg.InputCamera, p.cfg.OutputCamera)
	}

	pf := &frames.ProcessedFrame{
		CameraIndex:    p.cfg.CameraIndex,
		TimestampNanos: timestampNanos,
		Image:          work,
	}

	kps := detectFAST(work, p.cfg.Threshold)
	kps = suppress(kps, p.cfg.MinDistance, p.cfg.MaxKeypoints)
	descs := make([][]byte, len(kps))
	for i, kp := range kps {
		descs[i] = patchDescriptor(work, int(kp.U), int(kp.V))
	}
	pf.AppendKeypoints(kps, descs, p.cfg.UncertaintyPx)
	return pf, nil
}

// remap resamples the image from the input calibration to the output
// calibration by nearest neighbour lookup through the distortion model.
func remap(img *frames.Image, in, out *camera.Camera) *frames.Image {
	dst := frames.NewImage(out.Intr.Width, out.Intr.Height)
	for v := 0; v < dst.Height; v++ {
		yn := (float64(v) - out.Intr.Cv) / out.Intr.Fv
		for u := 0; u < dst.Width; u++ {
			xn := (float64(u) - out.Intr.Cu) / out.Intr.Fu
			su, sv, ok := in.Project([3]float64{xn, yn, 1})
			if !ok {
				continue
			}
			dst.Set(u, v, img.At(int(su+0.5), int(sv+0.5)))
		}
	}
	return dst
}

// detectFAST runs segment-test corner detection (9 contiguous circle pixels
// all brighter or all darker than the centre by threshold).
func detectFAST(img *frames.Image, threshold int) []frames.Keypoint {
	var kps []frames.Keypoint
	t := byte(threshold)
	for y := 3; y < img.Height-3; y++ {
		for x := 3; x < img.Width-3; x++ {
			center := img.At(x, y)
			var brighter, darker [16]bool
			for i, off := range fastOffsets {
				p := img.At(x+off[0], y+off[1])
				brighter[i] = p > center && p-center > t
				darker[i] = p < center && center-p > t
			}
			if runLength(brighter) >= 9 || runLength(darker) >= 9 {
				kps = append(kps, frames.Keypoint{
					U:     float64(x),
					V:     float64(y),
					Score: cornerScore(img, x, y, center),
					Scale: 3,
				})
			}
		}
	}
	return kps
}

// runLength returns the longest circular run of set flags.
func runLength(flags [16]bool) int {
	best, run := 0, 0
	// Walk the circle twice to catch wrap-around runs.
	for i := 0; i < 32; i++ {
		if flags[i%16] {
			run++
			if run > best {
				best = run
			}
			if best >= 16 {
				return 16
			}
		} else {
			run = 0
		}
	}
	return best
}

func cornerScore(img *frames.Image, x, y int, center byte) float64 {
	score := 0.0
	for _, off := range fastOffsets {
		d := int(img.At(x+off[0], y+off[1])) - int(center)
		if d < 0 {
			d = -d
		}
		score += float64(d)
	}
	return score
}

// suppress applies greedy non-max suppression, keeping at most maxKeypoints
// strongest corners separated by at least minDist pixels.
func suppress(kps []frames.Keypoint, minDist, maxKeypoints int) []frames.Keypoint {
	sort.Slice(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
	d2 := float64(minDist * minDist)
	var kept []frames.Keypoint
	for _, kp := range kps {
		ok := true
		for _, k := range kept {
			du, dv := kp.U-k.U, kp.V-k.V
			if du*du+dv*dv < d2 {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, kp)
			if len(kept) >= maxKeypoints {
				break
			}
		}
	}
	return kept
}

// patchDescriptor extracts a raw 8x8 intensity patch around the corner.
func patchDescriptor(img *frames.Image, x, y int) []byte {
	desc := make([]byte, 64)
	i := 0
	for dy := -4; dy < 4; dy++ {
		for dx := -4; dx < 4; dx++ {
			desc[i] = img.At(x+dx, y+dy)
			i++
		}
	}
	return desc
}
