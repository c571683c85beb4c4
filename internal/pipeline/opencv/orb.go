//go:build cgo

// Package opencv provides an OpenCV-backed visual pipeline (undistortion via
// cv::undistort plus ORB keypoints and descriptors). It requires cgo and an
// OpenCV installation; deployments without OpenCV use the pure-Go pipelines
// in the parent package.
package opencv

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/pipeline"
)

// ORBConfig configures an ORBPipeline.
type ORBConfig struct {
	CameraIndex int

	// InputCamera and OutputCamera mirror pipeline.FeatureConfig: set both to
	// undistort before detection.
	InputCamera  *camera.Camera
	OutputCamera *camera.Camera

	// MaxKeypoints caps ORB detections (default 500).
	MaxKeypoints int

	// UncertaintyPx is the measurement uncertainty assigned to detections
	// (default 0.8).
	UncertaintyPx float64
}

// ORBPipeline implements pipeline.VisualPipeline on top of gocv. A pipeline
// instance owns its OpenCV handles and serializes its own invocations; the
// engine never calls Process concurrently on one instance.
type ORBPipeline struct {
	cfg ORBConfig

	mu        sync.Mutex
	orb       gocv.ORB
	cameraMat gocv.Mat
	distMat   gocv.Mat
	newCamMat gocv.Mat
	closed    bool
}

var _ pipeline.VisualPipeline = (*ORBPipeline)(nil)

// NewORBPipeline creates an ORB pipeline. Close must be called to release the
// OpenCV handles.
func NewORBPipeline(cfg ORBConfig) (*ORBPipeline, error) {
	if cfg.MaxKeypoints == 0 {
		cfg.MaxKeypoints = 500
	}
	if cfg.UncertaintyPx == 0 {
		cfg.UncertaintyPx = 0.8
	}
	p := &ORBPipeline{cfg: cfg, orb: gocv.NewORB()}

	if in, out := cfg.InputCamera, cfg.OutputCamera; in != nil && out != nil {
		p.cameraMat = matFromIntrinsics(in)
		p.newCamMat = matFromIntrinsics(out)
		p.distMat = gocv.NewMatWithSize(1, 4, gocv.MatTypeCV64F)
		p.distMat.SetDoubleAt(0, 0, in.Dist.K1)
		p.distMat.SetDoubleAt(0, 1, in.Dist.K2)
		p.distMat.SetDoubleAt(0, 2, in.Dist.P1)
		p.distMat.SetDoubleAt(0, 3, in.Dist.P2)
	}
	return p, nil
}

func matFromIntrinsics(c *camera.Camera) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, c.Intr.Fu)
	m.SetDoubleAt(0, 2, c.Intr.Cu)
	m.SetDoubleAt(1, 1, c.Intr.Fv)
	m.SetDoubleAt(1, 2, c.Intr.Cv)
	m.SetDoubleAt(2, 2, 1)
	return m
}

// Process implements pipeline.VisualPipeline.
func (p *ORBPipeline) Process(img *frames.Image, timestampNanos int64) (*frames.ProcessedFrame, error) {
	if img == nil {
		return nil, pipeline.ErrNilImage
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("camera %d: %w", p.cfg.CameraIndex, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("camera %d: pipeline closed", p.cfg.CameraIndex)
	}

	src, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8U, packPixels(img))
	if err != nil {
		return nil, fmt.Errorf("camera %d: mat from image: %w", p.cfg.CameraIndex, err)
	}
	defer src.Close()

	work := src
	if p.cfg.InputCamera != nil && p.cfg.OutputCamera != nil {
		und := gocv.NewMat()
		defer und.Close()
		gocv.Undistort(src, &und, p.cameraMat, p.distMat, p.newCamMat)
		work = und
	}

	mask := gocv.NewMat()
	defer mask.Close()
	cvKps, descMat := p.orb.DetectAndCompute(work, mask)
	defer descMat.Close()

	if len(cvKps) > p.cfg.MaxKeypoints {
		cvKps = cvKps[:p.cfg.MaxKeypoints]
	}

	kps := make([]frames.Keypoint, len(cvKps))
	descs := make([][]byte, len(cvKps))
	descBytes := descMat.ToBytes()
	descCols := descMat.Cols()
	for i, kp := range cvKps {
		kps[i] = frames.Keypoint{
			U:     kp.X,
			V:     kp.Y,
			Score: kp.Response,
			Scale: kp.Size,
		}
		if descCols > 0 && (i+1)*descCols <= len(descBytes) {
			descs[i] = descBytes[i*descCols : (i+1)*descCols]
		}
	}

	out := frames.NewImage(work.Cols(), work.Rows())
	copy(out.Pix, work.ToBytes())

	pf := &frames.ProcessedFrame{
		CameraIndex:    p.cfg.CameraIndex,
		TimestampNanos: timestampNanos,
		Image:          out,
	}
	pf.AppendKeypoints(kps, descs, p.cfg.UncertaintyPx)
	return pf, nil
}

// packPixels returns the image as a contiguous buffer, copying only when the
// stride carries padding.
func packPixels(img *frames.Image) []byte {
	if img.Stride == img.Width {
		return img.Pix
	}
	out := make([]byte, img.Width*img.Height)
	for y := 0; y < img.Height; y++ {
		copy(out[y*img.Width:(y+1)*img.Width], img.Pix[y*img.Stride:y*img.Stride+img.Width])
	}
	return out
}

// Close releases the OpenCV handles. Process calls after Close fail.
func (p *ORBPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.orb.Close(); err != nil {
		return err
	}
	if p.cfg.InputCamera != nil && p.cfg.OutputCamera != nil {
		p.cameraMat.Close()
		p.distMat.Close()
		p.newCamMat.Close()
	}
	return nil
}
