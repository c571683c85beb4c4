// Package monitor records per-camera timestamp skew across completed bundles
// and renders diagnostic plots after a capture run.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/camsync/internal/frames"
)

// SkewRecorder accumulates per-camera timestamp offsets from completed
// bundles. Offsets are measured against each bundle's representative
// timestamp, so a camera whose clock drifts shows up as a trending line.
type SkewRecorder struct {
	mu         sync.Mutex
	enabled    bool
	outputDir  string
	numCameras int

	// samples[cam] holds one entry per recorded bundle for that camera.
	samples   [][]SkewSample
	bundleIdx int
}

// SkewSample is one camera's offset within one bundle.
type SkewSample struct {
	BundleIdx   int
	OffsetNanos int64
	Evicted     bool
}

// NewSkewRecorder creates a recorder for a rig with the given camera count.
func NewSkewRecorder(numCameras int) *SkewRecorder {
	return &SkewRecorder{
		numCameras: numCameras,
		samples:    make([][]SkewSample, numCameras),
	}
}

// Start enables recording and sets the plot output directory.
func (sr *SkewRecorder) Start(outputDir string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	sr.outputDir = outputDir
	sr.enabled = true
	sr.bundleIdx = 0
	sr.samples = make([][]SkewSample, sr.numCameras)
	return nil
}

// Stop disables recording. Call WritePlots to produce output files.
func (sr *SkewRecorder) Stop() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.enabled = false
}

// IsEnabled returns true if the recorder is currently recording.
func (sr *SkewRecorder) IsEnabled() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.enabled
}

// Record captures the per-camera offsets of one completed bundle. Absent
// slots are skipped.
func (sr *SkewRecorder) Record(b *frames.Bundle) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if !sr.enabled || b == nil || b.NumCameras() != sr.numCameras {
		return
	}

	sr.bundleIdx++
	for cam, f := range b.Frames {
		if f == nil {
			continue
		}
		sr.samples[cam] = append(sr.samples[cam], SkewSample{
			BundleIdx:   sr.bundleIdx,
			OffsetNanos: f.TimestampNanos - b.TimestampNanos,
			Evicted:     b.Evicted,
		})
	}
}

// SampleCount returns the total number of recorded samples.
func (sr *SkewRecorder) SampleCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	count := 0
	for _, s := range sr.samples {
		count += len(s)
	}
	return count
}

// CameraStats summarizes one camera's offsets over a run.
type CameraStats struct {
	CameraIndex int
	Samples     int
	MeanNanos   float64
	MaxAbsNanos int64
}

// Stats returns per-camera offset summaries.
func (sr *SkewRecorder) Stats() []CameraStats {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	stats := make([]CameraStats, sr.numCameras)
	for cam, samples := range sr.samples {
		st := CameraStats{CameraIndex: cam, Samples: len(samples)}
		var sum float64
		for _, s := range samples {
			sum += float64(s.OffsetNanos)
			if abs := absInt64(s.OffsetNanos); abs > st.MaxAbsNanos {
				st.MaxAbsNanos = abs
			}
		}
		if len(samples) > 0 {
			st.MeanNanos = sum / float64(len(samples))
		}
		stats[cam] = st
	}
	return stats
}

// WritePlots renders an offset-over-time plot with one line per camera and a
// histogram-style per-camera mean plot. Returns the number of files written.
func (sr *SkewRecorder) WritePlots() (int, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if sr.bundleIdx == 0 {
		return 0, nil
	}

	pOff := plot.New()
	pOff.Title.Text = "Per-Camera Timestamp Offset"
	pOff.X.Label.Text = "Bundle"
	pOff.Y.Label.Text = "Offset (ms)"

	colors := generateColors(sr.numCameras)
	for cam, samples := range sr.samples {
		if len(samples) == 0 {
			continue
		}
		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			pts = append(pts, plotter.XY{
				X: float64(s.BundleIdx),
				Y: float64(s.OffsetNanos) / float64(time.Millisecond),
			})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return 0, err
		}
		line.Color = colors[cam]
		line.Width = vg.Points(1)
		pOff.Add(line)
		pOff.Legend.Add(fmt.Sprintf("camera %d", cam), line)
	}

	pOff.Legend.Top = true
	pOff.Legend.Left = false
	pOff.Legend.XOffs = -10
	pOff.Legend.YOffs = -10

	offFile := filepath.Join(sr.outputDir, "camera_offsets.png")
	if err := pOff.Save(14*vg.Inch, 6*vg.Inch, offFile); err != nil {
		return 0, fmt.Errorf("save offset plot: %w", err)
	}

	pFill := plot.New()
	pFill.Title.Text = "Per-Camera Fill Count"
	pFill.X.Label.Text = "Camera"
	pFill.Y.Label.Text = "Bundles with frame"

	fillCounts := make(plotter.Values, sr.numCameras)
	labels := make([]string, sr.numCameras)
	for cam, samples := range sr.samples {
		fillCounts[cam] = float64(len(samples))
		labels[cam] = fmt.Sprintf("camera %d", cam)
	}
	bars, err := plotter.NewBarChart(fillCounts, vg.Points(20))
	if err != nil {
		return 1, err
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = colors[0]
	pFill.Add(bars)
	pFill.NominalX(labels...)

	fillFile := filepath.Join(sr.outputDir, "camera_fill.png")
	if err := pFill.Save(8*vg.Inch, 4*vg.Inch, fillFile); err != nil {
		return 1, fmt.Errorf("save fill plot: %w", err)
	}

	return 2, nil
}

// OutputDir returns the current output directory for plots.
func (sr *SkewRecorder) OutputDir() string {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.outputDir
}

// MakePlotOutputDir creates a timestamped output directory path for plots.
func MakePlotOutputDir(baseDir, label string) string {
	ts := time.Now().Format("20060102_150405")
	if label != "" {
		return filepath.Join(baseDir, label, ts)
	}
	return filepath.Join(baseDir, "run_"+ts)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// generateColors creates a palette of distinct colors for camera lines.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
