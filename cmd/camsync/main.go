// Command camsync runs the multi-camera synchronization engine against a
// synthetic jittered feed and reports per-camera skew. It exists for soak
// testing the bundler and for producing diagnostic plots and a bundle log
// without attached hardware.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/camsync/internal/bundler"
	"github.com/banshee-data/camsync/internal/camera"
	"github.com/banshee-data/camsync/internal/config"
	"github.com/banshee-data/camsync/internal/frames"
	"github.com/banshee-data/camsync/internal/monitor"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/banshee-data/camsync/internal/testutil"
	"github.com/banshee-data/camsync/internal/version"
)

type runOptions struct {
	numCameras int
	rigPath    string
	configPath string
	dbPath     string
	plotDir    string
	duration   time.Duration
	frameRate  float64
	jitter     time.Duration
	dropRate   float64
	features   bool
	debug      bool
	seed       int64
}

func main() {
	opts := runOptions{}
	flag.IntVar(&opts.numCameras, "cameras", 3, "Number of synthetic cameras (ignored when -rig is set)")
	flag.StringVar(&opts.rigPath, "rig", "", "Path to rig calibration JSON file")
	flag.StringVar(&opts.configPath, "config", "", "Path to tuning config JSON file")
	flag.StringVar(&opts.dbPath, "db", "", "Path to bundle log database (empty disables recording)")
	flag.StringVar(&opts.plotDir, "plot-dir", "", "Directory for skew plots (empty disables plotting)")
	flag.DurationVar(&opts.duration, "duration", 10*time.Second, "How long to run the synthetic feed")
	flag.Float64Var(&opts.frameRate, "fps", 30, "Per-camera frame rate")
	flag.DurationVar(&opts.jitter, "jitter", 2*time.Millisecond, "Max per-frame timestamp jitter")
	flag.Float64Var(&opts.dropRate, "drop-rate", 0.02, "Fraction of frames each camera drops")
	flag.BoolVar(&opts.features, "features", false, "Run corner detection on each frame")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Int64Var(&opts.seed, "seed", 0, "Random seed (0 uses current time)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camsync %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "camsync: %v\n", err)
		os.Exit(1)
	}
}

func run(opts runOptions) error {
	tuning := config.EmptyTuningConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadTuningConfig(opts.configPath)
		if err != nil {
			return err
		}
		tuning = loaded
	}

	if opts.debug || tuning.GetDebug() {
		bundler.SetDebugLogger(os.Stderr)
	}

	rig, err := loadOrBuildRig(opts)
	if err != nil {
		return err
	}
	outputRig := rig.Undistorted()

	pipelines := make([]pipeline.VisualPipeline, rig.NumCameras())
	for i := range pipelines {
		if opts.features {
			pipelines[i] = pipeline.NewFeaturePipeline(pipeline.FeatureConfig{
				CameraIndex:   i,
				InputCamera:   rig.Camera(i),
				OutputCamera:  outputRig.Camera(i),
				Threshold:     tuning.GetFASTThreshold(),
				MaxKeypoints:  tuning.GetMaxKeypoints(),
				MinDistance:   tuning.GetMinDistance(),
				UncertaintyPx: tuning.GetUncertaintyPx(),
			})
		} else {
			pipelines[i] = &pipeline.NullPipeline{CameraIndex: i}
		}
	}

	var bundleStore *store.BundleStore
	if opts.dbPath != "" {
		bundleStore, err = store.Open(opts.dbPath)
		if err != nil {
			return err
		}
		defer bundleStore.Close()
	}

	recorder := monitor.NewSkewRecorder(rig.NumCameras())
	if opts.plotDir != "" {
		dir := monitor.MakePlotOutputDir(opts.plotDir, rig.Label)
		if err := recorder.Start(dir); err != nil {
			return err
		}
		fmt.Printf("writing skew plots to %s\n", dir)
	}

	nb, err := bundler.New(bundler.Config{
		Pipelines:               pipelines,
		InputRig:                rig,
		OutputRig:               outputRig,
		TimestampToleranceNanos: tuning.GetTimestampToleranceNanos(),
		Workers:                 tuning.GetWorkers(),
		EvictionMultiple:        tuning.GetEvictionMultiple(),
		CleanupInterval:         tuning.GetCleanupInterval(),
		MaxQueuedBundles:        tuning.GetMaxQueuedBundles(),
		OnBundle: func(b *frames.Bundle) {
			recorder.Record(b)
			if bundleStore != nil {
				if err := bundleStore.RecordBundle(rig.ID, b); err != nil {
					fmt.Fprintf(os.Stderr, "record bundle: %v\n", err)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Println("interrupted, shutting down")
			close(stop)
		case <-time.After(opts.duration):
			close(stop)
		}
	}()

	feedCameras(nb, rig.NumCameras(), opts, stop)

	// Let in-flight frames finish assembling before closing.
	time.Sleep(200 * time.Millisecond)
	nb.Close()

	stats := nb.Stats()
	fmt.Printf("completed=%d evicted=%d duplicates_dropped=%d pipeline_failures=%d queue_drops=%d\n",
		stats.Completed, stats.Evicted, stats.DuplicatesDropped, stats.PipelineFailures, stats.QueueDrops)
	for _, cs := range recorder.Stats() {
		fmt.Printf("camera %d: samples=%d mean_offset=%.2fms max_offset=%.2fms\n",
			cs.CameraIndex, cs.Samples,
			cs.MeanNanos/float64(time.Millisecond),
			float64(cs.MaxAbsNanos)/float64(time.Millisecond))
	}

	if recorder.IsEnabled() {
		recorder.Stop()
		n, err := recorder.WritePlots()
		if err != nil {
			return fmt.Errorf("write plots: %w", err)
		}
		fmt.Printf("wrote %d plot files\n", n)
	}

	if bundleStore != nil {
		n, err := bundleStore.Count()
		if err != nil {
			return err
		}
		fmt.Printf("recorded %d bundles to %s\n", n, opts.dbPath)
	}

	return nil
}

func loadOrBuildRig(opts runOptions) (*camera.Rig, error) {
	if opts.rigPath != "" {
		return camera.LoadRig(opts.rigPath)
	}
	if opts.numCameras < 1 {
		return nil, fmt.Errorf("cameras must be at least 1, got %d", opts.numCameras)
	}
	return camera.TestRig(opts.numCameras), nil
}

// feedCameras runs one goroutine per camera pushing jittered frames at the
// configured rate until stop closes.
func feedCameras(nb *bundler.Bundler, numCameras int, opts runOptions, stop <-chan struct{}) {
	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	interval := time.Duration(float64(time.Second) / opts.frameRate)
	var wg sync.WaitGroup
	for cam := 0; cam < numCameras; cam++ {
		wg.Add(1)
		go func(cam int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(cam)))
			img := testutil.GradientImage(64, 48)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case now := <-ticker.C:
					if rng.Float64() < opts.dropRate {
						continue
					}
					jitter := time.Duration(rng.Int63n(int64(opts.jitter)+1)) - opts.jitter/2
					ts := now.Add(jitter).UnixNano()
					if err := nb.ProcessImage(cam, img, ts); err != nil {
						return
					}
				}
			}
		}(cam)
	}
	wg.Wait()
}
