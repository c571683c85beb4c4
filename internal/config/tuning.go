package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds the runtime tuning parameters for the synchronization
// engine. All fields are pointers so a partial JSON file only overrides the
// values it names; the Get* methods supply defaults for everything else.
type TuningConfig struct {
	// Synchronization params
	TimestampToleranceNanos *int64  `json:"timestamp_tolerance_nanos,omitempty"`
	EvictionMultiple        *int    `json:"eviction_multiple,omitempty"`
	CleanupInterval         *string `json:"cleanup_interval,omitempty"` // duration string like "100ms"
	MaxQueuedBundles        *int    `json:"max_queued_bundles,omitempty"`
	Workers                 *int    `json:"workers,omitempty"`

	// Feature pipeline params
	FASTThreshold *int     `json:"fast_threshold,omitempty"`
	MaxKeypoints  *int     `json:"max_keypoints,omitempty"`
	MinDistance   *int     `json:"min_distance,omitempty"`
	UncertaintyPx *float64 `json:"uncertainty_px,omitempty"`

	// Logging params
	Debug *bool `json:"debug,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under the max file size. Fields omitted from the
// JSON retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TimestampToleranceNanos != nil && *c.TimestampToleranceNanos <= 0 {
		return fmt.Errorf("timestamp_tolerance_nanos must be positive, got %d", *c.TimestampToleranceNanos)
	}

	if c.EvictionMultiple != nil && *c.EvictionMultiple <= 0 {
		return fmt.Errorf("eviction_multiple must be positive, got %d", *c.EvictionMultiple)
	}

	if c.CleanupInterval != nil && *c.CleanupInterval != "" {
		if _, err := time.ParseDuration(*c.CleanupInterval); err != nil {
			return fmt.Errorf("invalid cleanup_interval '%s': %w", *c.CleanupInterval, err)
		}
	}

	if c.MaxQueuedBundles != nil && *c.MaxQueuedBundles < 1 {
		return fmt.Errorf("max_queued_bundles must be at least 1, got %d", *c.MaxQueuedBundles)
	}

	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}

	if c.FASTThreshold != nil && (*c.FASTThreshold < 1 || *c.FASTThreshold > 255) {
		return fmt.Errorf("fast_threshold must be between 1 and 255, got %d", *c.FASTThreshold)
	}

	if c.MaxKeypoints != nil && *c.MaxKeypoints < 1 {
		return fmt.Errorf("max_keypoints must be at least 1, got %d", *c.MaxKeypoints)
	}

	if c.UncertaintyPx != nil && *c.UncertaintyPx <= 0 {
		return fmt.Errorf("uncertainty_px must be positive, got %f", *c.UncertaintyPx)
	}

	return nil
}

// GetTimestampToleranceNanos returns the timestamp_tolerance_nanos value or the default.
func (c *TuningConfig) GetTimestampToleranceNanos() int64 {
	if c.TimestampToleranceNanos == nil {
		return 5_000_000 // 5ms
	}
	return *c.TimestampToleranceNanos
}

// GetEvictionMultiple returns the eviction_multiple value or the default.
func (c *TuningConfig) GetEvictionMultiple() int {
	if c.EvictionMultiple == nil {
		return 50
	}
	return *c.EvictionMultiple
}

// GetCleanupInterval parses and returns the CleanupInterval as a time.Duration.
func (c *TuningConfig) GetCleanupInterval() time.Duration {
	if c.CleanupInterval == nil || *c.CleanupInterval == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.CleanupInterval)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetMaxQueuedBundles returns the max_queued_bundles value or the default.
func (c *TuningConfig) GetMaxQueuedBundles() int {
	if c.MaxQueuedBundles == nil {
		return 100
	}
	return *c.MaxQueuedBundles
}

// GetWorkers returns the workers value or the default.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetFASTThreshold returns the fast_threshold value or the default.
func (c *TuningConfig) GetFASTThreshold() int {
	if c.FASTThreshold == nil {
		return 20
	}
	return *c.FASTThreshold
}

// GetMaxKeypoints returns the max_keypoints value or the default.
func (c *TuningConfig) GetMaxKeypoints() int {
	if c.MaxKeypoints == nil {
		return 500
	}
	return *c.MaxKeypoints
}

// GetMinDistance returns the min_distance value or the default.
func (c *TuningConfig) GetMinDistance() int {
	if c.MinDistance == nil {
		return 4
	}
	return *c.MinDistance
}

// GetUncertaintyPx returns the uncertainty_px value or the default.
func (c *TuningConfig) GetUncertaintyPx() float64 {
	if c.UncertaintyPx == nil {
		return 0.8
	}
	return *c.UncertaintyPx
}

// GetDebug returns the debug value or the default.
func (c *TuningConfig) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}
