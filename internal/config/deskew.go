package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultConfigPath is the path to the canonical deskew defaults file.
const DefaultConfigPath = "config/deskew.defaults.json"

// Calibration defaults for the reference sensor rig.
var (
	defaultExtrinsic = [16]float64{
		-1, 0, 0, -0.006253,
		0, -1, 0, 0.011775,
		0, 0, 1, 0.028535,
		0, 0, 0, 1,
	}
	defaultGravity   = [3]float64{9.82, 0, 0}
	defaultGyroBias  = [3]float64{-0.022, -0.033, 0.004}
	defaultAccelBias = [3]float64{0, 0, 0.1}
)

// DeskewConfig holds the static calibration and pipeline parameters. Every
// field is optional; the Get* accessors fall back to defaults so partial files
// are safe.
type DeskewConfig struct {
	// Calibration
	ExtrinsicMatrix *[16]float64 `json:"extrinsic_matrix,omitempty"` // body<-sensor, row-major 4x4
	Gravity         *[3]float64  `json:"gravity,omitempty"`          // world frame, m/s²
	GyroBias        *[3]float64  `json:"gyro_bias,omitempty"`
	AccelBias       *[3]float64  `json:"accel_bias,omitempty"`

	// Matching and windowing
	WarmupSkip         *int    `json:"warmup_skip,omitempty"`
	MinInertialSamples *int    `json:"min_inertial_samples,omitempty"`
	CoverageMargin     *string `json:"coverage_margin,omitempty"` // duration string like "125ms"
	MaxCoverageRetries *int    `json:"max_coverage_retries,omitempty"`
	BufferWarnLen      *int    `json:"buffer_warn_len,omitempty"`

	// Worker
	PollInterval  *string `json:"poll_interval,omitempty"`
	DeskewWorkers *int    `json:"deskew_workers,omitempty"` // 0 means GOMAXPROCS

	// Output
	TargetFrame      *string `json:"target_frame,omitempty"`
	DistortedFrame   *string `json:"distorted_frame,omitempty"`
	PublishDistorted *bool   `json:"publish_distorted,omitempty"`

	// Sweep assembly
	AssemblyTimeout *string `json:"assembly_timeout,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }

// EmptyDeskewConfig returns a DeskewConfig with every field unset.
func EmptyDeskewConfig() *DeskewConfig {
	return &DeskewConfig{}
}

// DefaultDeskewConfig returns a DeskewConfig with every field populated from
// the built-in defaults.
func DefaultDeskewConfig() *DeskewConfig {
	ext := defaultExtrinsic
	g, bg, ba := defaultGravity, defaultGyroBias, defaultAccelBias
	return &DeskewConfig{
		ExtrinsicMatrix:    &ext,
		Gravity:            &g,
		GyroBias:           &bg,
		AccelBias:          &ba,
		WarmupSkip:         ptrInt(10),
		MinInertialSamples: ptrInt(8),
		CoverageMargin:     ptrString("125ms"),
		MaxCoverageRetries: ptrInt(40),
		BufferWarnLen:      ptrInt(20000),
		PollInterval:       ptrString("50ms"),
		DeskewWorkers:      ptrInt(0),
		TargetFrame:        ptrString("world_shifted"),
		DistortedFrame:     ptrString("world"),
		PublishDistorted:   ptrBool(true),
		AssemblyTimeout:    ptrString("500ms"),
	}
}

// LoadDeskewConfig loads a DeskewConfig from a JSON file. The path must have a
// .json extension and the file must be under 1MB.
func LoadDeskewConfig(path string) (*DeskewConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDeskewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up through parent directories. Panics if the file cannot be
// loaded; intended for test setup.
func MustLoadDefaultConfig() *DeskewConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDeskewConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every set field holds a usable value.
func (c *DeskewConfig) Validate() error {
	if c.ExtrinsicMatrix != nil && !geom.IsValidTransformMatrix(*c.ExtrinsicMatrix) {
		return fmt.Errorf("extrinsic_matrix is not a proper rigid transform")
	}
	if c.WarmupSkip != nil && *c.WarmupSkip < 0 {
		return fmt.Errorf("warmup_skip must be non-negative, got %d", *c.WarmupSkip)
	}
	if c.MinInertialSamples != nil && *c.MinInertialSamples < 2 {
		return fmt.Errorf("min_inertial_samples must be at least 2, got %d", *c.MinInertialSamples)
	}
	if c.MaxCoverageRetries != nil && *c.MaxCoverageRetries < 0 {
		return fmt.Errorf("max_coverage_retries must be non-negative, got %d", *c.MaxCoverageRetries)
	}
	if c.BufferWarnLen != nil && *c.BufferWarnLen < 0 {
		return fmt.Errorf("buffer_warn_len must be non-negative, got %d", *c.BufferWarnLen)
	}
	if c.DeskewWorkers != nil && *c.DeskewWorkers < 0 {
		return fmt.Errorf("deskew_workers must be non-negative, got %d", *c.DeskewWorkers)
	}
	if c.TargetFrame != nil && *c.TargetFrame == "" {
		return fmt.Errorf("target_frame must not be empty")
	}

	durations := []struct {
		name string
		val  *string
	}{
		{"coverage_margin", c.CoverageMargin},
		{"poll_interval", c.PollInterval},
		{"assembly_timeout", c.AssemblyTimeout},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.val)
		}
	}
	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func vec(v *[3]float64, def [3]float64) r3.Vec {
	if v == nil {
		v = &def
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// GetExtrinsic returns the body-from-sensor transform.
func (c *DeskewConfig) GetExtrinsic() geom.RigidTransform {
	if c.ExtrinsicMatrix == nil {
		return geom.FromMatrix(defaultExtrinsic)
	}
	return geom.FromMatrix(*c.ExtrinsicMatrix)
}

// GetGravity returns the world-frame gravity vector.
func (c *DeskewConfig) GetGravity() r3.Vec { return vec(c.Gravity, defaultGravity) }

// GetGyroBias returns the gyroscope bias subtracted from every reading.
func (c *DeskewConfig) GetGyroBias() r3.Vec { return vec(c.GyroBias, defaultGyroBias) }

// GetAccelBias returns the accelerometer bias subtracted from every reading.
func (c *DeskewConfig) GetAccelBias() r3.Vec { return vec(c.AccelBias, defaultAccelBias) }

// GetWarmupSkip returns the number of matched pairs discarded at startup.
func (c *DeskewConfig) GetWarmupSkip() int {
	if c.WarmupSkip == nil {
		return 10
	}
	return *c.WarmupSkip
}

// GetMinInertialSamples returns the smallest accepted window size.
func (c *DeskewConfig) GetMinInertialSamples() int {
	if c.MinInertialSamples == nil {
		return 8
	}
	return *c.MinInertialSamples
}

// GetCoverageMargin returns how far past the sweep end inertial data must
// reach before the sweep is processed.
func (c *DeskewConfig) GetCoverageMargin() time.Duration {
	return parseDurationOr(c.CoverageMargin, 125*time.Millisecond)
}

// GetMaxCoverageRetries returns how many worker iterations a sweep may wait
// for inertial coverage before it is dropped.
func (c *DeskewConfig) GetMaxCoverageRetries() int {
	if c.MaxCoverageRetries == nil {
		return 40
	}
	return *c.MaxCoverageRetries
}

// GetBufferWarnLen returns the queue length that triggers a growth warning.
func (c *DeskewConfig) GetBufferWarnLen() int {
	if c.BufferWarnLen == nil {
		return 20000
	}
	return *c.BufferWarnLen
}

// GetPollInterval returns the worker idle sleep.
func (c *DeskewConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 50*time.Millisecond)
}

// GetDeskewWorkers returns the deskew fan-out, resolving 0 to GOMAXPROCS.
func (c *DeskewConfig) GetDeskewWorkers() int {
	if c.DeskewWorkers == nil || *c.DeskewWorkers == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return *c.DeskewWorkers
}

// GetTargetFrame returns the frame id stamped on deskewed sweeps.
func (c *DeskewConfig) GetTargetFrame() string {
	if c.TargetFrame == nil || *c.TargetFrame == "" {
		return "world_shifted"
	}
	return *c.TargetFrame
}

// GetDistortedFrame returns the frame id stamped on diagnostic sweeps.
func (c *DeskewConfig) GetDistortedFrame() string {
	if c.DistortedFrame == nil || *c.DistortedFrame == "" {
		return "world"
	}
	return *c.DistortedFrame
}

// GetPublishDistorted reports whether diagnostic sweeps are emitted.
func (c *DeskewConfig) GetPublishDistorted() bool {
	if c.PublishDistorted == nil {
		return true
	}
	return *c.PublishDistorted
}

// GetAssemblyTimeout returns how long a partially received sweep is kept.
func (c *DeskewConfig) GetAssemblyTimeout() time.Duration {
	return parseDurationOr(c.AssemblyTimeout, 500*time.Millisecond)
}
