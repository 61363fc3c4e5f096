package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestDefaultDeskewConfig(t *testing.T) {
	cfg := DefaultDeskewConfig()

	if cfg.WarmupSkip == nil || *cfg.WarmupSkip != 10 {
		t.Errorf("Expected WarmupSkip 10, got %v", cfg.WarmupSkip)
	}
	if cfg.MinInertialSamples == nil || *cfg.MinInertialSamples != 8 {
		t.Errorf("Expected MinInertialSamples 8, got %v", cfg.MinInertialSamples)
	}
	if cfg.CoverageMargin == nil || *cfg.CoverageMargin != "125ms" {
		t.Errorf("Expected CoverageMargin '125ms', got %v", cfg.CoverageMargin)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	if cfg.GetCoverageMargin() != 125*time.Millisecond {
		t.Errorf("GetCoverageMargin() = %v, want 125ms", cfg.GetCoverageMargin())
	}
	if cfg.GetPollInterval() != 50*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 50ms", cfg.GetPollInterval())
	}
	if cfg.GetGravity() != (r3.Vec{X: 9.82}) {
		t.Errorf("GetGravity() = %v, want (9.82,0,0)", cfg.GetGravity())
	}
}

func TestEmptyDeskewConfig_GettersFallBack(t *testing.T) {
	cfg := EmptyDeskewConfig()
	def := DefaultDeskewConfig()

	if cfg.GetWarmupSkip() != def.GetWarmupSkip() {
		t.Errorf("GetWarmupSkip() = %d, want %d", cfg.GetWarmupSkip(), def.GetWarmupSkip())
	}
	if cfg.GetMinInertialSamples() != 8 {
		t.Errorf("GetMinInertialSamples() = %d, want 8", cfg.GetMinInertialSamples())
	}
	if cfg.GetMaxCoverageRetries() != 40 {
		t.Errorf("GetMaxCoverageRetries() = %d, want 40", cfg.GetMaxCoverageRetries())
	}
	if cfg.GetGyroBias() != (r3.Vec{X: -0.022, Y: -0.033, Z: 0.004}) {
		t.Errorf("GetGyroBias() = %v", cfg.GetGyroBias())
	}
	if cfg.GetAccelBias() != (r3.Vec{Z: 0.1}) {
		t.Errorf("GetAccelBias() = %v", cfg.GetAccelBias())
	}
	if cfg.GetTargetFrame() != "world_shifted" || cfg.GetDistortedFrame() != "world" {
		t.Errorf("frames = %q/%q", cfg.GetTargetFrame(), cfg.GetDistortedFrame())
	}
	if !cfg.GetPublishDistorted() {
		t.Error("GetPublishDistorted() should default to true")
	}
	if cfg.GetAssemblyTimeout() != 500*time.Millisecond {
		t.Errorf("GetAssemblyTimeout() = %v", cfg.GetAssemblyTimeout())
	}
	if cfg.GetDeskewWorkers() != runtime.GOMAXPROCS(0) {
		t.Errorf("GetDeskewWorkers() = %d, want GOMAXPROCS", cfg.GetDeskewWorkers())
	}
	if got := cfg.GetExtrinsic().Matrix(); got[3] != -0.006253 || got[7] != 0.011775 || got[11] != 0.028535 {
		t.Errorf("GetExtrinsic() translation = %v", got)
	}
}

func TestLoadDeskewConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rig.json")

	testJSON := `{
  "warmup_skip": 3,
  "coverage_margin": "200ms",
  "gravity": [0, 0, 9.81],
  "deskew_workers": 2,
  "publish_distorted": false
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadDeskewConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetWarmupSkip() != 3 {
		t.Errorf("GetWarmupSkip() = %d, want 3", cfg.GetWarmupSkip())
	}
	if cfg.GetCoverageMargin() != 200*time.Millisecond {
		t.Errorf("GetCoverageMargin() = %v, want 200ms", cfg.GetCoverageMargin())
	}
	if cfg.GetGravity() != (r3.Vec{Z: 9.81}) {
		t.Errorf("GetGravity() = %v", cfg.GetGravity())
	}
	if cfg.GetDeskewWorkers() != 2 {
		t.Errorf("GetDeskewWorkers() = %d, want 2", cfg.GetDeskewWorkers())
	}
	if cfg.GetPublishDistorted() {
		t.Error("GetPublishDistorted() = true, want false")
	}
	// Unset fields keep defaults.
	if cfg.GetMinInertialSamples() != 8 {
		t.Errorf("GetMinInertialSamples() = %d, want 8", cfg.GetMinInertialSamples())
	}
}

func TestLoadDeskewConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"bad duration", write("dur.json", `{"poll_interval":"soon"}`), "invalid poll_interval"},
		{"negative skip", write("skip.json", `{"warmup_skip":-1}`), "warmup_skip"},
		{"min samples", write("min.json", `{"min_inertial_samples":1}`), "min_inertial_samples"},
		{"reflection", write("ext.json", `{"extrinsic_matrix":[-1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,0,1]}`), "extrinsic_matrix"},
		{"empty frame", write("frame.json", `{"target_frame":""}`), "target_frame"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDeskewConfig(tt.path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDeskewConfig_TooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(p, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDeskewConfig(p); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestMustLoadDefaultConfig_MatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	def := DefaultDeskewConfig()

	if *cfg.ExtrinsicMatrix != *def.ExtrinsicMatrix {
		t.Errorf("extrinsic_matrix = %v, want %v", *cfg.ExtrinsicMatrix, *def.ExtrinsicMatrix)
	}
	if *cfg.Gravity != *def.Gravity || *cfg.GyroBias != *def.GyroBias || *cfg.AccelBias != *def.AccelBias {
		t.Error("calibration vectors in defaults file differ from built-ins")
	}
	if cfg.GetWarmupSkip() != def.GetWarmupSkip() ||
		cfg.GetMinInertialSamples() != def.GetMinInertialSamples() ||
		cfg.GetCoverageMargin() != def.GetCoverageMargin() ||
		cfg.GetPollInterval() != def.GetPollInterval() ||
		cfg.GetMaxCoverageRetries() != def.GetMaxCoverageRetries() {
		t.Error("scalar defaults in defaults file differ from built-ins")
	}
}
