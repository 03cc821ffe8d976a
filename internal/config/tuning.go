package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds every threshold and rate the tracking pipeline uses.
// Fields are pointers so that a partial file only overrides what it names;
// the Get* methods supply the defaults for the rest.
type TuningConfig struct {
	// Object tracker
	IoUThreshold       *float64 `json:"iou_threshold,omitempty"`
	MaxMissingFrames   *int     `json:"max_missing_frames,omitempty"`
	VisualLerpFactor   *float64 `json:"visual_lerp_factor,omitempty"`
	KalmanMeasureNoise *float64 `json:"kalman_measurement_noise,omitempty"`
	KalmanProcessNoise *float64 `json:"kalman_process_noise,omitempty"`
	DetectionInputSize *int     `json:"detection_input_size,omitempty"`
	MinDetectionScore  *float64 `json:"min_detection_score,omitempty"`

	// Sensor fusion
	HeadingAlpha      *float64 `json:"heading_alpha,omitempty"`
	GPSSmoothingAlpha *float64 `json:"gps_smoothing_alpha,omitempty"`
	GPSSnapDistanceM  *float64 `json:"gps_snap_distance_m,omitempty"`
	GyroSign          *float64 `json:"gyro_sign,omitempty"`
	MaxFusionGap      *string  `json:"max_fusion_gap,omitempty"` // duration string like "1s"
	FusionInterval    *string  `json:"fusion_interval,omitempty"`

	// World frame
	RotationLerp  *float64 `json:"rotation_lerp,omitempty"`
	ScanSpeedMPS  *float64 `json:"scan_speed_mps,omitempty"`
	ScanMaxRangeM *float64 `json:"scan_max_range_m,omitempty"`
	GroundY       *float64 `json:"ground_y,omitempty"`
	GroundExtentM *float64 `json:"ground_extent_m,omitempty"`
	CameraFOV     *float64 `json:"camera_fov,omitempty"`
	MarkerRadiusM *float64 `json:"marker_render_radius_m,omitempty"`

	// Capture triggers
	SentinelThreshold *float64 `json:"sentinel_threshold,omitempty"`
	SentinelCooldown  *string  `json:"sentinel_cooldown,omitempty"`
	AutoSaveThreshold *float64 `json:"autosave_threshold,omitempty"`
	AutoSaveCooldown  *string  `json:"autosave_cooldown,omitempty"`
	AutoSaveDistanceM *float64 `json:"autosave_distance_m,omitempty"`
	ManualOffsetM     *float64 `json:"manual_offset_m,omitempty"`

	// Session loops
	InferenceInterval *string  `json:"inference_interval,omitempty"`
	RenderInterval    *string  `json:"render_interval,omitempty"`
	AutoHideAfter     *string  `json:"auto_hide_after,omitempty"`
	NearbyRadiusM     *float64 `json:"nearby_radius_m,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Omitted fields
// keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
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

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so it works from any package's test. Panics on failure.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks ranges and duration strings of the fields that are set.
func (c *TuningConfig) Validate() error {
	unit := []struct {
		name string
		v    *float64
	}{
		{"iou_threshold", c.IoUThreshold},
		{"visual_lerp_factor", c.VisualLerpFactor},
		{"heading_alpha", c.HeadingAlpha},
		{"gps_smoothing_alpha", c.GPSSmoothingAlpha},
		{"rotation_lerp", c.RotationLerp},
		{"sentinel_threshold", c.SentinelThreshold},
		{"autosave_threshold", c.AutoSaveThreshold},
		{"min_detection_score", c.MinDetectionScore},
	}
	for _, f := range unit {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	positive := []struct {
		name string
		v    *float64
	}{
		{"kalman_measurement_noise", c.KalmanMeasureNoise},
		{"kalman_process_noise", c.KalmanProcessNoise},
		{"scan_speed_mps", c.ScanSpeedMPS},
		{"scan_max_range_m", c.ScanMaxRangeM},
		{"ground_extent_m", c.GroundExtentM},
		{"camera_fov", c.CameraFOV},
	}
	for _, f := range positive {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	if c.MaxMissingFrames != nil && *c.MaxMissingFrames < 1 {
		return fmt.Errorf("max_missing_frames must be at least 1, got %d", *c.MaxMissingFrames)
	}
	if c.GyroSign != nil && *c.GyroSign != 1 && *c.GyroSign != -1 {
		return fmt.Errorf("gyro_sign must be 1 or -1, got %f", *c.GyroSign)
	}
	if c.CameraFOV != nil && *c.CameraFOV >= 180 {
		return fmt.Errorf("camera_fov must be below 180, got %f", *c.CameraFOV)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"max_fusion_gap", c.MaxFusionGap},
		{"fusion_interval", c.FusionInterval},
		{"sentinel_cooldown", c.SentinelCooldown},
		{"autosave_cooldown", c.AutoSaveCooldown},
		{"inference_interval", c.InferenceInterval},
		{"render_interval", c.RenderInterval},
		{"auto_hide_after", c.AutoHideAfter},
	}
	for _, f := range durations {
		if f.v == nil || *f.v == "" {
			continue
		}
		d, err := time.ParseDuration(*f.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", f.name, *f.v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, *f.v)
		}
	}
	return nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *TuningConfig) GetIoUThreshold() float64 { return floatOr(c.IoUThreshold, 0.3) }
func (c *TuningConfig) GetMaxMissingFrames() int { return intOr(c.MaxMissingFrames, 10) }
func (c *TuningConfig) GetVisualLerpFactor() float64 { return floatOr(c.VisualLerpFactor, 0.3) }
func (c *TuningConfig) GetKalmanMeasureNoise() float64 { return floatOr(c.KalmanMeasureNoise, 0.1) }
func (c *TuningConfig) GetKalmanProcessNoise() float64 { return floatOr(c.KalmanProcessNoise, 0.05) }
func (c *TuningConfig) GetDetectionInputSize() int { return intOr(c.DetectionInputSize, 640) }
func (c *TuningConfig) GetMinDetectionScore() float64 { return floatOr(c.MinDetectionScore, 0.4) }

func (c *TuningConfig) GetHeadingAlpha() float64 { return floatOr(c.HeadingAlpha, 0.98) }
func (c *TuningConfig) GetGPSSmoothingAlpha() float64 { return floatOr(c.GPSSmoothingAlpha, 0.2) }
func (c *TuningConfig) GetGPSSnapDistanceM() float64 { return floatOr(c.GPSSnapDistanceM, 2) }
func (c *TuningConfig) GetGyroSign() float64 { return floatOr(c.GyroSign, 1) }
func (c *TuningConfig) GetMaxFusionGap() time.Duration {
	return durationOr(c.MaxFusionGap, time.Second)
}
func (c *TuningConfig) GetFusionInterval() time.Duration {
	return durationOr(c.FusionInterval, 16*time.Millisecond)
}

func (c *TuningConfig) GetRotationLerp() float64 { return floatOr(c.RotationLerp, 0.05) }
func (c *TuningConfig) GetScanSpeedMPS() float64 { return floatOr(c.ScanSpeedMPS, 15) }
func (c *TuningConfig) GetScanMaxRangeM() float64 { return floatOr(c.ScanMaxRangeM, 50) }
func (c *TuningConfig) GetGroundY() float64 { return floatOr(c.GroundY, -1.5) }
func (c *TuningConfig) GetGroundExtentM() float64 { return floatOr(c.GroundExtentM, 200) }
func (c *TuningConfig) GetCameraFOV() float64 { return floatOr(c.CameraFOV, 80) }
func (c *TuningConfig) GetMarkerRadiusM() float64 { return floatOr(c.MarkerRadiusM, 500) }

func (c *TuningConfig) GetSentinelThreshold() float64 { return floatOr(c.SentinelThreshold, 0.60) }
func (c *TuningConfig) GetSentinelCooldown() time.Duration {
	return durationOr(c.SentinelCooldown, 5*time.Second)
}
func (c *TuningConfig) GetAutoSaveThreshold() float64 { return floatOr(c.AutoSaveThreshold, 0.65) }
func (c *TuningConfig) GetAutoSaveCooldown() time.Duration {
	return durationOr(c.AutoSaveCooldown, 10*time.Second)
}
func (c *TuningConfig) GetAutoSaveDistanceM() float64 { return floatOr(c.AutoSaveDistanceM, 3) }
func (c *TuningConfig) GetManualOffsetM() float64 { return floatOr(c.ManualOffsetM, 5) }

func (c *TuningConfig) GetInferenceInterval() time.Duration {
	return durationOr(c.InferenceInterval, 150*time.Millisecond)
}
func (c *TuningConfig) GetRenderInterval() time.Duration {
	return durationOr(c.RenderInterval, 16*time.Millisecond)
}
func (c *TuningConfig) GetAutoHideAfter() time.Duration {
	return durationOr(c.AutoHideAfter, 60*time.Second)
}
func (c *TuningConfig) GetNearbyRadiusM() float64 { return floatOr(c.NearbyRadiusM, 5000) }
