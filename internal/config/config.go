// Package config loads the tracking configuration. Fields are pointers so
// a partial JSON file only overrides what it names; the Get* accessors
// supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for both the real-time filter daemon
// and the batch refiner.
type Config struct {
	// Identity
	TrackerSerial *string `json:"tracker_serial,omitempty"`
	TrackerFrame  *string `json:"tracker_frame,omitempty"`

	// Real-time filter
	FilterMode   *string  `json:"filter_mode,omitempty"` // "reduced" or "full"
	FilterRateHz *float64 `json:"filter_rate_hz,omitempty"`
	AngleVar     *float64 `json:"angle_var,omitempty"`
	AccelVar     *float64 `json:"accel_var,omitempty"`
	GyroVar      *float64 `json:"gyro_var,omitempty"`
	MaxDtSeconds *float64 `json:"max_dt_seconds,omitempty"`

	// Pulse rejection
	MaxAngleDegrees *float64 `json:"max_angle_degrees,omitempty"`
	MinDuration     *float64 `json:"min_duration,omitempty"` // seconds
	MinPulseCount   *int     `json:"min_pulse_count,omitempty"`

	// Refiner
	Resolution     *string  `json:"resolution,omitempty"` // duration string like "100ms"
	Smoothing      *float64 `json:"smoothing,omitempty"`
	HuberDelta     *float64 `json:"huber_delta,omitempty"`
	Planar         *bool    `json:"planar,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`
	SolveTimeout   *string  `json:"solve_timeout,omitempty"` // duration string like "5m"
	SolveWorkers   *int     `json:"solve_workers,omitempty"`
	FreezeWorld    *bool    `json:"freeze_world,omitempty"`
	FreezeBeacons  *bool    `json:"freeze_beacons,omitempty"`
	FreezeParams   *bool    `json:"freeze_params,omitempty"`
	FreezeTrackers *bool    `json:"freeze_trackers,omitempty"`
	FreezeSensors  *bool    `json:"freeze_sensors,omitempty"`

	// Bootstrap
	BootstrapFOV        *float64 `json:"bootstrap_fov,omitempty"` // radians
	BootstrapIterations *int     `json:"bootstrap_iterations,omitempty"`

	// IO
	CalibrationPath *string `json:"calibration_path,omitempty"`
	ReportDir       *string `json:"report_dir,omitempty"`
	HTTPAddr        *string `json:"http_addr,omitempty"`
	PulseAddr       *string `json:"pulse_addr,omitempty"`
	IMUAddr         *string `json:"imu_addr,omitempty"`
	DeviceAddr      *string `json:"device_addr,omitempty"`
	CorrectionAddr  *string `json:"correction_addr,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Omitted fields keep their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
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

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable. A bad value
// here is fatal at startup.
func (c *Config) Validate() error {
	if c.FilterMode != nil {
		if *c.FilterMode != "reduced" && *c.FilterMode != "full" {
			return fmt.Errorf("filter_mode must be \"reduced\" or \"full\", got %q", *c.FilterMode)
		}
	}
	if c.FilterRateHz != nil && *c.FilterRateHz <= 0 {
		return fmt.Errorf("filter_rate_hz must be positive, got %f", *c.FilterRateHz)
	}
	if c.MaxAngleDegrees != nil && (*c.MaxAngleDegrees <= 0 || *c.MaxAngleDegrees > 180) {
		return fmt.Errorf("max_angle_degrees must be in (0, 180], got %f", *c.MaxAngleDegrees)
	}
	if c.MinPulseCount != nil && *c.MinPulseCount < 1 {
		return fmt.Errorf("min_pulse_count must be at least 1, got %d", *c.MinPulseCount)
	}
	if c.Resolution != nil && *c.Resolution != "" {
		if _, err := time.ParseDuration(*c.Resolution); err != nil {
			return fmt.Errorf("invalid resolution '%s': %w", *c.Resolution, err)
		}
	}
	if c.SolveTimeout != nil && *c.SolveTimeout != "" {
		if _, err := time.ParseDuration(*c.SolveTimeout); err != nil {
			return fmt.Errorf("invalid solve_timeout '%s': %w", *c.SolveTimeout, err)
		}
	}
	if c.BootstrapFOV != nil && (*c.BootstrapFOV <= 0 || *c.BootstrapFOV >= 3.14) {
		return fmt.Errorf("bootstrap_fov must be in (0, pi) radians, got %f", *c.BootstrapFOV)
	}
	return nil
}

// GetTrackerSerial returns the tracker_serial value or the default.
func (c *Config) GetTrackerSerial() string {
	if c.TrackerSerial == nil {
		return ""
	}
	return *c.TrackerSerial
}

// GetTrackerFrame returns the tracker_frame value or the default.
func (c *Config) GetTrackerFrame() string {
	if c.TrackerFrame == nil {
		return "body"
	}
	return *c.TrackerFrame
}

// GetFilterMode returns the filter_mode value or the default.
func (c *Config) GetFilterMode() string {
	if c.FilterMode == nil {
		return "full"
	}
	return *c.FilterMode
}

// GetFilterRateHz returns the filter_rate_hz value or the default.
func (c *Config) GetFilterRateHz() float64 {
	if c.FilterRateHz == nil {
		return 100.0
	}
	return *c.FilterRateHz
}

// GetAngleVar returns the angle_var value or the default.
func (c *Config) GetAngleVar() float64 {
	if c.AngleVar == nil {
		return 1e-8 // about a millimetre at ten metres
	}
	return *c.AngleVar
}

// GetAccelVar returns the accel_var value or the default.
func (c *Config) GetAccelVar() float64 {
	if c.AccelVar == nil {
		return 1e-4
	}
	return *c.AccelVar
}

// GetGyroVar returns the gyro_var value or the default.
func (c *Config) GetGyroVar() float64 {
	if c.GyroVar == nil {
		return 3e-6
	}
	return *c.GyroVar
}

// GetMaxDt returns the max_dt_seconds value or the default.
func (c *Config) GetMaxDt() float64 {
	if c.MaxDtSeconds == nil {
		return 1.0
	}
	return *c.MaxDtSeconds
}

// GetMaxAngleDegrees returns the max_angle_degrees value or the default.
func (c *Config) GetMaxAngleDegrees() float64 {
	if c.MaxAngleDegrees == nil {
		return 60.0
	}
	return *c.MaxAngleDegrees
}

// GetMinDuration returns the min_duration value or the default.
func (c *Config) GetMinDuration() float64 {
	if c.MinDuration == nil {
		return 1e-6
	}
	return *c.MinDuration
}

// GetMinPulseCount returns the min_pulse_count value or the default.
func (c *Config) GetMinPulseCount() int {
	if c.MinPulseCount == nil {
		return 4
	}
	return *c.MinPulseCount
}

// GetResolution returns the resolution value or the default.
func (c *Config) GetResolution() time.Duration {
	if c.Resolution == nil {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.Resolution)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetSmoothing returns the smoothing value or the default.
func (c *Config) GetSmoothing() float64 {
	if c.Smoothing == nil {
		return 10.0
	}
	return *c.Smoothing
}

// GetHuberDelta returns the huber_delta value or the default.
func (c *Config) GetHuberDelta() float64 {
	if c.HuberDelta == nil {
		return 1.0
	}
	return *c.HuberDelta
}

// GetPlanar returns the planar value or the default.
func (c *Config) GetPlanar() bool {
	if c.Planar == nil {
		return false
	}
	return *c.Planar
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *Config) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 100
	}
	return *c.MaxIterations
}

// GetSolveTimeout returns the solve_timeout value or the default.
func (c *Config) GetSolveTimeout() time.Duration {
	if c.SolveTimeout == nil {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(*c.SolveTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetSolveWorkers returns the solve_workers value or the default. Zero
// means one worker per CPU.
func (c *Config) GetSolveWorkers() int {
	if c.SolveWorkers == nil {
		return 0
	}
	return *c.SolveWorkers
}

// GetFreezeWorld returns the freeze_world value or the default.
func (c *Config) GetFreezeWorld() bool {
	if c.FreezeWorld == nil {
		return true
	}
	return *c.FreezeWorld
}

// GetFreezeBeacons returns the freeze_beacons value or the default.
func (c *Config) GetFreezeBeacons() bool {
	if c.FreezeBeacons == nil {
		return false
	}
	return *c.FreezeBeacons
}

// GetFreezeParams returns the freeze_params value or the default.
func (c *Config) GetFreezeParams() bool {
	if c.FreezeParams == nil {
		return false
	}
	return *c.FreezeParams
}

// GetFreezeTrackers returns the freeze_trackers value or the default.
func (c *Config) GetFreezeTrackers() bool {
	if c.FreezeTrackers == nil {
		return true
	}
	return *c.FreezeTrackers
}

// GetFreezeSensors returns the freeze_sensors value or the default.
func (c *Config) GetFreezeSensors() bool {
	if c.FreezeSensors == nil {
		return true
	}
	return *c.FreezeSensors
}

// GetBootstrapFOV returns the bootstrap_fov value or the default.
func (c *Config) GetBootstrapFOV() float64 {
	if c.BootstrapFOV == nil {
		return 2.0944 // 120 degrees
	}
	return *c.BootstrapFOV
}

// GetBootstrapIterations returns the bootstrap_iterations value or the
// default.
func (c *Config) GetBootstrapIterations() int {
	if c.BootstrapIterations == nil {
		return 128
	}
	return *c.BootstrapIterations
}

// GetCalibrationPath returns the calibration_path value or the default.
func (c *Config) GetCalibrationPath() string {
	if c.CalibrationPath == nil {
		return "deepdive.db"
	}
	return *c.CalibrationPath
}

// GetReportDir returns the report_dir value or the default. An empty
// value disables report output.
func (c *Config) GetReportDir() string {
	if c.ReportDir == nil {
		return "reports"
	}
	return *c.ReportDir
}

// GetHTTPAddr returns the http_addr value or the default.
func (c *Config) GetHTTPAddr() string {
	if c.HTTPAddr == nil {
		return ":8080"
	}
	return *c.HTTPAddr
}

// GetPulseAddr returns the pulse_addr value or the default.
func (c *Config) GetPulseAddr() string {
	if c.PulseAddr == nil {
		return ":6001"
	}
	return *c.PulseAddr
}

// GetIMUAddr returns the imu_addr value or the default.
func (c *Config) GetIMUAddr() string {
	if c.IMUAddr == nil {
		return ":6002"
	}
	return *c.IMUAddr
}

// GetDeviceAddr returns the device_addr value or the default.
func (c *Config) GetDeviceAddr() string {
	if c.DeviceAddr == nil {
		return ":6003"
	}
	return *c.DeviceAddr
}

// GetCorrectionAddr returns the correction_addr value or the default.
func (c *Config) GetCorrectionAddr() string {
	if c.CorrectionAddr == nil {
		return ":6004"
	}
	return *c.CorrectionAddr
}
