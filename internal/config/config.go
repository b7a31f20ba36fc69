// Package config loads the tracker configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/worldtrack/internal/origin"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/worldtrack.defaults.json"

// Config is the root configuration. Every field is optional; the Get*
// methods supply defaults for omitted fields.
type Config struct {
	// Tracking
	MarkerPhysicalSize *float64 `json:"marker_physical_size,omitempty"` // metres
	DefaultMarkerID    *int     `json:"default_marker_id,omitempty"`
	RelocalizePolicy   *string  `json:"relocalize_policy,omitempty"` // every_new, once, never

	// Telemetry
	RemoteEndpoint   *string `json:"remote_endpoint,omitempty"` // host:port
	TelemetryBuffer  *int    `json:"telemetry_buffer,omitempty"`
	SnapshotEnabled  *bool   `json:"snapshot_enabled,omitempty"`
	SnapshotQuality  *int    `json:"snapshot_quality,omitempty"`
	SnapshotMaxWidth *int    `json:"snapshot_max_width,omitempty"`

	// Synthetic session
	FrameRate       *float64 `json:"frame_rate,omitempty"`
	DetectorLatency *string  `json:"detector_latency,omitempty"` // duration string like "20ms"

	// Operator surfaces
	DBPath        *string `json:"db_path,omitempty"`
	HTTPListen    *string `json:"http_listen,omitempty"`
	GRPCListen    *string `json:"grpc_listen,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "30s"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	c := Empty()
	return &Config{
		MarkerPhysicalSize: ptrFloat64(c.GetMarkerPhysicalSize()),
		DefaultMarkerID:    ptrInt(c.GetDefaultMarkerID()),
		RelocalizePolicy:   ptrString(string(c.GetRelocalizePolicy())),
		RemoteEndpoint:     ptrString(c.GetRemoteEndpoint()),
		TelemetryBuffer:    ptrInt(c.GetTelemetryBuffer()),
		SnapshotEnabled:    ptrBool(c.GetSnapshotEnabled()),
		SnapshotQuality:    ptrInt(c.GetSnapshotQuality()),
		SnapshotMaxWidth:   ptrInt(c.GetSnapshotMaxWidth()),
		FrameRate:          ptrFloat64(c.GetFrameRate()),
		DetectorLatency:    ptrString(c.GetDetectorLatency().String()),
		DBPath:             ptrString(c.GetDBPath()),
		HTTPListen:         ptrString(c.GetHTTPListen()),
		GRPCListen:         ptrString(c.GetGRPCListen()),
		StatsInterval:      ptrString(c.GetStatsInterval().String()),
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Omitted fields keep their defaults.
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

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.MarkerPhysicalSize != nil && *c.MarkerPhysicalSize <= 0 {
		return fmt.Errorf("marker_physical_size must be positive, got %f", *c.MarkerPhysicalSize)
	}
	if c.RelocalizePolicy != nil {
		if _, err := origin.ParsePolicy(*c.RelocalizePolicy); err != nil {
			return err
		}
	}
	if c.RemoteEndpoint != nil && *c.RemoteEndpoint != "" {
		if _, _, err := net.SplitHostPort(*c.RemoteEndpoint); err != nil {
			return fmt.Errorf("invalid remote_endpoint %q: %w", *c.RemoteEndpoint, err)
		}
	}
	if c.TelemetryBuffer != nil && *c.TelemetryBuffer <= 0 {
		return fmt.Errorf("telemetry_buffer must be positive, got %d", *c.TelemetryBuffer)
	}
	if c.SnapshotQuality != nil && (*c.SnapshotQuality < 1 || *c.SnapshotQuality > 100) {
		return fmt.Errorf("snapshot_quality must be between 1 and 100, got %d", *c.SnapshotQuality)
	}
	if c.SnapshotMaxWidth != nil && *c.SnapshotMaxWidth < 0 {
		return fmt.Errorf("snapshot_max_width must be non-negative, got %d", *c.SnapshotMaxWidth)
	}
	if c.FrameRate != nil && (*c.FrameRate <= 0 || *c.FrameRate > 240) {
		return fmt.Errorf("frame_rate must be in (0, 240], got %f", *c.FrameRate)
	}
	for name, v := range map[string]*string{
		"detector_latency": c.DetectorLatency,
		"stats_interval":   c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

// GetMarkerPhysicalSize returns the marker edge length in metres.
func (c *Config) GetMarkerPhysicalSize() float64 {
	if c.MarkerPhysicalSize == nil {
		return 0.04
	}
	return *c.MarkerPhysicalSize
}

// GetDefaultMarkerID returns the identity used for unidentified detections.
func (c *Config) GetDefaultMarkerID() int {
	if c.DefaultMarkerID == nil {
		return 23
	}
	return *c.DefaultMarkerID
}

// GetRelocalizePolicy returns the relocalization policy.
func (c *Config) GetRelocalizePolicy() origin.Policy {
	if c.RelocalizePolicy == nil {
		return origin.PolicyEveryNew
	}
	p, err := origin.ParsePolicy(*c.RelocalizePolicy)
	if err != nil {
		return origin.PolicyEveryNew
	}
	return p
}

// GetRemoteEndpoint returns the telemetry endpoint. An empty string
// disables telemetry.
func (c *Config) GetRemoteEndpoint() string {
	if c.RemoteEndpoint == nil {
		return "10.0.0.23:8080"
	}
	return *c.RemoteEndpoint
}

// GetTelemetryBuffer returns the telemetry queue length.
func (c *Config) GetTelemetryBuffer() int {
	if c.TelemetryBuffer == nil {
		return 256
	}
	return *c.TelemetryBuffer
}

// GetSnapshotEnabled reports whether frame snapshots are sent.
func (c *Config) GetSnapshotEnabled() bool {
	if c.SnapshotEnabled == nil {
		return true
	}
	return *c.SnapshotEnabled
}

// GetSnapshotQuality returns the JPEG quality of snapshots.
func (c *Config) GetSnapshotQuality() int {
	if c.SnapshotQuality == nil {
		return 50
	}
	return *c.SnapshotQuality
}

// GetSnapshotMaxWidth returns the snapshot width limit in pixels.
func (c *Config) GetSnapshotMaxWidth() int {
	if c.SnapshotMaxWidth == nil {
		return 320
	}
	return *c.SnapshotMaxWidth
}

// GetFrameRate returns the synthetic session frame rate.
func (c *Config) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return 30
	}
	return *c.FrameRate
}

// GetDetectorLatency returns the simulated detector latency.
func (c *Config) GetDetectorLatency() time.Duration {
	return parseDuration(c.DetectorLatency, 0)
}

// GetDBPath returns the journal path. An empty string disables the journal.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "worldtrack.db"
	}
	return *c.DBPath
}

// GetHTTPListen returns the operator HTTP listen address.
func (c *Config) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return "127.0.0.1:8090"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the gRPC health listen address. An empty string
// disables the gRPC server.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "127.0.0.1:8091"
	}
	return *c.GRPCListen
}

// GetStatsInterval returns how often pipeline stats are logged.
func (c *Config) GetStatsInterval() time.Duration {
	return parseDuration(c.StatsInterval, 30*time.Second)
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
