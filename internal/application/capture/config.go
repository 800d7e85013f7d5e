package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"gopkg.in/yaml.v3"
)

// Compression names accepted for capture output
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// Config contains configuration for a capture run
type Config struct {
	// Client stream flags passed to the acquisition
	Flags uint32 `yaml:"flags"`

	// Capture length; zero runs until the context is cancelled
	Duration time.Duration `yaml:"duration"`

	// Output settings; "-" writes to stdout
	Output      string `yaml:"output"`
	Compression string `yaml:"compression"`

	// Timeline settings
	PageSize          int           `yaml:"page_size"`
	PageCount         int           `yaml:"page_count"`
	AutoflushInterval time.Duration `yaml:"autoflush_interval"`
	ReadBufferSize    int           `yaml:"read_buffer_size"`

	// Firmware dump to follow when FlagFirmwareTracepoints is set
	FirmwareDump string `yaml:"firmware_dump"`

	// Synthetic workload
	Contexts  int `yaml:"contexts"`
	Producers int `yaml:"producers"`
	EventRate int `yaml:"event_rate"` // events per second per producer
}

// LoadConfig reads a YAML capture configuration
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Output == "" {
		c.Output = "timeline.bin"
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("unknown compression %q (none, zstd, lz4)", c.Compression)
	}
	if c.Flags&^constants.FlagsMask != 0 {
		return fmt.Errorf("flags 0x%x outside supported mask 0x%x", c.Flags, constants.FlagsMask)
	}
	if c.Duration < 0 {
		return fmt.Errorf("negative duration %s", c.Duration)
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = constants.ReadBufferSize
	}
	if c.ReadBufferSize < tlstream.PacketHeaderSize {
		return fmt.Errorf("read buffer of %d bytes cannot hold a packet header", c.ReadBufferSize)
	}
	if c.Producers < 0 || c.EventRate < 0 || c.Contexts < 0 {
		return fmt.Errorf("workload settings must not be negative")
	}
	if c.Producers > 0 && c.EventRate == 0 {
		c.EventRate = 100
	}
	if c.Flags&constants.FlagFirmwareTracepoints != 0 && c.FirmwareDump == "" {
		return fmt.Errorf("firmware tracepoints requested without a firmware dump path")
	}
	return nil
}
