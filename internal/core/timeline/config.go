package timeline

import (
	"fmt"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
)

// FirmwareReader feeds firmware-generated records into the firmware
// stream while the timeline is acquired with FlagFirmwareTracepoints.
type FirmwareReader interface {
	Start(sink tlstream.Sink) error
	Stop()
	// Flush synchronously moves everything the firmware has produced so far into the sink
	Flush() error
}

// Config contains timeline construction parameters
type Config struct {
	// Stream ring geometry, shared by every stream type
	PageSize  int
	PageCount int

	AutoflushInterval time.Duration

	// Optional firmware trace reader
	Firmware FirmwareReader

	// Header bytes per stream type. Types missing from the map get an
	// encoded tlstream.Descriptor; an empty slice means no header.
	Headers map[tlstream.Type][]byte

	// Skip the context summary normally written on every acquisition
	DisableStateDump bool
}

// Validate fills defaults and rejects unusable settings
func (c *Config) Validate() error {
	if c.PageSize == 0 {
		c.PageSize = constants.PageSize
	}
	if c.PageCount == 0 {
		c.PageCount = constants.PageCount
	}
	if c.AutoflushInterval == 0 {
		c.AutoflushInterval = constants.AutoflushInterval
	}

	if c.PageSize < 0 || c.PageCount < 2 {
		return fmt.Errorf("page size %d / page count %d not usable", c.PageSize, c.PageCount)
	}
	if c.AutoflushInterval < 0 {
		return fmt.Errorf("negative autoflush interval %s", c.AutoflushInterval)
	}
	for typ := range c.Headers {
		if !typ.Valid() {
			return fmt.Errorf("header given for unknown stream type %d", int(typ))
		}
	}
	return nil
}
