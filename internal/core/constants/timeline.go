package constants

import "time"

const (
	// Minimum time a timeline must stay acquired before release is allowed
	HysteresisTimeout = 500 * time.Millisecond

	// Stream flush cadence while a client holds the timeline
	AutoflushInterval = 1 * time.Second

	// Firmware dump polling cadence (fsnotify events trigger earlier reads)
	FirmwarePollInterval = 200 * time.Millisecond
)

const (
	// Stream ring geometry
	PageSize  = 4096
	PageCount = 64

	// Default destination buffer for capture reads
	ReadBufferSize = 64 * 1024
)

// Timeline stream flags supplied by the acquiring client.
const (
	FlagLatencyTracepoints  uint32 = 1 << 0
	FlagJobDumping          uint32 = 1 << 1
	FlagCSFTracepoints      uint32 = 1 << 2
	FlagFirmwareTracepoints uint32 = 1 << 3

	FlagsMask = FlagLatencyTracepoints | FlagJobDumping | FlagCSFTracepoints | FlagFirmwareTracepoints

	// Set internally on every acquisition so the flag word is never zero while acquired
	FlagEnabled uint32 = 1 << 31
)
