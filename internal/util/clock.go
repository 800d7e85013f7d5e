package util

import (
	"time"

	"golang.org/x/sys/unix"
)

var processStart = time.Now()

// MonotonicRawNanos returns CLOCK_MONOTONIC_RAW in nanoseconds, the clock
// GPU trace timestamps are expressed in. Falls back to time since process
// start if the syscall fails.
func MonotonicRawNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return uint64(time.Since(processStart))
	}
	return uint64(ts.Nano())
}
