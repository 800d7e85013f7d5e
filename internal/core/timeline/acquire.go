package timeline

import (
	"fmt"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

// Acquire hands the timeline to one client. It never blocks: if another
// client holds it, ErrAlreadyAcquired is returned immediately.
func (t *Timeline) Acquire(flags uint32) (*Session, error) {
	if t.terminated.Load() {
		return nil, ErrTerminated
	}
	if flags&^constants.FlagsMask != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFlags, util.FormatFlags(flags))
	}
	if !t.flags.CompareAndSwap(0, flags|constants.FlagEnabled) {
		return nil, ErrAlreadyAcquired
	}

	now := time.Now()
	t.lastAcquire.Store(now.UnixNano())

	// A new session always starts framing from the first header
	t.readerMu.Lock()
	gen := t.generation.Add(1)
	for i := range t.frames {
		t.frames[i] = frameState{}
	}
	t.readerMu.Unlock()

	t.resetStreams()

	if !t.cfg.DisableStateDump {
		t.DumpState()
	}

	if flags&constants.FlagFirmwareTracepoints != 0 {
		t.startFirmware()
	}

	t.autoflush.arm()

	// Term may have run after the check above; it could not see the timer
	if t.terminated.Load() {
		t.stopFirmware()
		t.autoflush.disarm()
		t.flags.Store(0)
		t.notify.broadcast()
		return nil, ErrTerminated
	}

	util.LogInfo("Timeline acquired",
		util.F("flags", util.FormatFlags(flags)), util.F("session", gen))

	return &Session{
		tl:         t,
		gen:        gen,
		flags:      flags,
		acquiredAt: now,
	}, nil
}

// Release returns the timeline held by s. A release sooner than the
// hysteresis timeout after acquisition sleeps for the remainder first, so
// a client cannot churn acquire/release in a tight loop. A reader blocked
// on s is woken with ErrEndOfSession.
func (t *Timeline) Release(s *Session) error {
	if s == nil || s.tl != t {
		return ErrSessionClosed
	}
	if !s.closed.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	// A reader parked on this session sees the close right away
	t.notify.broadcast()

	if elapsed := time.Since(s.acquiredAt); elapsed < t.hysteresis {
		wait := t.hysteresis - elapsed
		util.LogDebug("Delaying timeline release", util.F("wait", util.FormatDuration(wait)))
		time.Sleep(wait)
	}

	if t.terminated.Load() {
		return nil
	}

	t.stopFirmware()
	t.autoflush.disarm()
	t.flags.Store(0)
	t.notify.broadcast()

	util.LogInfo("Timeline released",
		util.F("session", s.gen), util.F("held", util.FormatDuration(time.Since(s.acquiredAt))))
	return nil
}

func (t *Timeline) startFirmware() {
	if t.firmware == nil {
		util.LogWarn("Firmware tracepoints requested but no firmware reader is configured")
		return
	}
	if err := t.firmware.Start(t); err != nil {
		util.LogError("Failed to start firmware trace reader", util.F("error", err.Error()))
		return
	}
	t.fwRunning.Store(true)
}

func (t *Timeline) stopFirmware() {
	if t.fwRunning.CompareAndSwap(true, false) {
		t.firmware.Stop()
	}
}
