package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/firmware"
	"github.com/penwyp/go-gpu-timeline/internal/core/timeline"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

// Capture owns one timeline and records a single session of it
type Capture struct {
	config   *Config
	tl       *timeline.Timeline
	firmware *firmware.Reader
}

// New builds the timeline, and the firmware reader when configured
func New(config *Config) (*Capture, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Capture{config: config}
	tlConfig := timeline.Config{
		PageSize:          config.PageSize,
		PageCount:         config.PageCount,
		AutoflushInterval: config.AutoflushInterval,
	}
	if err := tlConfig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", timeline.ErrInit, err)
	}
	if config.FirmwareDump != "" {
		// A record must fit in one firmware stream page
		fw, err := firmware.NewReader(firmware.Config{
			Path:          config.FirmwareDump,
			MaxRecordSize: tlConfig.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create firmware reader: %w", err)
		}
		c.firmware = fw
		tlConfig.Firmware = fw
	}

	tl, err := timeline.New(tlConfig)
	if err != nil {
		return nil, err
	}
	c.tl = tl
	return c, nil
}

func (c *Capture) Timeline() *timeline.Timeline {
	return c.tl
}

// Close tears the timeline down
func (c *Capture) Close() {
	c.tl.Term()
}

// Run acquires the timeline, copies the session into the output until the
// configured duration elapses or ctx is cancelled, then releases it.
func (c *Capture) Run(ctx context.Context) (*Summary, error) {
	out, err := openOutput(c.config.Output, c.config.Compression)
	if err != nil {
		return nil, err
	}
	outClosed := false
	defer func() {
		if !outClosed {
			out.Close()
		}
	}()

	for i := 1; i <= c.config.Contexts; i++ {
		if err := c.tl.RegisterContext(timeline.Context{ID: uint32(i), TGID: uint32(i), Name: fmt.Sprintf("synthetic-%d", i)}); err != nil {
			return nil, err
		}
	}

	session, err := c.tl.Acquire(c.config.Flags)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire timeline: %w", err)
	}
	started := time.Now()
	util.LogInfo("Capture started",
		util.F("output", c.config.Output), util.F("flags", util.FormatFlags(c.config.Flags)))

	runCtx := ctx
	var cancel context.CancelFunc
	if c.config.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.config.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	load := newWorkload(c.tl, c.config.Producers, c.config.EventRate, c.config.Contexts)
	load.start(runCtx)

	buf := make([]byte, c.config.ReadBufferSize)
	readErr := c.copySession(runCtx, session, out, buf)

	cancel()
	load.wait()

	// Everything produced before the deadline still belongs to the capture
	if readErr == nil {
		readErr = c.drainSession(session, out, buf)
	}
	if err := session.Close(); err != nil && readErr == nil {
		readErr = err
	}

	outClosed = true
	if err := out.Close(); err != nil && readErr == nil {
		readErr = fmt.Errorf("failed to finalize output: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	summary := &Summary{
		Output:      c.config.Output,
		Compression: c.config.Compression,
		Flags:       util.FormatFlags(c.config.Flags),
		Duration:    time.Since(started).Round(time.Millisecond).String(),
		Bytes:       out.written,
		Digest:      out.Digest(),
		Events:      load.emitted.Load(),
		Timeline:    c.tl.Stats(),
	}
	if c.firmware != nil {
		st := c.firmware.Stats()
		summary.Firmware = &st
	}

	util.LogInfo("Capture finished",
		util.F("bytes", summary.Bytes), util.F("duration", summary.Duration))
	return summary, nil
}

func (c *Capture) copySession(ctx context.Context, session *timeline.Session, out *output, buf []byte) error {
	for {
		n, err := session.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write capture: %w", werr)
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, timeline.ErrEndOfSession):
			util.LogWarn("Timeline session ended before capture deadline")
			return nil
		default:
			return err
		}
	}
}

func (c *Capture) drainSession(session *timeline.Session, out *output, buf []byte) error {
	if err := session.Sync(); err != nil {
		return nil
	}
	for {
		n, err := session.TryRead(buf)
		if err != nil {
			if errors.Is(err, timeline.ErrWouldBlock) || errors.Is(err, timeline.ErrEndOfSession) {
				return nil
			}
			return err
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return fmt.Errorf("failed to write capture: %w", err)
		}
	}
}
