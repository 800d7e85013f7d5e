package timeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

var (
	ErrAlreadyAcquired = errors.New("timeline already acquired")
	ErrInvalidFlags    = errors.New("invalid timeline stream flags")
	ErrWouldBlock      = errors.New("no timeline data pending")
	ErrEndOfSession    = errors.New("timeline released")
	ErrSessionClosed   = errors.New("timeline session already closed")
	ErrTerminated      = errors.New("timeline terminated")
	ErrUnknownStream   = errors.New("unknown timeline stream type")
	ErrInit            = errors.New("timeline initialization failed")
)

// Timeline owns the trace streams of one device and arbitrates which
// client, if any, is reading them.
type Timeline struct {
	cfg Config

	// streamsMu guards allocation and teardown of streams; producers and
	// the reader hold it shared
	streamsMu sync.RWMutex
	streams   [tlstream.TypeCount]*tlstream.Stream
	headers   [tlstream.TypeCount][]byte

	contexts  *ContextRegistry
	autoflush *autoflushTimer
	notify    *notifier

	// readerMu serializes reads; frames and the session generation it
	// observes are only touched under it
	readerMu sync.Mutex
	frames   [tlstream.TypeCount]frameState

	flags       atomic.Uint32
	generation  atomic.Uint64
	lastAcquire atomic.Int64
	hysteresis  time.Duration

	firmware   FirmwareReader
	fwRunning  atomic.Bool
	terminated atomic.Bool

	bytesCollected atomic.Uint64
	readerWakeups  atomic.Uint64
}

// Stats is a diagnostic snapshot of a timeline
type Stats struct {
	Acquired        bool             `json:"acquired"`
	Flags           uint32           `json:"flags"`
	Generation      uint64           `json:"generation"`
	LastAcquire     time.Time        `json:"last_acquire"`
	BytesCollected  uint64           `json:"bytes_collected"`
	ReaderWakeups   uint64           `json:"reader_wakeups"`
	AutoflushActive bool             `json:"autoflush_active"`
	Contexts        int              `json:"contexts"`
	Streams         []tlstream.Stats `json:"streams"`
}

// New allocates every stream and header. An allocation failure leaves no
// usable timeline behind.
func New(cfg Config) (*Timeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}

	t := &Timeline{
		cfg:        cfg,
		contexts:   NewContextRegistry(),
		notify:     newNotifier(),
		hysteresis: constants.HysteresisTimeout,
		firmware:   cfg.Firmware,
	}
	t.autoflush = newAutoflushTimer(cfg.AutoflushInterval, t.autoflushFire)

	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	for _, typ := range tlstream.Types() {
		s, err := tlstream.NewStream(typ, cfg.PageSize, cfg.PageCount)
		if err != nil {
			return nil, fmt.Errorf("%w: %s stream: %v", ErrInit, typ, err)
		}
		t.streams[typ] = s

		if hdr, ok := cfg.Headers[typ]; ok {
			t.headers[typ] = append([]byte(nil), hdr...)
			continue
		}
		hdr, err := tlstream.EncodeHeader(tlstream.NewDescriptor(typ, cfg.PageSize, cfg.PageCount))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInit, err)
		}
		t.headers[typ] = hdr
	}

	util.LogDebug("Timeline initialized",
		util.F("page_size", cfg.PageSize), util.F("page_count", cfg.PageCount),
		util.F("autoflush", cfg.AutoflushInterval.String()))
	return t, nil
}

// Term tears the timeline down. A session still holding it is ended.
func (t *Timeline) Term() {
	if !t.terminated.CompareAndSwap(false, true) {
		return
	}

	if t.flags.Load() != 0 {
		util.LogWarn("Timeline terminated while acquired")
		t.stopFirmware()
		t.autoflush.disarm()
		t.flags.Store(0)
	}
	t.notify.broadcast()

	t.streamsMu.Lock()
	for i := range t.streams {
		t.streams[i] = nil
	}
	t.streamsMu.Unlock()

	util.LogDebug("Timeline terminated")
}

// Flags returns the stream flags of the current acquisition, or zero
func (t *Timeline) Flags() uint32 {
	return t.flags.Load() &^ constants.FlagEnabled
}

// Enabled reports whether a client currently holds the timeline
func (t *Timeline) Enabled() bool {
	return t.flags.Load() != 0
}

// Header returns the header bytes delivered for typ at the start of every session
func (t *Timeline) Header(typ tlstream.Type) []byte {
	if !typ.Valid() {
		return nil
	}
	return t.headers[typ]
}

func (t *Timeline) Contexts() *ContextRegistry {
	return t.contexts
}

// Emit appends event to the stream of typ and wakes the reader when a page
// fills up. Events are dropped while no client holds the timeline.
// Oversized events are logged and returned as ErrEventTooLarge; the stream
// is unaffected.
func (t *Timeline) Emit(typ tlstream.Type, event []byte) error {
	if t.flags.Load() == 0 {
		return nil
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStream, int(typ))
	}

	t.streamsMu.RLock()
	s := t.streams[typ]
	if s == nil {
		t.streamsMu.RUnlock()
		return nil
	}
	submitted, err := s.Append(event)
	t.streamsMu.RUnlock()

	if errors.Is(err, tlstream.ErrEventTooLarge) {
		util.LogWarn("Dropping oversized timeline event",
			util.F("stream", typ.String()), util.F("size", len(event)))
	}
	// A full page is readable now
	if submitted {
		t.notify.broadcast()
	}
	return err
}

// Flush makes every partially filled page readable and wakes the reader.
// The firmware reader, if running, is drained first.
func (t *Timeline) Flush() {
	if t.fwRunning.Load() {
		if err := t.firmware.Flush(); err != nil {
			util.LogWarn("Firmware trace flush failed", util.F("error", err.Error()))
		}
	}

	flushed := 0
	t.streamsMu.RLock()
	for _, s := range t.streams {
		if s != nil && s.Flush() {
			flushed++
		}
	}
	t.streamsMu.RUnlock()

	t.notify.broadcast()
	if flushed > 0 {
		util.LogDebug("Timeline streams flushed", util.F("streams", flushed))
	}
}

func (t *Timeline) autoflushFire() {
	t.Flush()
}

func (t *Timeline) resetStreams() {
	t.streamsMu.RLock()
	defer t.streamsMu.RUnlock()
	for _, s := range t.streams {
		if s != nil {
			s.Reset()
		}
	}
}

// BytesCollected returns the total bytes delivered to readers
func (t *Timeline) BytesCollected() uint64 {
	return t.bytesCollected.Load()
}

func (t *Timeline) Stats() Stats {
	st := Stats{
		Acquired:        t.Enabled(),
		Flags:           t.Flags(),
		Generation:      t.generation.Load(),
		BytesCollected:  t.bytesCollected.Load(),
		ReaderWakeups:   t.readerWakeups.Load(),
		AutoflushActive: t.autoflush.Active(),
		Contexts:        t.contexts.Len(),
	}
	if ns := t.lastAcquire.Load(); ns != 0 {
		st.LastAcquire = time.Unix(0, ns)
	}

	t.streamsMu.RLock()
	for _, s := range t.streams {
		if s != nil {
			st.Streams = append(st.Streams, s.Stats())
		}
	}
	t.streamsMu.RUnlock()
	return st
}
