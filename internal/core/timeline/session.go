package timeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// Session is the handle a client receives from Acquire. It is the only
// way to read the timeline and must be closed to let another client in.
type Session struct {
	tl         *Timeline
	gen        uint64
	flags      uint32
	acquiredAt time.Time
	closed     atomic.Bool
}

func (s *Session) Flags() uint32 { return s.flags }

func (s *Session) AcquiredAt() time.Time { return s.acquiredAt }

// activeLocked reports whether s still owns the timeline. Caller holds readerMu.
func (s *Session) activeLocked() bool {
	t := s.tl
	return !s.closed.Load() && !t.terminated.Load() &&
		t.flags.Load() != 0 && t.generation.Load() == s.gen
}

// TryRead copies pending header and body bytes into p without blocking.
// It returns ErrWouldBlock only when no header bytes remain and every
// stream is empty, and ErrEndOfSession once the session is over. A p
// shorter than tlstream.PacketHeaderSize may get io.ErrShortBuffer.
func (s *Session) TryRead(p []byte) (int, error) {
	t := s.tl
	t.readerMu.Lock()
	defer t.readerMu.Unlock()

	if !s.activeLocked() {
		return 0, ErrEndOfSession
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := t.fillLocked(p)
	if n == 0 {
		// Packets are pending but p cannot take a whole packet header
		if t.pendingLocked() {
			return 0, io.ErrShortBuffer
		}
		return 0, ErrWouldBlock
	}
	t.bytesCollected.Add(uint64(n))
	return n, nil
}

// ReadContext blocks until at least one byte is available, the session
// ends (ErrEndOfSession) or ctx is done.
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	for {
		wake := s.tl.notify.wait()

		n, err := s.TryRead(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}

		select {
		case <-wake:
			s.tl.readerWakeups.Add(1)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Read implements io.Reader; the end of the session is reported as io.EOF
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.ReadContext(context.Background(), p)
	if errors.Is(err, ErrEndOfSession) {
		return n, io.EOF
	}
	return n, err
}

// Poll reports whether a read would return data right now
func (s *Session) Poll() (bool, error) {
	t := s.tl
	t.readerMu.Lock()
	defer t.readerMu.Unlock()

	if !s.activeLocked() {
		return false, ErrEndOfSession
	}
	return t.pendingLocked(), nil
}

// Sync flushes partially filled pages so they become readable
func (s *Session) Sync() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.tl.Flush()
	return nil
}

// Close releases the timeline, waiting out the hysteresis window if needed
func (s *Session) Close() error {
	return s.tl.Release(s)
}
