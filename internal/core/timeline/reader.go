package timeline

import "github.com/penwyp/go-gpu-timeline/internal/core/tlstream"

type framePhase int

const (
	// phaseIdle: nothing of this stream's header delivered yet
	phaseIdle framePhase = iota
	// phaseHeader: header partially delivered, remaining bytes outstanding
	phaseHeader
	// phaseBody: header complete, stream body bytes follow
	phaseBody
)

// frameState tracks how far one stream's header has been delivered in
// the current session
type frameState struct {
	phase     framePhase
	remaining int
}

// fillLocked writes headers, then stream bodies, into p. Headers of every
// stream precede any body byte; within each part streams follow type
// order. Bodies arrive as whole packets, never interleaved. Caller holds
// readerMu.
func (t *Timeline) fillLocked(p []byte) int {
	n := 0
	for _, typ := range tlstream.Types() {
		if n == len(p) {
			return n
		}
		st := &t.frames[typ]
		hdr := t.headers[typ]

		if st.phase == phaseIdle {
			if len(hdr) == 0 {
				st.phase = phaseBody
				continue
			}
			st.phase = phaseHeader
			st.remaining = len(hdr)
		}
		if st.phase == phaseHeader {
			c := copy(p[n:], hdr[len(hdr)-st.remaining:])
			n += c
			st.remaining -= c
			if st.remaining > 0 {
				return n
			}
			st.phase = phaseBody
		}
	}

	t.streamsMu.RLock()
	defer t.streamsMu.RUnlock()
	// A packet cut off by the previous read is finished first
	for _, s := range t.streams {
		if s != nil && s.MidPacket() {
			n += s.Drain(p[n:])
		}
	}
	for _, s := range t.streams {
		if n == len(p) {
			break
		}
		if s != nil {
			n += s.Drain(p[n:])
		}
	}
	return n
}

// pendingLocked reports whether fillLocked would produce at least one byte.
// Caller holds readerMu.
func (t *Timeline) pendingLocked() bool {
	for _, typ := range tlstream.Types() {
		st := t.frames[typ]
		if st.phase == phaseHeader || (st.phase == phaseIdle && len(t.headers[typ]) > 0) {
			return true
		}
	}

	t.streamsMu.RLock()
	defer t.streamsMu.RUnlock()
	for _, s := range t.streams {
		if s != nil && s.Pending() {
			return true
		}
	}
	return false
}
