package tlstream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/penwyp/go-gpu-timeline/internal/util"
)

var (
	ErrEventTooLarge = errors.New("event larger than stream page")
	ErrInvalidLayout = errors.New("invalid stream page layout")
)

// Stats is a point-in-time snapshot of stream counters
type Stats struct {
	Type      Type   `json:"type"`
	Events    uint64 `json:"events"`
	Appended  uint64 `json:"appended_bytes"`
	Drained   uint64 `json:"drained_bytes"`
	Lost      uint64 `json:"lost_bytes"`
	Oversized uint64 `json:"oversized_events"`
	Flushes   uint64 `json:"flushes"`
	Packets   uint64 `json:"packets"`
	Buffered  uint64 `json:"buffered_bytes"`
}

// Stream is a ring of fixed-size pages for one trace category.
//
// Pages in [rbi, wbi) are readable and immutable; page wbi is the one
// producers write into. An event never straddles two pages. When every
// other page is readable the oldest unstarted one is overwritten, so a
// packet already partly delivered is always completed. Each page keeps
// room for a packet header in front of its payload; the header is written
// when the page is submitted, so readers receive self-delimiting packets.
type Stream struct {
	mu       sync.Mutex
	typ      Type
	pageSize int
	pages    [][]byte
	used     []int // payload bytes per page

	wbi  uint64 // write page index, monotonic
	rbi  uint64 // oldest readable page index, monotonic
	roff int    // read offset within page rbi, packet header included

	stats Stats
}

// NewStream allocates pageCount pages of pageSize bytes
func NewStream(typ Type, pageSize, pageCount int) (*Stream, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown stream type %d", ErrInvalidLayout, int(typ))
	}
	if pageSize <= 0 || pageCount < 2 {
		return nil, fmt.Errorf("%w: page size %d, page count %d", ErrInvalidLayout, pageSize, pageCount)
	}

	pages := make([][]byte, pageCount)
	for i := range pages {
		pages[i] = make([]byte, PacketHeaderSize+pageSize)
	}
	return &Stream{
		typ:      typ,
		pageSize: pageSize,
		pages:    pages,
		used:     make([]int, pageCount),
		stats:    Stats{Type: typ},
	}, nil
}

func (s *Stream) Type() Type { return s.typ }

func (s *Stream) PageSize() int { return s.pageSize }

func (s *Stream) PageCount() int { return len(s.pages) }

func (s *Stream) slot(idx uint64) int {
	return int(idx % uint64(len(s.pages)))
}

// Append copies event into the current write page. Concurrent callers are
// serialized so events are never interleaved. submitted reports whether a
// page became readable.
func (s *Stream) Append(event []byte) (submitted bool, err error) {
	if len(event) > s.pageSize {
		s.mu.Lock()
		s.stats.Oversized++
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s event of %d bytes, page is %d", ErrEventTooLarge, s.typ, len(event), s.pageSize)
	}
	if len(event) == 0 {
		return false, nil
	}

	s.mu.Lock()
	var lost int
	w := s.slot(s.wbi)
	if s.used[w]+len(event) > s.pageSize {
		lost += s.submitLocked()
		submitted = true
		w = s.slot(s.wbi)
	}
	copy(s.pages[w][PacketHeaderSize+s.used[w]:], event)
	s.used[w] += len(event)
	s.stats.Events++
	s.stats.Appended += uint64(len(event))
	if s.used[w] == s.pageSize {
		lost += s.submitLocked()
		submitted = true
	}
	s.mu.Unlock()

	if lost > 0 {
		util.LogWarn("Stream overrun, oldest page overwritten",
			util.F("stream", s.typ.String()), util.F("lost_bytes", lost))
	}
	return submitted, nil
}

// payloadRead returns how much of page rbi's payload has been drained
func (s *Stream) payloadRead() int {
	if s.roff <= PacketHeaderSize {
		return 0
	}
	return s.roff - PacketHeaderSize
}

// submitLocked seals the write page with its packet header and moves to
// the next page. If the ring is full the oldest packet the reader has not
// started is discarded. Returns the number of payload bytes discarded.
func (s *Stream) submitLocked() int {
	w := s.slot(s.wbi)
	putPacketHeader(s.pages[w], s.typ, s.used[w])
	s.stats.Packets++

	s.wbi++
	lost := 0
	if s.wbi-s.rbi >= uint64(len(s.pages)) {
		if s.roff > 0 {
			// The reader is inside the oldest packet; the next one is
			// dropped in its place
			a, b := s.slot(s.rbi), s.slot(s.rbi+1)
			s.pages[a], s.pages[b] = s.pages[b], s.pages[a]
			s.used[a], s.used[b] = s.used[b], s.used[a]
		}
		lost = s.used[s.slot(s.rbi)]
		s.stats.Lost += uint64(lost)
		s.rbi++
	}
	s.used[s.slot(s.wbi)] = 0
	return lost
}

// Flush makes a partially filled write page readable. Returns false when
// the write page is empty.
func (s *Stream) Flush() bool {
	s.mu.Lock()
	if s.used[s.slot(s.wbi)] == 0 {
		s.mu.Unlock()
		return false
	}
	lost := s.submitLocked()
	s.stats.Flushes++
	s.mu.Unlock()

	if lost > 0 {
		util.LogWarn("Stream overrun on flush, oldest page overwritten",
			util.F("stream", s.typ.String()), util.F("lost_bytes", lost))
	}
	return true
}

// Drain copies readable packets into dst, oldest first, and returns the
// count. A packet header is only ever copied whole; a partially consumed
// payload is resumed on the next call. Fully consumed pages are recycled.
func (s *Stream) Drain(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(dst) && s.rbi != s.wbi {
		if s.roff == 0 && len(dst)-n < PacketHeaderSize {
			break
		}
		r := s.slot(s.rbi)
		before := s.payloadRead()
		c := copy(dst[n:], s.pages[r][s.roff:PacketHeaderSize+s.used[r]])
		n += c
		s.roff += c
		s.stats.Drained += uint64(s.payloadRead() - before)
		if s.roff == PacketHeaderSize+s.used[r] {
			s.used[r] = 0
			s.rbi++
			s.roff = 0
		}
	}
	return n
}

// MidPacket reports whether a packet has been partly drained
func (s *Stream) MidPacket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roff > 0
}

// Pending reports whether any readable page is waiting to be drained
func (s *Stream) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rbi != s.wbi
}

// Reset discards every page, readable or not. Counters are kept.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.used {
		s.used[i] = 0
	}
	s.wbi, s.rbi, s.roff = 0, 0, 0
}

func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	for idx := s.rbi; idx <= s.wbi; idx++ {
		st.Buffered += uint64(s.used[s.slot(idx)])
	}
	st.Buffered -= uint64(s.payloadRead())
	return st
}
