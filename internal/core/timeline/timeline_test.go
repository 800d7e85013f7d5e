package timeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/constants"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTimeline builds a timeline with small pages, no hysteresis and an
// autoflush interval long enough to stay out of the way.
func newTestTimeline(t *testing.T, cfg Config) *Timeline {
	t.Helper()
	if cfg.PageSize == 0 {
		cfg.PageSize = 256
	}
	if cfg.PageCount == 0 {
		cfg.PageCount = 16
	}
	if cfg.AutoflushInterval == 0 {
		cfg.AutoflushInterval = time.Hour
	}
	tl, err := New(cfg)
	require.NoError(t, err)
	tl.hysteresis = 0
	t.Cleanup(tl.Term)
	return tl
}

func plainHeaders(obj, aux, fw string) map[tlstream.Type][]byte {
	return map[tlstream.Type][]byte{
		tlstream.TypeObj:      []byte(obj),
		tlstream.TypeAux:      []byte(aux),
		tlstream.TypeFirmware: []byte(fw),
	}
}

// readAll drains s with TryRead in chunks of size until nothing is pending
func readAll(t *testing.T, s *Session, size int) ([]byte, int) {
	t.Helper()
	var out []byte
	calls := 0
	buf := make([]byte, size)
	for {
		n, err := s.TryRead(buf)
		if errors.Is(err, ErrWouldBlock) {
			return out, calls
		}
		require.NoError(t, err)
		require.Positive(t, n)
		calls++
		out = append(out, buf[:n]...)
	}
}

// splitBody decodes a session body into per-stream payloads
func splitBody(t *testing.T, body []byte) map[tlstream.Type][]byte {
	t.Helper()
	packets, err := tlstream.SplitPackets(body)
	require.NoError(t, err)
	out := make(map[tlstream.Type][]byte)
	for _, p := range packets {
		out[p.Type] = append(out[p.Type], p.Payload...)
	}
	return out
}

func TestNewRejectsBadConfig(t *testing.T) {
	tl, err := New(Config{PageSize: 64, PageCount: 1})
	assert.ErrorIs(t, err, ErrInit)
	assert.Nil(t, tl)

	tl, err = New(Config{Headers: map[tlstream.Type][]byte{tlstream.TypeCount: nil}})
	assert.ErrorIs(t, err, ErrInit)
	assert.Nil(t, tl)
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, constants.PageSize, cfg.PageSize)
	assert.Equal(t, constants.PageCount, cfg.PageCount)
	assert.Equal(t, constants.AutoflushInterval, cfg.AutoflushInterval)
}

func TestAcquireTwiceFails(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})

	s, err := tl.Acquire(constants.FlagLatencyTracepoints)
	require.NoError(t, err)
	assert.True(t, tl.Enabled())
	assert.Equal(t, constants.FlagLatencyTracepoints, tl.Flags())

	_, err = tl.Acquire(constants.FlagLatencyTracepoints)
	assert.ErrorIs(t, err, ErrAlreadyAcquired)

	require.NoError(t, s.Close())
	assert.False(t, tl.Enabled())
	assert.Zero(t, tl.Flags())

	s2, err := tl.Acquire(0)
	require.NoError(t, err)
	assert.True(t, tl.Enabled(), "zero client flags still mark the timeline acquired")
	require.NoError(t, s2.Close())
}

func TestAcquireInvalidFlags(t *testing.T) {
	tl := newTestTimeline(t, Config{})

	_, err := tl.Acquire(1 << 20)
	assert.ErrorIs(t, err, ErrInvalidFlags)
	assert.False(t, tl.Enabled())
}

func TestCloseTwiceFails(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrSessionClosed)
	assert.ErrorIs(t, tl.Release(nil), ErrSessionClosed)
}

func TestReleaseWaitsOutHysteresis(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})
	tl.hysteresis = constants.HysteresisTimeout

	s, err := tl.Acquire(0)
	require.NoError(t, err)

	start := time.Now()
	remaining := constants.HysteresisTimeout - start.Sub(s.AcquiredAt())
	require.NoError(t, s.Close())

	assert.GreaterOrEqual(t, time.Since(start), remaining)
	assert.GreaterOrEqual(t, time.Since(s.AcquiredAt()), constants.HysteresisTimeout)
	assert.False(t, tl.Enabled())
}

func TestReleaseAfterHysteresisIsImmediate(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})
	tl.hysteresis = 100 * time.Millisecond

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestReadSmallEventsWithHeader(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("", "AUX!", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0x1)
	require.NoError(t, err)
	defer s.Close()

	events := [][]byte{
		bytes.Repeat([]byte{'a'}, 10),
		bytes.Repeat([]byte{'b'}, 20),
		bytes.Repeat([]byte{'c'}, 5),
	}
	var payload []byte
	for _, ev := range events {
		require.NoError(t, tl.Emit(tlstream.TypeAux, ev))
		payload = append(payload, ev...)
	}
	require.NoError(t, s.Sync())
	want := tlstream.AppendPacketHeader([]byte("AUX!"), tlstream.TypeAux, len(payload))
	want = append(want, payload...)

	got, calls := readAll(t, s, 40)
	assert.Equal(t, want, got)
	assert.LessOrEqual(t, calls, 2)
	assert.Equal(t, uint64(len(want)), tl.BytesCollected())
}

func TestHeaderDeliveredInFragments(t *testing.T) {
	header := make([]byte, 101)
	for i := range header {
		header[i] = byte(i * 7)
	}
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders(string(header), "", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	got, calls := readAll(t, s, 7)
	assert.Equal(t, header, got)
	assert.Equal(t, 15, calls)
}

func TestHeadersPrecedeBodiesInTypeOrder(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("OBJHDR", "AUXHDR", "FWHDR"),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(constants.FlagFirmwareTracepoints)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, tl.Emit(tlstream.TypeFirmware, []byte("fw-1")))
	require.NoError(t, tl.Emit(tlstream.TypeAux, []byte("aux-1")))
	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("obj-1")))
	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("obj-2")))
	require.NoError(t, s.Sync())

	got, _ := readAll(t, s, 9)
	require.Greater(t, len(got), 17)
	assert.Equal(t, "OBJHDRAUXHDRFWHDR", string(got[:17]))

	packets, err := tlstream.SplitPackets(got[17:])
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Equal(t, tlstream.Packet{Type: tlstream.TypeObj, Payload: []byte("obj-1obj-2")}, packets[0])
	assert.Equal(t, tlstream.Packet{Type: tlstream.TypeAux, Payload: []byte("aux-1")}, packets[1])
	assert.Equal(t, tlstream.Packet{Type: tlstream.TypeFirmware, Payload: []byte("fw-1")}, packets[2])
}

func TestWouldBlockOnlyWhenEverythingIsEmpty(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("H", "", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 16)
	n, err := s.TryRead(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.TryRead(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	// Obj and aux stay empty; the firmware stream alone must be enough
	require.NoError(t, tl.Emit(tlstream.TypeFirmware, []byte("late")))
	_, err = s.TryRead(buf)
	assert.ErrorIs(t, err, ErrWouldBlock, "unflushed data is not readable")

	require.NoError(t, s.Sync())
	n, err = s.TryRead(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(splitBody(t, buf[:n])[tlstream.TypeFirmware]))
}

func TestEmptyReadBuffer(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("H", "", "")})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.TryRead(nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewSessionRestartsFraming(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("0123456789", "", ""),
		DisableStateDump: true,
	})

	first, err := tl.Acquire(0)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := first.TryRead(buf)
	require.NoError(t, err)
	require.Equal(t, "0123", string(buf[:n]))

	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("stale")))
	require.NoError(t, first.Sync())
	require.NoError(t, first.Close())

	_, err = first.TryRead(buf)
	assert.ErrorIs(t, err, ErrEndOfSession)

	second, err := tl.Acquire(0)
	require.NoError(t, err)
	defer second.Close()

	got, _ := readAll(t, second, 4)
	assert.Equal(t, "0123456789", string(got), "header restarts and stale body is discarded")

	_, err = first.TryRead(buf)
	assert.ErrorIs(t, err, ErrEndOfSession, "old handle stays dead after reacquisition")
}

func TestReleaseWakesBlockedReader(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("", "", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := s.ReadContext(context.Background(), make([]byte, 16))
		result <- err
	}()

	// Give the reader time to park
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("reader returned early: %v", err)
	default:
	}

	require.NoError(t, s.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrEndOfSession)
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken by release")
	}
}

func TestReadContextCancellation(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("", "", ""), DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.ReadContext(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAutoflushWakesIdleReader(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:           plainHeaders("", "", ""),
		AutoflushInterval: 20 * time.Millisecond,
		DisableStateDump:  true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	assert.True(t, tl.Stats().AutoflushActive)

	result := make(chan error, 1)
	go func() {
		_, err := s.ReadContext(context.Background(), make([]byte, 16))
		result <- err
	}()

	time.Sleep(75 * time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("idle reader returned: %v", err)
	default:
	}
	assert.GreaterOrEqual(t, tl.Stats().ReaderWakeups, uint64(2))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-result, ErrEndOfSession)
	assert.False(t, tl.Stats().AutoflushActive)
}

func TestAutoflushMakesEventsVisible(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:           plainHeaders("", "", ""),
		AutoflushInterval: 10 * time.Millisecond,
		DisableStateDump:  true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, tl.Emit(tlstream.TypeAux, []byte("tick")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 16)
	n, err := s.ReadContext(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "tick", string(splitBody(t, buf[:n])[tlstream.TypeAux]))
}

func TestEmitDroppedWhileReleased(t *testing.T) {
	tl := newTestTimeline(t, Config{})

	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("nobody listening")))
	for _, st := range tl.Stats().Streams {
		assert.Zero(t, st.Events)
	}
}

func TestEmitErrors(t *testing.T) {
	tl := newTestTimeline(t, Config{PageSize: 32, DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, tl.Emit(tlstream.TypeAux, make([]byte, 33)), tlstream.ErrEventTooLarge)
	assert.ErrorIs(t, tl.Emit(tlstream.Type(42), []byte("x")), ErrUnknownStream)
	assert.NoError(t, tl.Emit(tlstream.TypeAux, make([]byte, 32)))
}

func TestPoll(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("HH", "", ""), DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)

	ready, err := s.Poll()
	require.NoError(t, err)
	assert.True(t, ready, "pending header counts as data")

	readAll(t, s, 8)
	ready, err = s.Poll()
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("x")))
	require.NoError(t, s.Sync())
	ready, err = s.Poll()
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, s.Close())
	_, err = s.Poll()
	assert.ErrorIs(t, err, ErrEndOfSession)
	assert.ErrorIs(t, s.Sync(), ErrSessionClosed)
}

func TestSessionImplementsReader(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("HDR", "", ""), DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)

	var r io.Reader = s
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "HDR", string(buf[:n]))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Close()
	}()
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDefaultHeadersParse(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	got, _ := readAll(t, s, 13)
	off := 0
	for _, typ := range tlstream.Types() {
		desc, n, err := tlstream.ParseHeader(got[off:])
		require.NoError(t, err)
		assert.Equal(t, typ.String(), desc.Name)
		assert.Equal(t, uint32(256), desc.PageSize)
		off += n
	}
	assert.Equal(t, len(got), off)
}

func TestStateDumpOnAcquire(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("", "", "")})

	require.NoError(t, tl.RegisterContext(Context{ID: 1, TGID: 100}))
	require.NoError(t, tl.RegisterContext(Context{ID: 2, TGID: 200}))

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	raw, _ := readAll(t, s, 64)
	got := splitBody(t, raw)[tlstream.TypeObj]
	newCtxSize := len(tlstream.EncodeNewCtx(0, 0, 0))
	endSize := len(tlstream.EncodeSummaryEnd(0))
	require.Len(t, got, 2*newCtxSize+endSize)

	ids := []uint32{}
	for off := 0; off < len(got); {
		id, _, ok := tlstream.MessageID(got[off:])
		require.True(t, ok)
		ids = append(ids, id)
		if id == tlstream.MsgNewCtx {
			off += newCtxSize
		} else {
			off += endSize
		}
	}
	assert.Equal(t, []uint32{tlstream.MsgNewCtx, tlstream.MsgNewCtx, tlstream.MsgSummaryEnd}, ids)
}

func TestContextLifecycleWhileAcquired(t *testing.T) {
	tl := newTestTimeline(t, Config{Headers: plainHeaders("", "", ""), DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, tl.RegisterContext(Context{ID: 9, TGID: 1}))
	assert.True(t, tl.UnregisterContext(9))
	assert.False(t, tl.UnregisterContext(9))
	require.NoError(t, s.Sync())

	raw, _ := readAll(t, s, 64)
	got := splitBody(t, raw)[tlstream.TypeObj]
	id, _, ok := tlstream.MessageID(got)
	require.True(t, ok)
	assert.Equal(t, tlstream.MsgNewCtx, id)
	id, _, ok = tlstream.MessageID(got[len(tlstream.EncodeNewCtx(0, 0, 0)):])
	require.True(t, ok)
	assert.Equal(t, tlstream.MsgDelCtx, id)
}

func TestTermEndsSession(t *testing.T) {
	tl := newTestTimeline(t, Config{DisableStateDump: true})

	s, err := tl.Acquire(0)
	require.NoError(t, err)

	tl.Term()
	_, err = s.TryRead(make([]byte, 8))
	assert.ErrorIs(t, err, ErrEndOfSession)
	assert.False(t, tl.Enabled())

	_, err = tl.Acquire(0)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.NoError(t, s.Close())
}

func TestConcurrentProducersWhileReading(t *testing.T) {
	tl := newTestTimeline(t, Config{
		PageSize:          512,
		PageCount:         4096,
		Headers:           plainHeaders("", "", ""),
		AutoflushInterval: 5 * time.Millisecond,
		DisableStateDump:  true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	// Event: producer id, u16 sequence number, padding up to 4+id bytes
	const producers = 6
	const perProducer = 300
	var wg sync.WaitGroup
	expected := 0
	for p := 0; p < producers; p++ {
		typ := tlstream.Types()[p%int(tlstream.TypeCount)]
		size := 4 + p
		expected += size * perProducer
		wg.Add(1)
		go func(typ tlstream.Type, id byte, size int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				event := make([]byte, size)
				event[0] = id
				binary.LittleEndian.PutUint16(event[1:], uint16(i))
				assert.NoError(t, tl.Emit(typ, event))
			}
		}(typ, byte(p), size)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	drained := func() int {
		sum := 0
		for _, st := range tl.Stats().Streams {
			sum += int(st.Drained)
		}
		return sum
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var body []byte
	buf := make([]byte, 333)
	for drained() < expected {
		n, err := s.ReadContext(ctx, buf)
		require.NoError(t, err)
		body = append(body, buf[:n]...)
	}
	<-done

	total := 0
	for typ, payload := range splitBody(t, body) {
		next := make(map[byte]uint16)
		for i := 0; i < len(payload); {
			id := payload[i]
			require.Equal(t, typ, tlstream.Types()[int(id)%int(tlstream.TypeCount)])
			seq := binary.LittleEndian.Uint16(payload[i+1:])
			assert.Equal(t, next[id], seq, "producer %d out of order", id)
			next[id] = seq + 1
			i += 4 + int(id)
		}
		total += len(payload)
	}
	assert.Equal(t, expected, total)
}

func TestFullPageWakesBlockedReader(t *testing.T) {
	tl := newTestTimeline(t, Config{
		PageSize:          32,
		Headers:           plainHeaders("", "", ""),
		AutoflushInterval: time.Hour,
		DisableStateDump:  true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		buf := make([]byte, 64)
		n, err := s.ReadContext(ctx, buf)
		results <- result{data: buf[:n], err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	event := bytes.Repeat([]byte{'p'}, 32)
	require.NoError(t, tl.Emit(tlstream.TypeAux, event))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, event, splitBody(t, r.data)[tlstream.TypeAux])
	case <-time.After(time.Second):
		t.Fatal("reader not woken by a page filling up")
	}
}

func TestReadNeverSplitsPacketHeader(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("", "", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, tl.Emit(tlstream.TypeObj, []byte("payload")))
	require.NoError(t, s.Sync())

	_, err = s.TryRead(make([]byte, tlstream.PacketHeaderSize-1))
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	buf := make([]byte, tlstream.PacketHeaderSize)
	n, err := s.TryRead(buf)
	require.NoError(t, err)
	typ, size, err := tlstream.ParsePacketHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, tlstream.TypeObj, typ)
	assert.Equal(t, len("payload"), size)

	// Payload bytes may be split freely
	rest, calls := readAll(t, s, 3)
	assert.Equal(t, "payload", string(rest))
	assert.Equal(t, 3, calls)
}

func TestInterleavedSessionDemultiplexes(t *testing.T) {
	tl := newTestTimeline(t, Config{
		Headers:          plainHeaders("", "", ""),
		DisableStateDump: true,
	})

	s, err := tl.Acquire(0)
	require.NoError(t, err)
	defer s.Close()

	// Obj and aux message ids overlap; only packet framing tells them apart
	require.NoError(t, tl.Emit(tlstream.TypeObj, tlstream.EncodeNewCtx(1, 7, 70)))
	require.NoError(t, tl.Emit(tlstream.TypeAux, tlstream.EncodeAuxJobSoftstop(2, 99)))
	require.NoError(t, s.Sync())
	first, _ := readAll(t, s, 64)

	require.NoError(t, tl.Emit(tlstream.TypeObj, tlstream.EncodeDelCtx(3, 7)))
	require.NoError(t, s.Sync())
	second, _ := readAll(t, s, 64)

	packets, err := tlstream.SplitPackets(append(first, second...))
	require.NoError(t, err)
	types := []tlstream.Type{}
	for _, p := range packets {
		types = append(types, p.Type)
	}
	assert.Equal(t, []tlstream.Type{tlstream.TypeObj, tlstream.TypeAux, tlstream.TypeObj}, types)

	type msg struct {
		id uint32
		ts uint64
	}
	decode := func(payload []byte, sizes map[uint32]int) []msg {
		var out []msg
		for len(payload) > 0 {
			id, ts, ok := tlstream.MessageID(payload)
			require.True(t, ok)
			out = append(out, msg{id, ts})
			payload = payload[sizes[id]:]
		}
		return out
	}

	streams := splitBody(t, append(first, second...))
	obj := decode(streams[tlstream.TypeObj], map[uint32]int{
		tlstream.MsgNewCtx: len(tlstream.EncodeNewCtx(0, 0, 0)),
		tlstream.MsgDelCtx: len(tlstream.EncodeDelCtx(0, 0)),
	})
	aux := decode(streams[tlstream.TypeAux], map[uint32]int{
		tlstream.MsgAuxJobSoftstop: len(tlstream.EncodeAuxJobSoftstop(0, 0)),
	})
	assert.Equal(t, []msg{{tlstream.MsgNewCtx, 1}, {tlstream.MsgDelCtx, 3}}, obj)
	assert.Equal(t, []msg{{tlstream.MsgAuxJobSoftstop, 2}}, aux)
}

func TestAcquireRacingTermLeavesNoTimer(t *testing.T) {
	for i := 0; i < 200; i++ {
		tl := newTestTimeline(t, Config{DisableStateDump: true})

		acquired := make(chan *Session, 1)
		go func() {
			s, err := tl.Acquire(0)
			if err != nil {
				assert.ErrorIs(t, err, ErrTerminated)
			}
			acquired <- s
		}()
		tl.Term()

		if s := <-acquired; s != nil {
			// Acquired before Term: Term ended the session itself
			assert.NoError(t, s.Close())
		}
		assert.False(t, tl.autoflush.Active(), "iteration %d", i)
		assert.False(t, tl.Enabled(), "iteration %d", i)
	}
}
