package capture

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/penwyp/go-gpu-timeline/internal/util"
	"github.com/zeebo/blake3"
)

// StreamInfo is one decoded stream header and the packets it carried
type StreamInfo struct {
	Name      string `json:"name"`
	Type      uint8  `json:"type"`
	Version   uint16 `json:"version"`
	PageSize  uint32 `json:"page_size"`
	PageCount uint32 `json:"page_count"`
	Messages  int    `json:"messages"`
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	// Decoded messages; zero for streams whose records are opaque
	Events uint64 `json:"events"`
}

// Report describes a capture file
type Report struct {
	Path        string       `json:"path"`
	Compression string       `json:"compression"`
	Streams     []StreamInfo `json:"streams"`
	HeaderBytes uint64       `json:"header_bytes"`
	BodyBytes   uint64       `json:"body_bytes"`
	Digest      string       `json:"blake3"`
}

// Inspect decodes the stream headers at the start of a capture, then
// splits the body into packets and accounts for each one under its stream
func Inspect(path string) (*Report, error) {
	in, compression, err := openInput(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer in.Close()

	hasher := blake3.New()
	r := io.TeeReader(in, hasher)

	report := &Report{Path: path, Compression: compression}
	descs := make(map[tlstream.Type]tlstream.Descriptor)
	for i := 0; i < int(tlstream.TypeCount); i++ {
		raw, err := readHeader(r)
		if err != nil {
			return nil, fmt.Errorf("stream header %d: %w", i, err)
		}
		d, n, err := tlstream.ParseHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("stream header %d: %w", i, err)
		}
		descs[tlstream.Type(d.Type)] = d
		report.HeaderBytes += uint64(n)
		report.Streams = append(report.Streams, StreamInfo{
			Name:      d.Name,
			Type:      d.Type,
			Version:   d.Version,
			PageSize:  d.PageSize,
			PageCount: d.PageCount,
			Messages:  len(d.Messages),
		})
	}

	hdr := make([]byte, tlstream.PacketHeaderSize)
	var payload []byte
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated packet header", tlstream.ErrBadPacket)
			}
			return nil, fmt.Errorf("failed to read capture body: %w", err)
		}
		typ, n, err := tlstream.ParsePacketHeader(hdr)
		if err != nil {
			return nil, err
		}
		info := report.stream(typ)
		d, ok := descs[typ]
		if info == nil || !ok {
			return nil, fmt.Errorf("%w: %s packet without a header", tlstream.ErrBadPacket, typ)
		}
		if n > int(d.PageSize) {
			return nil, fmt.Errorf("%w: %s packet of %d bytes exceeds page size %d", tlstream.ErrBadPacket, typ, n, d.PageSize)
		}

		if cap(payload) < n {
			payload = make([]byte, n)
		}
		payload = payload[:n]
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated %s packet", tlstream.ErrBadPacket, typ)
			}
			return nil, fmt.Errorf("failed to read capture body: %w", err)
		}

		events, err := countMessages(d, payload)
		if err != nil {
			return nil, err
		}
		info.Packets++
		info.Bytes += uint64(n)
		info.Events += events
		report.BodyBytes += uint64(tlstream.PacketHeaderSize + n)
	}
	report.Digest = hex.EncodeToString(hasher.Sum(nil))

	util.LogDebug("Capture inspected",
		util.F("path", path), util.F("streams", len(report.Streams)), util.F("body", report.BodyBytes))
	return report, nil
}

func (r *Report) stream(typ tlstream.Type) *StreamInfo {
	for i := range r.Streams {
		if tlstream.Type(r.Streams[i].Type) == typ {
			return &r.Streams[i]
		}
	}
	return nil
}

// countMessages walks a packet payload using the message sizes the stream
// header declares. Streams declaring no messages are not decoded.
func countMessages(d tlstream.Descriptor, payload []byte) (uint64, error) {
	if len(d.Messages) == 0 {
		return 0, nil
	}
	var count uint64
	for len(payload) > 0 {
		id, _, ok := tlstream.MessageID(payload)
		if !ok {
			return count, fmt.Errorf("%w: %s message truncated", tlstream.ErrBadPacket, d.Name)
		}
		size, ok := d.MessageSize(id)
		if !ok {
			return count, fmt.Errorf("%w: unknown %s message %d", tlstream.ErrBadPacket, d.Name, id)
		}
		if size > len(payload) {
			return count, fmt.Errorf("%w: %s message %d truncated", tlstream.ErrBadPacket, d.Name, id)
		}
		payload = payload[size:]
		count++
	}
	return count, nil
}

// readHeader pulls exactly one header off r without reading past it
func readHeader(r io.Reader) ([]byte, error) {
	preamble := make([]byte, len(tlstream.HeaderMagic)+4)
	if _, err := io.ReadFull(r, preamble); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, tlstream.ErrShortHeader
		}
		return nil, err
	}
	if string(preamble[:len(tlstream.HeaderMagic)]) != tlstream.HeaderMagic {
		return nil, fmt.Errorf("%w: bad magic %q", tlstream.ErrBadHeader, preamble[:len(tlstream.HeaderMagic)])
	}
	size := binary.LittleEndian.Uint32(preamble[len(tlstream.HeaderMagic):])
	if size > tlstream.MaxDescriptorSize {
		return nil, fmt.Errorf("%w: descriptor of %d bytes", tlstream.ErrBadHeader, size)
	}

	raw := make([]byte, len(preamble)+int(size))
	copy(raw, preamble)
	if _, err := io.ReadFull(r, raw[len(preamble):]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, tlstream.ErrShortHeader
		}
		return nil, err
	}
	return raw, nil
}

func (r *Report) JSON() ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(r, "", "  ")
}

func (r *Report) Table() string {
	overview := [][]string{
		{"FIELD", "VALUE"},
		{"Path", r.Path},
		{"Compression", r.Compression},
		{"Headers", util.FormatBytes(r.HeaderBytes)},
		{"Body", util.FormatBytes(r.BodyBytes)},
		{"BLAKE3", r.Digest},
	}
	streams := [][]string{{"STREAM", "VERSION", "PAGE SIZE", "PAGES", "MESSAGES", "PACKETS", "BYTES", "EVENTS"}}
	for _, s := range r.Streams {
		streams = append(streams, []string{
			s.Name,
			fmt.Sprintf("%d", s.Version),
			util.FormatBytes(uint64(s.PageSize)),
			fmt.Sprintf("%d", s.PageCount),
			fmt.Sprintf("%d", s.Messages),
			fmt.Sprintf("%d", s.Packets),
			util.FormatBytes(s.Bytes),
			fmt.Sprintf("%d", s.Events),
		})
	}
	return util.FormatTable(overview) + "\n" + util.FormatTable(streams)
}
