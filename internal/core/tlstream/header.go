package tlstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// HeaderMagic opens every stream header
const HeaderMagic = "GTL\x01"

// MaxDescriptorSize bounds the CBOR body a header may declare
const MaxDescriptorSize = 1 << 20

const (
	headerPreambleSize = len(HeaderMagic) + 4
	descriptorVersion  = 1
)

var (
	ErrBadHeader   = errors.New("malformed stream header")
	ErrShortHeader = errors.New("stream header truncated")
)

// MessageDesc describes one message a stream may carry. Args lists the
// argument names and widths in wire order, e.g. "ctx:u32,tgid:u32".
type MessageDesc struct {
	ID   uint32 `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Args string `cbor:"3,keyasint,omitempty"`
	Doc  string `cbor:"4,keyasint,omitempty"`
}

// Descriptor is the metadata a reader needs before it can parse a stream body
type Descriptor struct {
	Version   uint16        `cbor:"1,keyasint"`
	Name      string        `cbor:"2,keyasint"`
	Type      uint8         `cbor:"3,keyasint"`
	PageSize  uint32        `cbor:"4,keyasint"`
	PageCount uint32        `cbor:"5,keyasint"`
	Messages  []MessageDesc `cbor:"6,keyasint,omitempty"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// NewDescriptor describes a stream of the given type and geometry
func NewDescriptor(typ Type, pageSize, pageCount int) Descriptor {
	return Descriptor{
		Version:   descriptorVersion,
		Name:      typ.String(),
		Type:      uint8(typ),
		PageSize:  uint32(pageSize),
		PageCount: uint32(pageCount),
		Messages:  messageTable(typ),
	}
}

// MessageSize returns the encoded size of message id, prefix included,
// as declared by the Args widths
func (d Descriptor) MessageSize(id uint32) (int, bool) {
	for _, m := range d.Messages {
		if m.ID != id {
			continue
		}
		size := messagePrefixSize
		if m.Args == "" {
			return size, true
		}
		for _, arg := range strings.Split(m.Args, ",") {
			_, width, _ := strings.Cut(arg, ":")
			switch width {
			case "u32":
				size += 4
			case "u64":
				size += 8
			default:
				return 0, false
			}
		}
		return size, true
	}
	return 0, false
}

// EncodeHeader serializes d as magic, little-endian body length, CBOR body
func EncodeHeader(d Descriptor) ([]byte, error) {
	body, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s descriptor: %w", d.Name, err)
	}

	out := make([]byte, headerPreambleSize, headerPreambleSize+len(body))
	copy(out, HeaderMagic)
	binary.LittleEndian.PutUint32(out[len(HeaderMagic):], uint32(len(body)))
	return append(out, body...), nil
}

// ParseHeader decodes the header at the start of b and returns the number
// of bytes it occupied.
func ParseHeader(b []byte) (Descriptor, int, error) {
	var d Descriptor
	if len(b) < headerPreambleSize {
		return d, 0, ErrShortHeader
	}
	if string(b[:len(HeaderMagic)]) != HeaderMagic {
		return d, 0, fmt.Errorf("%w: bad magic %q", ErrBadHeader, b[:len(HeaderMagic)])
	}
	size := binary.LittleEndian.Uint32(b[len(HeaderMagic):])
	if size > MaxDescriptorSize {
		return d, 0, fmt.Errorf("%w: descriptor of %d bytes", ErrBadHeader, size)
	}
	end := headerPreambleSize + int(size)
	if len(b) < end {
		return d, 0, ErrShortHeader
	}
	if err := cbor.Unmarshal(b[headerPreambleSize:end], &d); err != nil {
		return d, 0, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return d, end, nil
}
