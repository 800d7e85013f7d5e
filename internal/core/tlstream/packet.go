package tlstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketHeaderSize is the size of the header in front of every page a
// reader receives: u32 stream type, u32 payload length, little endian.
const PacketHeaderSize = 8

var ErrBadPacket = errors.New("malformed stream packet")

// Packet is one submitted page as delivered to a reader
type Packet struct {
	Type    Type
	Payload []byte
}

// AppendPacketHeader appends the header for a packet of n payload bytes
func AppendPacketHeader(dst []byte, typ Type, n int) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(typ))
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

func putPacketHeader(b []byte, typ Type, n int) {
	binary.LittleEndian.PutUint32(b, uint32(typ))
	binary.LittleEndian.PutUint32(b[4:], uint32(n))
}

// ParsePacketHeader decodes the packet header at the start of b
func ParsePacketHeader(b []byte) (Type, int, error) {
	if len(b) < PacketHeaderSize {
		return 0, 0, fmt.Errorf("%w: %d byte header", ErrBadPacket, len(b))
	}
	typ := Type(binary.LittleEndian.Uint32(b))
	if !typ.Valid() {
		return 0, 0, fmt.Errorf("%w: stream type %d", ErrBadPacket, int(typ))
	}
	return typ, int(binary.LittleEndian.Uint32(b[4:])), nil
}

// SplitPackets decodes a session body into its packets. The payloads
// alias b.
func SplitPackets(b []byte) ([]Packet, error) {
	var packets []Packet
	for len(b) > 0 {
		typ, n, err := ParsePacketHeader(b)
		if err != nil {
			return packets, err
		}
		b = b[PacketHeaderSize:]
		if n > len(b) {
			return packets, fmt.Errorf("%w: %s packet of %d bytes, %d left", ErrBadPacket, typ, n, len(b))
		}
		packets = append(packets, Packet{Type: typ, Payload: b[:n]})
		b = b[n:]
	}
	return packets, nil
}
