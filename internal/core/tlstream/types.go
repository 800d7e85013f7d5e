package tlstream

import "fmt"

// Type identifies one trace category. The numeric order is the order in
// which a reader receives headers and bodies.
type Type int

const (
	// TypeObj carries object lifecycle events (contexts, atoms, address spaces)
	TypeObj Type = iota
	// TypeAux carries auxiliary annotations (page faults, soft-stops, power)
	TypeAux
	// TypeFirmware carries records pushed by the firmware trace reader
	TypeFirmware

	TypeCount
)

// Types returns every stream type in framing order
func Types() []Type {
	types := make([]Type, 0, TypeCount)
	for t := Type(0); t < TypeCount; t++ {
		types = append(types, t)
	}
	return types
}

func (t Type) Valid() bool {
	return t >= 0 && t < TypeCount
}

func (t Type) String() string {
	switch t {
	case TypeObj:
		return "obj"
	case TypeAux:
		return "aux"
	case TypeFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Sink accepts events for a stream type
type Sink interface {
	Emit(typ Type, event []byte) error
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
