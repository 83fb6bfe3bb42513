// Package record implements the typed application-record codec: structured
// messages serialized field-by-field in big-endian binary, grouped into two
// directional families whose concrete types are assigned stable 16-bit ids.
package record

import (
	"errors"
)

var (
	// ErrShortBuffer is returned when a reader runs out of bytes mid-field
	ErrShortBuffer = errors.New("record: short buffer")

	// ErrStringTooLong is returned when a string exceeds the 2-byte length prefix
	ErrStringTooLong = errors.New("record: string exceeds 65535 bytes")

	// ErrListTooLong is returned when a list exceeds the 2-byte count prefix
	ErrListTooLong = errors.New("record: list exceeds 65535 elements")

	// ErrUnknownRecord is returned when encoding or decoding an unregistered type
	ErrUnknownRecord = errors.New("record: unknown record type")
)

// Record is a concrete application message. Implementations are pointer
// structs providing their fully-qualified name, their field declarations
// (used for the protocol hash), and their binary codec.
type Record interface {
	RecordName() string
	RecordFields() []Field
	MarshalRecord(w *Writer) error
	UnmarshalRecord(r *Reader) error
}

// Field describes one named, typed record field in declaration order.
type Field struct {
	Name string
	Type string // canonical type descriptor, see the Type* constants
}

// Canonical type descriptors. These feed the protocol hash, so they must be
// normalized identically by every implementation of the protocol.
const (
	TypeI8     = "i8"
	TypeU8     = "u8"
	TypeI16    = "i16"
	TypeI32    = "i32"
	TypeI64    = "i64"
	TypeF32    = "f32"
	TypeF64    = "f64"
	TypeBool   = "bool"
	TypeChar   = "char"
	TypeString = "str"
	TypeBytes  = "[B"
)

// TypeRecord returns the descriptor of a nested record type.
func TypeRecord(fqName string) string {
	return "L" + fqName + ";"
}

// TypeEnum returns the descriptor of an enum type.
func TypeEnum(fqName string) string {
	return "E" + fqName + ";"
}

// TypeList returns the descriptor of a list of elem.
func TypeList(elem string) string {
	return "List<" + elem + ">"
}

// TypeOptional returns the descriptor of an optional elem.
func TypeOptional(elem string) string {
	return "Optional<" + elem + ">"
}
