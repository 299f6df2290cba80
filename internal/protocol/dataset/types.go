// Package dataset encodes and decodes TRDP process and message data payloads:
// a flat sequence of fixed-width big-endian fields in declaration order.
package dataset

import "fmt"

// Type is a TRDP dataset element type.
type Type uint8

const (
	Bool8 Type = iota + 1
	Char8
	UTF16
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Real32
	Real64
	TimeDate32
	TimeDate48
	TimeDate64
)

var typeInfo = map[Type]struct {
	name string
	size int
}{
	Bool8:      {"BOOL8", 1},
	Char8:      {"CHAR8", 1},
	UTF16:      {"UTF16", 2},
	Int8:       {"INT8", 1},
	Int16:      {"INT16", 2},
	Int32:      {"INT32", 4},
	Int64:      {"INT64", 8},
	Uint8:      {"UINT8", 1},
	Uint16:     {"UINT16", 2},
	Uint32:     {"UINT32", 4},
	Uint64:     {"UINT64", 8},
	Real32:     {"REAL32", 4},
	Real64:     {"REAL64", 8},
	TimeDate32: {"TIMEDATE32", 4},
	TimeDate48: {"TIMEDATE48", 6},
	TimeDate64: {"TIMEDATE64", 8},
}

// Size returns the encoded width of t in bytes, or 0 for an unknown type.
func (t Type) Size() int {
	return typeInfo[t].size
}

// Valid reports whether t is a known element type.
func (t Type) Valid() bool {
	_, ok := typeInfo[t]
	return ok
}

func (t Type) String() string {
	if info, ok := typeInfo[t]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// ParseType resolves a type by its TRDP name, e.g. "UINT32".
func ParseType(name string) (Type, error) {
	for t, info := range typeInfo {
		if info.name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// FieldDef declares one element of a dataset layout.
type FieldDef struct {
	Name string
	Type Type
}

// Field is one encoded dataset element.
type Field struct {
	Name  string
	Type  Type
	Value []byte
}
