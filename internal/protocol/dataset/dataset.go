package dataset

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Dataset is an ordered set of named fields. Builders append in call order,
// which is also the wire order.
type Dataset struct {
	fields []Field
	index  map[string]int
}

// New returns an empty dataset.
func New() *Dataset {
	return &Dataset{index: make(map[string]int)}
}

func (d *Dataset) add(name string, t Type, value []byte) *Dataset {
	if _, ok := d.index[name]; !ok {
		d.index[name] = len(d.fields)
	}
	d.fields = append(d.fields, Field{Name: name, Type: t, Value: value})
	return d
}

func (d *Dataset) AddBool8(name string, v bool) *Dataset {
	b := byte(0)
	if v {
		b = 1
	}
	return d.add(name, Bool8, []byte{b})
}

func (d *Dataset) AddChar8(name string, v byte) *Dataset {
	return d.add(name, Char8, []byte{v})
}

func (d *Dataset) AddUTF16(name string, v uint16) *Dataset {
	return d.add(name, UTF16, binary.BigEndian.AppendUint16(nil, v))
}

func (d *Dataset) AddInt8(name string, v int8) *Dataset {
	return d.add(name, Int8, []byte{byte(v)})
}

func (d *Dataset) AddInt16(name string, v int16) *Dataset {
	return d.add(name, Int16, binary.BigEndian.AppendUint16(nil, uint16(v)))
}

func (d *Dataset) AddInt32(name string, v int32) *Dataset {
	return d.add(name, Int32, binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func (d *Dataset) AddInt64(name string, v int64) *Dataset {
	return d.add(name, Int64, binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (d *Dataset) AddUint8(name string, v uint8) *Dataset {
	return d.add(name, Uint8, []byte{v})
}

func (d *Dataset) AddUint16(name string, v uint16) *Dataset {
	return d.add(name, Uint16, binary.BigEndian.AppendUint16(nil, v))
}

func (d *Dataset) AddUint32(name string, v uint32) *Dataset {
	return d.add(name, Uint32, binary.BigEndian.AppendUint32(nil, v))
}

func (d *Dataset) AddUint64(name string, v uint64) *Dataset {
	return d.add(name, Uint64, binary.BigEndian.AppendUint64(nil, v))
}

func (d *Dataset) AddReal32(name string, v float32) *Dataset {
	return d.add(name, Real32, binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
}

func (d *Dataset) AddReal64(name string, v float64) *Dataset {
	return d.add(name, Real64, binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

// AddTimeDate32 stores whole seconds since the Unix epoch.
func (d *Dataset) AddTimeDate32(name string, v time.Time) *Dataset {
	return d.add(name, TimeDate32, binary.BigEndian.AppendUint32(nil, uint32(v.Unix())))
}

// AddTimeDate48 stores seconds plus the low 16 bits of the microsecond part.
func (d *Dataset) AddTimeDate48(name string, v time.Time) *Dataset {
	b := binary.BigEndian.AppendUint32(nil, uint32(v.Unix()))
	micros := v.Nanosecond() / 1000
	return d.add(name, TimeDate48, binary.BigEndian.AppendUint16(b, uint16(micros&0xFFFF)))
}

// AddTimeDate64 stores seconds plus microseconds.
func (d *Dataset) AddTimeDate64(name string, v time.Time) *Dataset {
	b := binary.BigEndian.AppendUint32(nil, uint32(v.Unix()))
	return d.add(name, TimeDate64, binary.BigEndian.AppendUint32(b, uint32(v.Nanosecond()/1000)))
}

// Size returns the encoded length in bytes.
func (d *Dataset) Size() int {
	n := 0
	for _, f := range d.fields {
		n += len(f.Value)
	}
	return n
}

// Len returns the number of fields.
func (d *Dataset) Len() int {
	return len(d.fields)
}

// Fields returns the fields in wire order.
func (d *Dataset) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// Encode concatenates all fields in declaration order without padding.
func (d *Dataset) Encode() []byte {
	buf := make([]byte, 0, d.Size())
	for _, f := range d.fields {
		buf = append(buf, f.Value...)
	}
	return buf
}

// Decode splits b according to layout. The buffer must match the layout size exactly.
func Decode(b []byte, layout []FieldDef) (*Dataset, error) {
	d := New()
	off := 0
	for _, def := range layout {
		size := def.Type.Size()
		if size == 0 {
			return nil, fmt.Errorf("%w: field %q type %d", ErrUnknownType, def.Name, def.Type)
		}
		if off+size > len(b) {
			return nil, fmt.Errorf("%w: field %q needs %d bytes at offset %d, have %d", ErrShortDataset, def.Name, size, off, len(b))
		}
		value := make([]byte, size)
		copy(value, b[off:off+size])
		d.add(def.Name, def.Type, value)
		off += size
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d unused bytes", ErrTrailingBytes, len(b)-off)
	}
	return d, nil
}

// Value returns the named field.
func (d *Dataset) Value(name string) (Field, error) {
	i, ok := d.index[name]
	if !ok {
		return Field{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return d.fields[i], nil
}

func (d *Dataset) lookup(name string, t Type) ([]byte, error) {
	f, err := d.Value(name)
	if err != nil {
		return nil, err
	}
	if f.Type != t {
		return nil, fmt.Errorf("%w: %q is %s, not %s", ErrFieldTypeMismatch, name, f.Type, t)
	}
	return f.Value, nil
}

func (d *Dataset) Bool8(name string) (bool, error) {
	b, err := d.lookup(name, Bool8)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (d *Dataset) Char8(name string) (byte, error) {
	b, err := d.lookup(name, Char8)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dataset) UTF16(name string) (uint16, error) {
	b, err := d.lookup(name, UTF16)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Dataset) Int8(name string) (int8, error) {
	b, err := d.lookup(name, Int8)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (d *Dataset) Int16(name string) (int16, error) {
	b, err := d.lookup(name, Int16)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (d *Dataset) Int32(name string) (int32, error) {
	b, err := d.lookup(name, Int32)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *Dataset) Int64(name string) (int64, error) {
	b, err := d.lookup(name, Int64)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *Dataset) Uint8(name string) (uint8, error) {
	b, err := d.lookup(name, Uint8)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dataset) Uint16(name string) (uint16, error) {
	b, err := d.lookup(name, Uint16)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Dataset) Uint32(name string) (uint32, error) {
	b, err := d.lookup(name, Uint32)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Dataset) Uint64(name string) (uint64, error) {
	b, err := d.lookup(name, Uint64)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Dataset) Real32(name string) (float32, error) {
	b, err := d.lookup(name, Real32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (d *Dataset) Real64(name string) (float64, error) {
	b, err := d.lookup(name, Real64)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// TimeDate returns a TIMEDATE32, TIMEDATE48 or TIMEDATE64 field as UTC time.
func (d *Dataset) TimeDate(name string) (time.Time, error) {
	f, err := d.Value(name)
	if err != nil {
		return time.Time{}, err
	}
	secs := int64(0)
	micros := int64(0)
	switch f.Type {
	case TimeDate32:
		secs = int64(binary.BigEndian.Uint32(f.Value))
	case TimeDate48:
		secs = int64(binary.BigEndian.Uint32(f.Value[0:4]))
		micros = int64(binary.BigEndian.Uint16(f.Value[4:6]))
	case TimeDate64:
		secs = int64(binary.BigEndian.Uint32(f.Value[0:4]))
		micros = int64(binary.BigEndian.Uint32(f.Value[4:8]))
	default:
		return time.Time{}, fmt.Errorf("%w: %q is %s, not a time type", ErrFieldTypeMismatch, name, f.Type)
	}
	return time.Unix(secs, micros*1000).UTC(), nil
}
