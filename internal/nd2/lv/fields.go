package lv

import (
	"encoding/binary"
	"math"
)

// NewBool creates a bool item.
func NewBool(name string, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{Name: name, Type: TypeBool, Value: []byte{b}}
}

// NewInt32 creates an int32 item.
func NewInt32(name string, v int32) Field {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return Field{Name: name, Type: TypeInt32, Value: buf}
}

// NewUint32 creates a uint32 item.
func NewUint32(name string, v uint32) Field {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return Field{Name: name, Type: TypeUint32, Value: buf}
}

// NewInt64 creates an int64 item.
func NewInt64(name string, v int64) Field {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return Field{Name: name, Type: TypeInt64, Value: buf}
}

// NewUint64 creates a uint64 item.
func NewUint64(name string, v uint64) Field {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return Field{Name: name, Type: TypeUint64, Value: buf}
}

// NewDouble creates a float64 item.
func NewDouble(name string, v float64) Field {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return Field{Name: name, Type: TypeDouble, Value: buf}
}

// NewString creates a string item.
func NewString(name, v string) Field {
	return Field{Name: name, Type: TypeString, Value: []byte(v)}
}

// NewBytes creates a byte array item.
func NewBytes(name string, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{Name: name, Type: TypeByteArray, Value: buf}
}

// NewLevel creates a nested level.
func NewLevel(name string, children ...Field) Field {
	return Field{Name: name, Type: TypeLevel, Children: children}
}

func (f Field) Bool() (bool, error) {
	if f.Type != TypeBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrInvalidLength
	}
	return f.Value[0] != 0, nil
}

func (f Field) Int32() (int32, error) {
	if f.Type != TypeInt32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return int32(binary.LittleEndian.Uint32(f.Value)), nil
}

func (f Field) Uint32() (uint32, error) {
	if f.Type != TypeUint32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.LittleEndian.Uint32(f.Value), nil
}

func (f Field) Int64() (int64, error) {
	if f.Type != TypeInt64 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return int64(binary.LittleEndian.Uint64(f.Value)), nil
}

func (f Field) Uint64() (uint64, error) {
	if f.Type != TypeUint64 && f.Type != TypeVoidPointer {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return binary.LittleEndian.Uint64(f.Value), nil
}

func (f Field) Float64() (float64, error) {
	if f.Type != TypeDouble {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(f.Value)), nil
}

func (f Field) String() (string, error) {
	if f.Type != TypeString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

func (f Field) Bytes() ([]byte, error) {
	if f.Type != TypeByteArray {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}

func (f Field) Level() ([]Field, error) {
	if f.Type != TypeLevel {
		return nil, ErrFieldTypeMismatch
	}
	return f.Children, nil
}

// Number coerces any numeric item to float64. ND2 writers are not
// consistent about integer widths, so readers should prefer this.
func (f Field) Number() (float64, error) {
	switch f.Type {
	case TypeBool:
		v, err := f.Bool()
		if v {
			return 1, err
		}
		return 0, err
	case TypeInt32:
		v, err := f.Int32()
		return float64(v), err
	case TypeUint32:
		v, err := f.Uint32()
		return float64(v), err
	case TypeInt64:
		v, err := f.Int64()
		return float64(v), err
	case TypeUint64, TypeVoidPointer:
		v, err := f.Uint64()
		return float64(v), err
	case TypeDouble:
		return f.Float64()
	default:
		return 0, ErrFieldTypeMismatch
	}
}

// Get returns the first field named name.
func Get(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// All returns every field named name, in order.
func All(fields []Field, name string) []Field {
	out := make([]Field, 0, 1)
	for _, f := range fields {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// Lookup walks nested levels by name.
func Lookup(fields []Field, path ...string) (Field, bool) {
	if len(path) == 0 {
		return Field{}, false
	}
	cur := fields
	for i, name := range path {
		f, ok := Get(cur, name)
		if !ok {
			return Field{}, false
		}
		if i == len(path)-1 {
			return f, true
		}
		if f.Type != TypeLevel {
			return Field{}, false
		}
		cur = f.Children
	}
	return Field{}, false
}

// NumberAt is Lookup followed by Number, with def for missing or
// non-numeric fields.
func NumberAt(fields []Field, def float64, path ...string) float64 {
	f, ok := Lookup(fields, path...)
	if !ok {
		return def
	}
	v, err := f.Number()
	if err != nil {
		return def
	}
	return v
}

// StringAt is Lookup followed by String, "" when absent.
func StringAt(fields []Field, path ...string) string {
	f, ok := Lookup(fields, path...)
	if !ok {
		return ""
	}
	s, err := f.String()
	if err != nil {
		return ""
	}
	return s
}
