// Package lv implements the ND2 "lite variant" metadata encoding: a tree of
// named, typed items with UTF-16LE names.
package lv

import "errors"

// Type is the one-byte item type tag.
type Type uint8

const (
	TypeUnknown     Type = 0
	TypeBool        Type = 1
	TypeInt32       Type = 2
	TypeUint32      Type = 3
	TypeInt64       Type = 4
	TypeUint64      Type = 5
	TypeDouble      Type = 6
	TypeVoidPointer Type = 7
	TypeString      Type = 8
	TypeByteArray   Type = 9
	TypeDeprecated  Type = 10
	TypeLevel       Type = 11
	TypeCompress    Type = 12
)

var (
	ErrTruncated         = errors.New("lv: truncated data")
	ErrInvalidLength     = errors.New("lv: invalid length")
	ErrUnsupportedType   = errors.New("lv: unsupported item type")
	ErrFieldTypeMismatch = errors.New("lv: field type mismatch")
	ErrNotFound          = errors.New("lv: field not found")
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeUint32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeVoidPointer:
		return "void*"
	case TypeString:
		return "string"
	case TypeByteArray:
		return "bytes"
	case TypeDeprecated:
		return "deprecated"
	case TypeLevel:
		return "level"
	case TypeCompress:
		return "compress"
	default:
		return "unknown"
	}
}

// fixedSize reports the value width of scalar types.
func (t Type) fixedSize() (int, bool) {
	switch t {
	case TypeBool:
		return 1, true
	case TypeInt32, TypeUint32:
		return 4, true
	case TypeInt64, TypeUint64, TypeDouble, TypeVoidPointer:
		return 8, true
	default:
		return 0, false
	}
}

// Field is one decoded item. Scalars keep their little-endian bytes in Value,
// strings keep UTF-8 bytes, levels keep their items in Children.
type Field struct {
	Name     string
	Type     Type
	Value    []byte
	Children []Field
}
