package lv

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	itemHeaderLen  = 2
	levelHeaderLen = 4 + 8
	offsetEntryLen = 8
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Decode reads items until buf is exhausted.
func Decode(buf []byte) ([]Field, error) {
	fields, _, err := decodeItems(buf, -1)
	return fields, err
}

// decodeItems decodes at most limit items (all when limit < 0) and returns
// the number of bytes consumed.
func decodeItems(buf []byte, limit int) ([]Field, int, error) {
	fields := make([]Field, 0, 4)
	offset := 0
	for offset < len(buf) && (limit < 0 || len(fields) < limit) {
		f, n, err := decodeItem(buf[offset:])
		if err != nil {
			return nil, 0, err
		}
		fields = append(fields, f)
		offset += n
	}
	return fields, offset, nil
}

func decodeItem(buf []byte) (Field, int, error) {
	if len(buf) < itemHeaderLen {
		return Field{}, 0, ErrTruncated
	}
	typ := Type(buf[0])
	nameUnits := int(buf[1])
	offset := itemHeaderLen
	if len(buf)-offset < nameUnits*2 {
		return Field{}, 0, ErrTruncated
	}
	name, err := decodeUTF16(buf[offset : offset+nameUnits*2])
	if err != nil {
		return Field{}, 0, err
	}
	offset += nameUnits * 2

	f := Field{Name: name, Type: typ}

	if size, ok := typ.fixedSize(); ok {
		if len(buf)-offset < size {
			return Field{}, 0, ErrTruncated
		}
		f.Value = append([]byte(nil), buf[offset:offset+size]...)
		return f, offset + size, nil
	}

	switch typ {
	case TypeString:
		end := -1
		for i := offset; i+1 < len(buf); i += 2 {
			if buf[i] == 0 && buf[i+1] == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			return Field{}, 0, ErrTruncated
		}
		s, err := decodeUTF16(buf[offset:end])
		if err != nil {
			return Field{}, 0, err
		}
		f.Value = []byte(s)
		return f, end + 2, nil

	case TypeByteArray:
		if len(buf)-offset < 8 {
			return Field{}, 0, ErrTruncated
		}
		size := binary.LittleEndian.Uint64(buf[offset : offset+8])
		offset += 8
		if size > uint64(len(buf)-offset) {
			return Field{}, 0, ErrTruncated
		}
		f.Value = append([]byte(nil), buf[offset:offset+int(size)]...)
		return f, offset + int(size), nil

	case TypeLevel:
		if len(buf)-offset < levelHeaderLen {
			return Field{}, 0, ErrTruncated
		}
		count := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		length := binary.LittleEndian.Uint64(buf[offset+4 : offset+12])
		offset += levelHeaderLen
		if length < uint64(offset) || length > uint64(len(buf)) {
			return Field{}, 0, ErrInvalidLength
		}
		end := int(length)
		children, _, err := decodeItems(buf[offset:end], count)
		if err != nil {
			return Field{}, 0, fmt.Errorf("level %q: %w", name, err)
		}
		f.Children = children
		skip := count * offsetEntryLen
		if len(buf)-end < skip {
			return Field{}, 0, ErrTruncated
		}
		return f, end + skip, nil
	}

	return Field{}, 0, fmt.Errorf("%w: %d (%s)", ErrUnsupportedType, uint8(typ), name)
}

func decodeUTF16(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("lv: invalid utf-16: %w", err)
	}
	return strings.TrimRight(string(out), "\x00"), nil
}
