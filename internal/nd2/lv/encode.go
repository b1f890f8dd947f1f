package lv

import (
	"encoding/binary"
)

// Encode writes fields using the lite variant wire format.
func Encode(fields []Field) []byte {
	out := make([]byte, 0, 64)
	for _, f := range fields {
		out = append(out, encodeItem(f)...)
	}
	return out
}

func encodeItem(f Field) []byte {
	name := encodeUTF16(f.Name + "\x00")
	head := make([]byte, 0, itemHeaderLen+len(name))
	head = append(head, byte(f.Type), byte(len(name)/2))
	head = append(head, name...)

	switch f.Type {
	case TypeString:
		value := encodeUTF16(string(f.Value) + "\x00")
		return append(head, value...)

	case TypeByteArray:
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(len(f.Value)))
		head = append(head, size[:]...)
		return append(head, f.Value...)

	case TypeLevel:
		children := make([]byte, 0, 64)
		offsets := make([]byte, 0, len(f.Children)*offsetEntryLen)
		for _, child := range f.Children {
			var off [offsetEntryLen]byte
			binary.LittleEndian.PutUint64(off[:], uint64(len(children)))
			offsets = append(offsets, off[:]...)
			children = append(children, encodeItem(child)...)
		}
		length := uint64(len(head) + levelHeaderLen + len(children))
		var lh [levelHeaderLen]byte
		binary.LittleEndian.PutUint32(lh[0:4], uint32(len(f.Children)))
		binary.LittleEndian.PutUint64(lh[4:12], length)
		head = append(head, lh[:]...)
		head = append(head, children...)
		return append(head, offsets...)

	default:
		return append(head, f.Value...)
	}
}

func encodeUTF16(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}
