package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen uint32 = 16
	Magic     uint32 = 0x0ABECEDA

	FileSignature = "ND2 FILE SIGNATURE CHUNK NAME01!"
	FileVersion   = "Ver3.0"
	MapName       = "ND2 CHUNK MAP SIGNATURE 0000001!"
	MapTrailer    = "ND2 CHUNK MAP SIGNATURE 0000001"

	// chunk data is aligned to this boundary relative to the chunk start.
	alignment = 8
)

var (
	ErrShortHeader   = errors.New("chunk: short header")
	ErrInvalidMagic  = errors.New("chunk: invalid magic")
	ErrChunkTooLarge = errors.New("chunk: data too large")
	ErrTruncated     = errors.New("chunk: truncated data")
	ErrNameTooLong   = errors.New("chunk: name too long")
)

// Header is the fixed chunk header.
type Header struct {
	Magic   uint32
	NameLen uint32
	DataLen uint64
}

// Chunk is one decoded chunk: its name and raw data.
type Chunk struct {
	Offset int64
	Header Header
	Name   string
	Data   []byte
}

// Limits constrains chunk decode memory use.
type Limits struct {
	MaxNameBytes uint32
	MaxDataBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxNameBytes: 4 * 1024,
		MaxDataBytes: 1 << 31,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.NameLen)
	binary.LittleEndian.PutUint64(buf[8:16], h.DataLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(HeaderLen) {
		return Header{}, fmt.Errorf("chunk: invalid header length: %d", len(b))
	}
	return Header{
		Magic:   binary.LittleEndian.Uint32(b[0:4]),
		NameLen: binary.LittleEndian.Uint32(b[4:8]),
		DataLen: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// ReadHeader reads and validates the header of the chunk starting at offset.
func ReadHeader(r io.ReaderAt, offset int64) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := r.ReadAt(fixed[:], offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Header{}, err
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	return h, nil
}

// ReadChunk reads the chunk at offset, including its name and data.
func ReadChunk(r io.ReaderAt, offset int64, limits Limits) (Chunk, error) {
	h, err := ReadHeader(r, offset)
	if err != nil {
		return Chunk{}, err
	}
	if h.NameLen > limits.MaxNameBytes {
		return Chunk{}, ErrNameTooLong
	}
	if h.DataLen > limits.MaxDataBytes {
		return Chunk{}, ErrChunkTooLarge
	}

	dataStart := offset + int64(HeaderLen) + int64(h.NameLen)
	if err := ensureAvailable(r, dataStart+int64(h.DataLen)-1); err != nil {
		return Chunk{}, err
	}

	name := make([]byte, h.NameLen)
	if h.NameLen > 0 {
		if _, err := r.ReadAt(name, offset+int64(HeaderLen)); err != nil {
			return Chunk{}, ErrTruncated
		}
	}

	data := make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := r.ReadAt(data, dataStart); err != nil {
			return Chunk{}, ErrTruncated
		}
	}

	return Chunk{Offset: offset, Header: h, Name: trimName(name), Data: data}, nil
}

// ensureAvailable checks that the byte at last exists before any buffer is sized
// from an untrusted header.
func ensureAvailable(r io.ReaderAt, last int64) error {
	if last < 0 {
		return nil
	}
	var b [1]byte
	if _, err := r.ReadAt(b[:], last); err != nil {
		return ErrTruncated
	}
	return nil
}

// ReadData reads only the data section of the chunk at offset.
func ReadData(r io.ReaderAt, offset int64, limits Limits) ([]byte, error) {
	c, err := ReadChunk(r, offset, limits)
	if err != nil {
		return nil, err
	}
	return c.Data, nil
}

// WriteChunk writes one chunk and returns the number of bytes written.
func WriteChunk(w io.Writer, name string, data []byte) (int64, error) {
	nameLen := paddedNameLen(name)
	if nameLen > DefaultLimits().MaxNameBytes {
		return 0, ErrNameTooLong
	}

	h := Header{Magic: Magic, NameLen: nameLen, DataLen: uint64(len(data))}
	nameBuf := make([]byte, nameLen)
	copy(nameBuf, name)

	var written int64
	n, err := w.Write(EncodeHeader(h))
	written += int64(n)
	if err != nil {
		return written, err
	}
	n, err = w.Write(nameBuf)
	written += int64(n)
	if err != nil {
		return written, err
	}
	if len(data) > 0 {
		n, err = w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// paddedNameLen returns the name length including one NUL, rounded so the
// data section starts on an aligned boundary.
func paddedNameLen(name string) uint32 {
	n := uint32(len(name)) + 1
	total := HeaderLen + n
	if rem := total % alignment; rem != 0 {
		n += alignment - rem
	}
	return n
}

func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
