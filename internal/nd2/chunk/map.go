package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	entryTailLen = 16
	framePrefix  = "ImageDataSeq|"
)

var (
	ErrNoMap        = errors.New("chunk: chunk map not found")
	ErrMalformedMap = errors.New("chunk: malformed chunk map")
)

// Entry locates one named chunk in the file.
type Entry struct {
	Name     string
	Position uint64
	Length   uint64
}

// FrameEntry is an image data chunk and its sequence index.
type FrameEntry struct {
	Index int
	Entry
}

// Map is the ordered chunk map of an ND2 file.
type Map struct {
	entries []Entry
	byName  map[string]int
}

func NewMap(entries []Entry) *Map {
	m := &Map{entries: make([]Entry, 0, len(entries)), byName: make(map[string]int, len(entries))}
	for _, e := range entries {
		m.Add(e)
	}
	return m
}

func (m *Map) Add(e Entry) {
	if i, ok := m.byName[e.Name]; ok {
		m.entries[i] = e
		return
	}
	m.byName[e.Name] = len(m.entries)
	m.entries = append(m.entries, e)
}

func (m *Map) Lookup(name string) (Entry, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

func (m *Map) Len() int {
	return len(m.entries)
}

func (m *Map) Names() []string {
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Name)
	}
	return out
}

func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Frames lists the image data chunks sorted by sequence index.
func (m *Map) Frames() []FrameEntry {
	frames := make([]FrameEntry, 0)
	for _, e := range m.entries {
		idx, ok := FrameIndex(e.Name)
		if !ok {
			continue
		}
		frames = append(frames, FrameEntry{Index: idx, Entry: e})
	}
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Index < frames[j].Index
	})
	return frames
}

// FrameName returns the chunk name of image sequence index i.
func FrameName(i int) string {
	return framePrefix + strconv.Itoa(i) + "!"
}

// FrameIndex parses "ImageDataSeq|<n>!".
func FrameIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, framePrefix) || !strings.HasSuffix(name, "!") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, framePrefix), "!")
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// ReadMap locates the chunk map through the trailing pointer and decodes it.
func ReadMap(r io.ReaderAt, size int64, limits Limits) (*Map, error) {
	if size < int64(HeaderLen)+8 {
		return nil, ErrNoMap
	}
	var ptr [8]byte
	if _, err := r.ReadAt(ptr[:], size-8); err != nil {
		return nil, ErrNoMap
	}
	offset := binary.LittleEndian.Uint64(ptr[:])
	if offset >= uint64(size-8) {
		return nil, ErrNoMap
	}

	c, err := ReadChunk(r, int64(offset), limits)
	if err != nil {
		return nil, err
	}
	if c.Name != MapName {
		return nil, ErrNoMap
	}
	return DecodeMap(c.Data)
}

// DecodeMap parses map data: repeated name!, position, length entries,
// optionally terminated by the map trailer.
func DecodeMap(data []byte) (*Map, error) {
	m := NewMap(nil)
	for i := 0; i < len(data); {
		rest := data[i:]
		if bytes.HasPrefix(rest, []byte(MapTrailer)) {
			break
		}
		end := bytes.IndexByte(rest, '!')
		if end < 0 {
			return nil, ErrMalformedMap
		}
		name := string(rest[:end+1])
		i += end + 1
		if len(data)-i < entryTailLen {
			return nil, ErrMalformedMap
		}
		m.Add(Entry{
			Name:     name,
			Position: binary.LittleEndian.Uint64(data[i : i+8]),
			Length:   binary.LittleEndian.Uint64(data[i+8 : i+16]),
		})
		i += entryTailLen
	}
	return m, nil
}

// EncodeMap is the inverse of DecodeMap, trailer included.
func EncodeMap(m *Map) []byte {
	var buf bytes.Buffer
	var tail [entryTailLen]byte
	for _, e := range m.entries {
		buf.WriteString(e.Name)
		binary.LittleEndian.PutUint64(tail[0:8], e.Position)
		binary.LittleEndian.PutUint64(tail[8:16], e.Length)
		buf.Write(tail[:])
	}
	buf.WriteString(MapTrailer)
	return buf.Bytes()
}

// WriteMap writes the map chunk at offset followed by the 8-byte pointer
// that ReadMap resolves.
func WriteMap(w io.Writer, m *Map, offset int64) (int64, error) {
	n, err := WriteChunk(w, MapName, EncodeMap(m))
	if err != nil {
		return n, err
	}
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], uint64(offset))
	k, err := w.Write(ptr[:])
	return n + int64(k), err
}
