// Package nd2 reads and writes Nikon ND2 files: the chunked container,
// image attributes, calibration, experiment loops, ROI metadata and frames.
package nd2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rbnvrw/frapalyzer/internal/nd2/chunk"
	"github.com/rbnvrw/frapalyzer/internal/nd2/lv"
	"github.com/rs/zerolog/log"
)

const timestampLen = 8

var (
	ErrNotND2            = errors.New("nd2: not an nd2 file")
	ErrMissingMetadata   = errors.New("nd2: missing metadata")
	ErrFrameOutOfRange   = errors.New("nd2: frame index out of range")
	ErrChannelOutOfRange = errors.New("nd2: channel out of range")
	ErrUnsupportedDepth  = errors.New("nd2: unsupported bit depth")
	ErrShortFrame        = errors.New("nd2: frame data shorter than image")
	ErrClosed            = errors.New("nd2: file closed")
)

// Plane is one channel of one frame, row-major.
type Plane struct {
	Width     int
	Height    int
	Timestamp float64
	Pix       []float64
}

func (p Plane) At(col, row int) float64 {
	return p.Pix[row*p.Width+col]
}

// File is an open ND2 file. Frame is safe for concurrent use.
type File struct {
	r      io.ReaderAt
	closer io.Closer
	limits chunk.Limits
	chunks *chunk.Map
	frames []chunk.FrameEntry
	meta   Metadata
}

// Open opens path and parses its metadata.
func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	f, err := NewFile(fh, info.Size())
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = fh
	return f, nil
}

// NewFile parses an ND2 file held by r. The caller keeps ownership of r.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	limits := chunk.DefaultLimits()
	if _, err := chunk.ReadHeader(r, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotND2, err)
	}
	chunks, err := chunk.ReadMap(r, size, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotND2, err)
	}

	f := &File{r: r, limits: limits, chunks: chunks, frames: chunks.Frames()}
	if err := f.loadMetadata(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) loadMetadata() error {
	attrFields, err := f.readLV(LabelAttributes)
	if err != nil {
		return err
	}
	if attrFields == nil {
		return fmt.Errorf("%w: %s", ErrMissingMetadata, LabelAttributes)
	}
	attrs, err := parseAttributes(attrFields)
	if err != nil {
		return err
	}

	calFields, err := f.readLV(LabelCalibration)
	if err != nil {
		return err
	}
	micronsPerPixel := parseCalibration(calFields)
	if micronsPerPixel <= 0 {
		log.Warn().Msg("nd2: missing pixel calibration, assuming 1 micron per pixel")
		micronsPerPixel = 1
	}

	expFields, err := f.readLV(LabelExperiment)
	if err != nil {
		return err
	}
	roiFields, err := f.readLV(LabelROIs)
	if err != nil {
		return err
	}

	if attrs.SequenceCount != 0 && attrs.SequenceCount != len(f.frames) {
		log.Warn().
			Int("sequence_count", attrs.SequenceCount).
			Int("frame_chunks", len(f.frames)).
			Msg("nd2: sequence count does not match frame chunks")
	}

	f.meta = Metadata{
		Attributes:      attrs,
		MicronsPerPixel: micronsPerPixel,
		FrameCount:      len(f.frames),
		ROIs:            parseROIs(roiFields, attrs, micronsPerPixel),
		Experiment:      parseExperiment(expFields),
	}
	return nil
}

// readLV decodes the named metadata chunk, nil when the file lacks it.
func (f *File) readLV(name string) ([]lv.Field, error) {
	entry, ok := f.chunks.Lookup(name)
	if !ok {
		return nil, nil
	}
	data, err := chunk.ReadData(f.r, int64(entry.Position), f.limits)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	fields, err := lv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return fields, nil
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	f.r = nil
	return err
}

func (f *File) Metadata() Metadata {
	return f.meta
}

func (f *File) FrameCount() int {
	return len(f.frames)
}

// Chunks exposes the chunk map for inspection.
func (f *File) Chunks() *chunk.Map {
	return f.chunks
}

func (f *File) ROIs() []ROI {
	out := make([]ROI, len(f.meta.ROIs))
	copy(out, f.meta.ROIs)
	return out
}

// ROIByType returns the first ROI with the given role.
func (f *File) ROIByType(role Role) (ROI, bool) {
	return FindROI(f.meta.ROIs, role)
}

func FindROI(rois []ROI, role Role) (ROI, bool) {
	for _, roi := range rois {
		if roi.Role == role {
			return roi, true
		}
	}
	return ROI{}, false
}

// Frame decodes channel of sequence index t.
func (f *File) Frame(ctx context.Context, t, channel int) (Plane, error) {
	if err := ctx.Err(); err != nil {
		return Plane{}, err
	}
	if f.r == nil {
		return Plane{}, ErrClosed
	}
	if t < 0 || t >= len(f.frames) {
		return Plane{}, fmt.Errorf("%w: %d (frames=%d)", ErrFrameOutOfRange, t, len(f.frames))
	}
	attrs := f.meta.Attributes
	if channel < 0 || channel >= attrs.Components {
		return Plane{}, fmt.Errorf("%w: %d (components=%d)", ErrChannelOutOfRange, channel, attrs.Components)
	}

	data, err := chunk.ReadData(f.r, int64(f.frames[t].Position), f.limits)
	if err != nil {
		return Plane{}, fmt.Errorf("read frame %d: %w", t, err)
	}
	return decodePlane(data, attrs, channel)
}

func decodePlane(data []byte, attrs Attributes, channel int) (Plane, error) {
	if err := attrs.validate(); err != nil {
		return Plane{}, err
	}
	if channel < 0 || channel >= attrs.Components {
		return Plane{}, fmt.Errorf("%w: %d (components=%d)", ErrChannelOutOfRange, channel, attrs.Components)
	}
	stride := attrs.RowStride()
	bps := attrs.BytesPerSample()
	if len(data) < timestampLen+stride*attrs.Height {
		return Plane{}, ErrShortFrame
	}

	p := Plane{
		Width:     attrs.Width,
		Height:    attrs.Height,
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(data[:timestampLen])),
		Pix:       make([]float64, attrs.Width*attrs.Height),
	}
	pix := data[timestampLen:]
	for row := 0; row < attrs.Height; row++ {
		line := pix[row*stride:]
		for col := 0; col < attrs.Width; col++ {
			at := (col*attrs.Components + channel) * bps
			var v float64
			switch attrs.BitsInMemory {
			case 8:
				v = float64(line[at])
			case 16:
				v = float64(binary.LittleEndian.Uint16(line[at:]))
			case 32:
				v = float64(math.Float32frombits(binary.LittleEndian.Uint32(line[at:])))
			default:
				return Plane{}, ErrUnsupportedDepth
			}
			p.Pix[row*attrs.Width+col] = v
		}
	}
	return p, nil
}
