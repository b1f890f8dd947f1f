package nd2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rbnvrw/frapalyzer/internal/nd2/chunk"
	"github.com/rbnvrw/frapalyzer/internal/nd2/lv"
)

var (
	ErrWriterClosed   = errors.New("nd2: writer closed")
	ErrInvalidLayout  = errors.New("nd2: invalid image layout")
	ErrChannelMissing = errors.New("nd2: frame channel count mismatch")
)

// Writer produces ND2 files. Frames are streamed as they are written;
// metadata and the chunk map are written by Close.
type Writer struct {
	w      io.Writer
	closer io.Closer
	pos    int64
	chunks *chunk.Map
	frames int
	closed bool

	attrs           Attributes
	micronsPerPixel float64
	experiment      Experiment
	rois            []ROI
}

// Create creates path and returns a Writer that closes it on Close.
func Create(path string, attrs Attributes) (*Writer, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(fh, attrs)
	if err != nil {
		fh.Close()
		return nil, err
	}
	w.closer = fh
	return w, nil
}

func NewWriter(w io.Writer, attrs Attributes) (*Writer, error) {
	if attrs.Components <= 0 {
		attrs.Components = 1
	}
	if attrs.BitsInMemory == 0 {
		attrs.BitsInMemory = 16
	}
	if attrs.BitsSignificant == 0 {
		attrs.BitsSignificant = attrs.BitsInMemory
	}
	if attrs.Width <= 0 || attrs.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidLayout, attrs.Width, attrs.Height)
	}
	switch attrs.BitsInMemory {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDepth, attrs.BitsInMemory)
	}
	attrs.WidthBytes = attrs.Width * attrs.Components * attrs.BytesPerSample()

	out := &Writer{
		w:               w,
		chunks:          chunk.NewMap(nil),
		attrs:           attrs,
		micronsPerPixel: 1,
	}
	if _, err := out.writeChunk(chunk.FileSignature, []byte(chunk.FileVersion), false); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Writer) SetCalibration(micronsPerPixel float64) {
	if micronsPerPixel > 0 {
		w.micronsPerPixel = micronsPerPixel
	}
}

func (w *Writer) SetExperiment(exp Experiment) {
	w.experiment = exp
}

func (w *Writer) SetROIs(rois []ROI) {
	w.rois = append([]ROI(nil), rois...)
}

func (w *Writer) FrameCount() int {
	return w.frames
}

// WriteFrame appends one frame. channels holds one row-major plane per
// component. Values are clamped to the sample range.
func (w *Writer) WriteFrame(timestampMs float64, channels ...[]float64) error {
	if w.closed {
		return ErrWriterClosed
	}
	a := w.attrs
	if len(channels) != a.Components {
		return fmt.Errorf("%w: got %d want %d", ErrChannelMissing, len(channels), a.Components)
	}
	for i, ch := range channels {
		if len(ch) != a.Width*a.Height {
			return fmt.Errorf("%w: channel %d has %d pixels", ErrInvalidLayout, i, len(ch))
		}
	}

	bps := a.BytesPerSample()
	buf := make([]byte, timestampLen+a.RowStride()*a.Height)
	binary.LittleEndian.PutUint64(buf[:timestampLen], math.Float64bits(timestampMs))
	pix := buf[timestampLen:]
	for i := 0; i < a.Width*a.Height; i++ {
		for c, ch := range channels {
			at := (i*a.Components + c) * bps
			v := ch[i]
			switch a.BitsInMemory {
			case 8:
				pix[at] = uint8(clamp(v, math.MaxUint8))
			case 16:
				binary.LittleEndian.PutUint16(pix[at:], uint16(clamp(v, math.MaxUint16)))
			case 32:
				binary.LittleEndian.PutUint32(pix[at:], math.Float32bits(float32(v)))
			}
		}
	}

	if _, err := w.writeChunk(chunk.FrameName(w.frames), buf, true); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Close writes the metadata chunks, the chunk map and the map pointer.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	attrs := w.attrs
	attrs.SequenceCount = w.frames
	meta := []struct {
		name   string
		fields []lv.Field
	}{
		{LabelAttributes, encodeAttributes(attrs)},
		{LabelCalibration, encodeCalibration(w.micronsPerPixel)},
		{LabelExperiment, encodeExperiment(w.experiment)},
		{LabelROIs, encodeROIs(w.rois, attrs, w.micronsPerPixel)},
	}
	for _, m := range meta {
		if _, err := w.writeChunk(m.name, lv.Encode(m.fields), true); err != nil {
			return w.finish(err)
		}
	}

	_, err := chunk.WriteMap(w.w, w.chunks, w.pos)
	return w.finish(err)
}

func (w *Writer) finish(err error) error {
	if w.closer == nil {
		return err
	}
	if cerr := w.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writer) writeChunk(name string, data []byte, mapped bool) (int64, error) {
	start := w.pos
	n, err := chunk.WriteChunk(w.w, name, data)
	w.pos += n
	if err != nil {
		return n, fmt.Errorf("write %s: %w", name, err)
	}
	if mapped {
		w.chunks.Add(chunk.Entry{Name: name, Position: uint64(start), Length: uint64(n)})
	}
	return n, nil
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return math.Round(v)
}
