package frap

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
	"github.com/rbnvrw/frapalyzer/internal/observability"
	"github.com/rs/zerolog/log"
)

// Series holds one value per frame. Frames without usable pixels are NaN
// and encode as JSON null.
type Series []float64

func (s Series) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(s)*8+2)
	buf = append(buf, '[')
	for i, v := range s {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendFloat(buf, v)
	}
	return append(buf, ']'), nil
}

func (s *Series) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Series, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*s = out
	return nil
}

func appendFloat(buf []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(buf, "null"...)
	}
	return strconv.AppendFloat(buf, v, 'g', -1, 64)
}

type MeanOptions struct {
	KeepTime           bool
	SubtractBackground bool
	OnlyPositive       bool
}

// Intensity is the result of MeanIntensity. PerFrame is set only when
// KeepTime was requested.
type Intensity struct {
	Mean     float64
	PerFrame Series
	Pixels   int
}

// samples holds the masked pixels of every frame for a set of masks:
// values[m][t] are the pixels of mask m in frame t.
type samples struct {
	times  []float64
	values [][][]float64
}

// collect reads each frame once and samples every mask.
func (a *Analyzer) collect(ctx context.Context, masks ...Mask) (samples, error) {
	n := a.src.FrameCount()
	if n == 0 {
		return samples{}, ErrNoFrames
	}
	out := samples{
		times:  make([]float64, n),
		values: make([][][]float64, len(masks)),
	}
	for m := range masks {
		out.values[m] = make([][]float64, n)
	}
	for t := 0; t < n; t++ {
		plane, err := a.src.Frame(ctx, t, a.opts.Channel)
		if err != nil {
			return samples{}, fmt.Errorf("frame %d: %w", t, err)
		}
		out.times[t] = plane.Timestamp
		for m, mask := range masks {
			out.values[m][t] = mask.Sample(plane)
		}
	}
	observability.RecordFramesRead(n)
	return out, nil
}

// backgroundLevel is the mean of the positive background pixels over all
// frames. Without positive pixels it is 0.
func backgroundLevel(frames [][]float64) float64 {
	var sum float64
	var count int
	for _, px := range frames {
		for _, v := range px {
			if v > 0 {
				sum += v
				count++
			}
		}
	}
	if count == 0 {
		log.Warn().Msg("frap: background roi has no positive pixels, not subtracting")
		return 0
	}
	return sum / float64(count)
}

// reduce averages frames after subtracting background and, with
// onlyPositive, dropping pixels at or below zero.
func reduce(frames [][]float64, background float64, onlyPositive bool) Intensity {
	perFrame := make(Series, len(frames))
	var total float64
	var count int
	for t, px := range frames {
		var sum float64
		var n int
		for _, v := range px {
			v -= background
			if onlyPositive && v <= 0 {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			perFrame[t] = math.NaN()
			continue
		}
		perFrame[t] = sum / float64(n)
		total += sum
		count += n
	}
	mean := math.NaN()
	if count > 0 {
		mean = total / float64(count)
	}
	return Intensity{Mean: mean, PerFrame: perFrame, Pixels: count}
}

// BackgroundLevel returns the scalar subtracted from the other ROIs.
func (a *Analyzer) BackgroundLevel(ctx context.Context) (float64, error) {
	roi, err := a.require(a.background, nd2.RoleBackground)
	if err != nil {
		return 0, err
	}
	mask, err := a.mask(roi)
	if err != nil {
		return 0, err
	}
	s, err := a.collect(ctx, mask)
	if err != nil {
		return 0, err
	}
	return backgroundLevel(s.values[0]), nil
}

// MeanIntensity averages roi over the frames of the configured channel.
func (a *Analyzer) MeanIntensity(ctx context.Context, roi nd2.ROI, opts MeanOptions) (Intensity, error) {
	mask, err := a.mask(roi)
	if err != nil {
		return Intensity{}, err
	}
	masks := []Mask{mask}
	if opts.SubtractBackground {
		bgROI, err := a.require(a.background, nd2.RoleBackground)
		if err != nil {
			return Intensity{}, err
		}
		bgMask, err := a.mask(bgROI)
		if err != nil {
			return Intensity{}, err
		}
		masks = append(masks, bgMask)
	}

	s, err := a.collect(ctx, masks...)
	if err != nil {
		return Intensity{}, err
	}
	var background float64
	if opts.SubtractBackground {
		background = backgroundLevel(s.values[1])
	}
	out := reduce(s.values[0], background, opts.OnlyPositive)
	if !opts.KeepTime {
		out.PerFrame = nil
	}
	return out, nil
}
