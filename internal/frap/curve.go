package frap

import (
	"context"
	"fmt"
	"math"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

// Curve is the reference-corrected, pre-bleach normalized stimulation
// signal. Times are seconds since the first frame.
type Curve struct {
	Times       []float64 `json:"times"`
	Values      Series    `json:"values"`
	BleachIndex int       `json:"bleach_index"`
}

// BleachIndex returns the number of frames acquired before the first
// stimulation loop. found is false when no loop stimulates, in which case
// the frame count of all loops is returned.
func BleachIndex(exp nd2.Experiment) (index int, found bool) {
	var frames float64
	for _, loop := range exp.Loops {
		if loop.Stimulation {
			return int(math.RoundToEven(frames)), true
		}
		if loop.SamplingInterval > 0 {
			frames += loop.Duration / loop.SamplingInterval
		}
	}
	return int(math.RoundToEven(frames)), false
}

func (a *Analyzer) BleachIndex() (int, bool) {
	return BleachIndex(a.meta.Experiment)
}

// NormalizedStimulation computes the corrected recovery curve.
func (a *Analyzer) NormalizedStimulation(ctx context.Context) (Curve, error) {
	res, err := a.Analyze(ctx)
	if err != nil {
		return Curve{}, err
	}
	return res.Curve, nil
}

// normalize divides stim by its pre-bleach mean and by the reference
// normalized the same way. A bleach index past the last frame is clamped to
// the frame count, leaving a curve with no post-bleach values.
func normalize(times []float64, reference, stimulation Series, bleachIndex int) (Curve, error) {
	if bleachIndex <= 0 {
		return Curve{}, fmt.Errorf("%w: bleach index %d", ErrNoPreBleach, bleachIndex)
	}
	bleachIndex = min(bleachIndex, len(stimulation), len(reference))
	if bleachIndex == 0 {
		return Curve{}, fmt.Errorf("%w: no frames", ErrNoPreBleach)
	}
	refPre := nanMean(reference[:bleachIndex])
	stimPre := nanMean(stimulation[:bleachIndex])
	if math.IsNaN(refPre) || math.IsNaN(stimPre) || refPre == 0 || stimPre == 0 {
		return Curve{}, fmt.Errorf("%w: no usable pre-bleach intensity", ErrNoPreBleach)
	}

	c := Curve{
		Times:       relativeSeconds(times),
		Values:      make(Series, len(stimulation)),
		BleachIndex: bleachIndex,
	}
	for t := range stimulation {
		refNorm := reference[t] / refPre
		stimNorm := stimulation[t] / stimPre
		c.Values[t] = stimNorm / refNorm
	}
	return c, nil
}

func relativeSeconds(timesMs []float64) []float64 {
	out := make([]float64, len(timesMs))
	if len(timesMs) == 0 {
		return out
	}
	for i, v := range timesMs {
		out[i] = (v - timesMs[0]) / 1000
	}
	return out
}

func nanMean(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
