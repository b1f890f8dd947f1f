package frap

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

// SynthOptions describe a synthetic FRAP acquisition. Intensities are
// counts above the background level.
type SynthOptions struct {
	Width           int
	Height          int
	Components      int
	BitsInMemory    int
	MicronsPerPixel float64

	PreFrames      int
	PostFrames     int
	IntervalMs     float64
	StimDurationMs float64

	Background  float64
	Reference   float64
	Stimulation float64
	// AcquisitionBleach is the fractional signal loss per frame.
	AcquisitionBleach float64
	BleachDepth       float64
	MobileFraction    float64
	RecoveryTauSec    float64

	Noise float64
	Seed  uint64
}

func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Width:             64,
		Height:            64,
		Components:        1,
		BitsInMemory:      16,
		MicronsPerPixel:   0.25,
		PreFrames:         5,
		PostFrames:        40,
		IntervalMs:        1000,
		StimDurationMs:    500,
		Background:        100,
		Reference:         1000,
		Stimulation:       800,
		AcquisitionBleach: 0.005,
		BleachDepth:       0.6,
		MobileFraction:    0.7,
		RecoveryTauSec:    4,
	}
}

// ROIs returns the stimulation circle, reference rectangle and background
// rectangle placed on non-overlapping integer pixel positions.
func (o SynthOptions) ROIs() []nd2.ROI {
	w, h, um := o.Width, o.Height, o.MicronsPerPixel
	at := func(x, y int) nd2.Vec3 { return nd2.Vec3{X: float64(x) * um, Y: float64(y) * um} }
	even := func(v int) int { return max(2, v-v%2) }
	radius := max(1, min(w, h)/8)
	refSize := even(w / 5)
	bgSize := even(w / 8)

	return []nd2.ROI{
		{
			Shape:     nd2.ShapeCircle,
			Role:      nd2.RoleStimulation,
			Keyframes: []nd2.Keyframe{{Position: at(w/2, h/2), Size: nd2.Vec3{X: float64(radius) * um, Y: float64(radius) * um}}},
		},
		{
			Shape:     nd2.ShapeRectangle,
			Role:      nd2.RoleReference,
			Keyframes: []nd2.Keyframe{{Position: at(w/5, 3*h/4), Size: nd2.Vec3{X: float64(refSize) * um, Y: float64(refSize) * um}}},
		},
		{
			Shape:     nd2.ShapeRectangle,
			Role:      nd2.RoleBackground,
			Keyframes: []nd2.Keyframe{{Position: at(6*w/7, h/7), Size: nd2.Vec3{X: float64(bgSize) * um, Y: float64(bgSize) * um}}},
		},
	}
}

func (o SynthOptions) Experiment() nd2.Experiment {
	return nd2.Experiment{
		Description: "ND Stimulation",
		Loops: []nd2.Loop{
			{Duration: float64(o.PreFrames) * o.IntervalMs, SamplingInterval: o.IntervalMs, Count: o.PreFrames},
			{Duration: o.StimDurationMs, Stimulation: true},
			{Duration: float64(o.PostFrames) * o.IntervalMs, SamplingInterval: o.IntervalMs, Count: o.PostFrames},
		},
	}
}

// TimestampMs is the acquisition time of frame t.
func (o SynthOptions) TimestampMs(t int) float64 {
	if t < o.PreFrames {
		return float64(t) * o.IntervalMs
	}
	return float64(o.PreFrames)*o.IntervalMs + o.StimDurationMs + float64(t-o.PreFrames)*o.IntervalMs
}

// Recovery is the fraction of pre-bleach stimulation signal present at
// frame t, ignoring acquisition bleaching.
func (o SynthOptions) Recovery(t int) float64 {
	if t < o.PreFrames {
		return 1
	}
	since := (o.TimestampMs(t) - o.TimestampMs(o.PreFrames)) / 1000
	recovered := 1.0
	if o.RecoveryTauSec > 0 {
		recovered = 1 - math.Exp(-since/o.RecoveryTauSec)
	}
	return 1 - o.BleachDepth*(1-o.MobileFraction*recovered)
}

func (o SynthOptions) acquisition(t int) float64 {
	return math.Pow(1-o.AcquisitionBleach, float64(t))
}

func (o SynthOptions) validate() error {
	if o.Width < 16 || o.Height < 16 {
		return fmt.Errorf("%w: synthetic image must be at least 16x16", ErrInvalidOptions)
	}
	if o.PreFrames < 1 || o.PostFrames < 1 || o.IntervalMs <= 0 {
		return fmt.Errorf("%w: need pre and post frames with a positive interval", ErrInvalidOptions)
	}
	if o.MicronsPerPixel <= 0 {
		return fmt.Errorf("%w: microns per pixel must be positive", ErrInvalidOptions)
	}
	return nil
}

// Synthesize writes a synthetic FRAP acquisition as ND2 to w.
func Synthesize(w io.Writer, o SynthOptions) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.Components <= 0 {
		o.Components = 1
	}
	out, err := nd2.NewWriter(w, nd2.Attributes{
		Width:        o.Width,
		Height:       o.Height,
		Components:   o.Components,
		BitsInMemory: o.BitsInMemory,
	})
	if err != nil {
		return err
	}
	rois := o.ROIs()
	out.SetCalibration(o.MicronsPerPixel)
	out.SetExperiment(o.Experiment())
	out.SetROIs(rois)

	stimMask, err := NewMask(rois[0], o.Width, o.Height, o.MicronsPerPixel)
	if err != nil {
		return err
	}
	refMask, err := NewMask(rois[1], o.Width, o.Height, o.MicronsPerPixel)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	total := o.PreFrames + o.PostFrames
	for t := 0; t < total; t++ {
		acq := o.acquisition(t)
		channels := make([][]float64, o.Components)
		for c := range channels {
			pix := make([]float64, o.Width*o.Height)
			for i := range pix {
				pix[i] = o.Background
			}
			for _, i := range refMask.Index {
				pix[i] += o.Reference * acq
			}
			for _, i := range stimMask.Index {
				pix[i] += o.Stimulation * acq * o.Recovery(t)
			}
			if o.Noise > 0 {
				for i := range pix {
					pix[i] += rng.NormFloat64() * o.Noise
				}
			}
			channels[c] = pix
		}
		if err := out.WriteFrame(o.TimestampMs(t), channels...); err != nil {
			return err
		}
	}
	return out.Close()
}

func SynthesizeFile(path string, o SynthOptions) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Synthesize(fh, o); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
