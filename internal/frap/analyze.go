package frap

import (
	"context"
	"fmt"
	"math"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
	"github.com/rs/zerolog/log"
)

type ROISummary struct {
	Role     nd2.Role  `json:"role"`
	Shape    nd2.Shape `json:"shape"`
	Position nd2.Vec3  `json:"position_um"`
	Size     nd2.Vec3  `json:"size_um"`
	Pixels   int       `json:"pixels"`
}

// Result is a complete analysis of one acquisition.
type Result struct {
	Source          string         `json:"source,omitempty"`
	Description     string         `json:"description"`
	Width           int            `json:"width"`
	Height          int            `json:"height"`
	Frames          int            `json:"frames"`
	Channel         int            `json:"channel"`
	MicronsPerPixel float64        `json:"microns_per_pixel"`
	ROIs            []ROISummary   `json:"rois"`
	Background      float64        `json:"background"`
	Times           []float64      `json:"times"`
	BackgroundMean  Series         `json:"background_mean"`
	ReferenceMean   Series         `json:"reference_mean"`
	StimulationMean Series         `json:"stimulation_mean"`
	Curve           Curve          `json:"curve"`
	Recovery        *RecoveryStats `json:"recovery,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
}

// Analyze reads every frame once and computes the per-ROI series, the
// normalized curve and the recovery statistics.
func (a *Analyzer) Analyze(ctx context.Context) (Result, error) {
	bg, err := a.require(a.background, nd2.RoleBackground)
	if err != nil && a.opts.SubtractBackground {
		return Result{}, err
	}
	ref, err := a.require(a.reference, nd2.RoleReference)
	if err != nil {
		return Result{}, err
	}
	stim, err := a.require(a.stimulation, nd2.RoleStimulation)
	if err != nil {
		return Result{}, err
	}

	rois := []nd2.ROI{ref, stim}
	if a.background != nil {
		rois = append(rois, bg)
	}
	masks := make([]Mask, len(rois))
	summaries := make([]ROISummary, len(rois))
	for i, roi := range rois {
		m, err := a.mask(roi)
		if err != nil {
			return Result{}, err
		}
		masks[i] = m
		summaries[i] = ROISummary{
			Role:     roi.Role,
			Shape:    roi.Shape,
			Position: roi.Position(),
			Size:     roi.Size(),
			Pixels:   m.Len(),
		}
	}

	s, err := a.collect(ctx, masks...)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Description:     a.meta.Experiment.Description,
		Width:           a.meta.Attributes.Width,
		Height:          a.meta.Attributes.Height,
		Frames:          len(s.times),
		Channel:         a.opts.Channel,
		MicronsPerPixel: a.meta.MicronsPerPixel,
		ROIs:            summaries,
		Times:           relativeSeconds(s.times),
	}

	var background float64
	if a.background != nil {
		bgFrames := s.values[2]
		res.BackgroundMean = reduce(bgFrames, 0, true).PerFrame
		if a.opts.SubtractBackground {
			background = backgroundLevel(bgFrames)
		}
	}
	res.Background = background
	res.ReferenceMean = reduce(s.values[0], background, a.opts.OnlyPositive).PerFrame
	res.StimulationMean = reduce(s.values[1], background, a.opts.OnlyPositive).PerFrame

	index, found := a.BleachIndex()
	if !found {
		res.Warnings = append(res.Warnings, "no stimulation loop in experiment, bleach index covers all loops")
	}
	res.Curve, err = normalize(s.times, res.ReferenceMean, res.StimulationMean, index)
	if err != nil {
		return Result{}, err
	}
	if res.Curve.BleachIndex < index {
		res.Warnings = append(res.Warnings, fmt.Sprintf("experiment loops place the bleach at frame %d but the file holds %d frames", index, res.Frames))
	}

	stats, err := Recovery(res.Curve, a.opts.PlateauWindow)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	} else {
		res.Recovery = &stats
	}
	if countNaN(res.StimulationMean) > 0 {
		res.Warnings = append(res.Warnings, "stimulation roi has frames without positive pixels")
	}

	log.Debug().
		Int("frames", res.Frames).
		Int("bleach_index", index).
		Float64("background", background).
		Msg("frap: analysis complete")
	return res, nil
}

func countNaN(s Series) int {
	n := 0
	for _, v := range s {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}
