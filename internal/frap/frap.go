// Package frap analyzes FRAP (fluorescence recovery after photobleaching)
// acquisitions stored in ND2 files.
//
// An acquisition carries three ROIs: a stimulation ROI that is bleached, a
// reference ROI that tracks acquisition bleaching, and a background ROI.
// The experiment loops split the frames into pre-bleach scans, the
// stimulation phase and post-bleach scans.
package frap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

var (
	ErrROINotFound      = errors.New("frap: roi not found")
	ErrUnsupportedShape = errors.New("frap: only circular and rectangular ROIs are supported")
	ErrEmptyROI         = errors.New("frap: roi covers no pixels")
	ErrNoPreBleach      = errors.New("frap: no pre-bleach frames")
	ErrNoPostBleach     = errors.New("frap: no post-bleach frames")
	ErrNoFrames         = errors.New("frap: file has no frames")
	ErrInvalidOptions   = errors.New("frap: invalid options")
)

// Source is the frame and metadata access an analysis needs. *nd2.File
// satisfies it.
type Source interface {
	Metadata() nd2.Metadata
	FrameCount() int
	Frame(ctx context.Context, t, channel int) (nd2.Plane, error)
}

type Options struct {
	Channel            int
	SubtractBackground bool
	OnlyPositive       bool
	// PlateauWindow is the number of trailing frames averaged into the
	// recovery plateau.
	PlateauWindow int
}

func DefaultOptions() Options {
	return Options{
		Channel:            0,
		SubtractBackground: true,
		OnlyPositive:       true,
		PlateauWindow:      5,
	}
}

type Analyzer struct {
	src  Source
	opts Options
	meta nd2.Metadata

	background  *nd2.ROI
	reference   *nd2.ROI
	stimulation *nd2.ROI
}

// NewAnalyzer resolves the ROIs of src. Missing ROIs are reported by the
// operations that need them.
func NewAnalyzer(src Source, opts Options) (*Analyzer, error) {
	meta := src.Metadata()
	if opts.Channel < 0 || (meta.Attributes.Components > 0 && opts.Channel >= meta.Attributes.Components) {
		return nil, fmt.Errorf("%w: channel %d (components=%d)", ErrInvalidOptions, opts.Channel, meta.Attributes.Components)
	}
	if opts.PlateauWindow <= 0 {
		opts.PlateauWindow = DefaultOptions().PlateauWindow
	}

	a := &Analyzer{src: src, opts: opts, meta: meta}
	a.background = findROI(meta.ROIs, nd2.RoleBackground)
	a.reference = findROI(meta.ROIs, nd2.RoleReference)
	a.stimulation = findROI(meta.ROIs, nd2.RoleStimulation)
	return a, nil
}

func findROI(rois []nd2.ROI, role nd2.Role) *nd2.ROI {
	roi, ok := nd2.FindROI(rois, role)
	if !ok {
		return nil
	}
	return &roi
}

func roiOrZero(roi *nd2.ROI) (nd2.ROI, bool) {
	if roi == nil {
		return nd2.ROI{}, false
	}
	return *roi, true
}

func (a *Analyzer) Background() (nd2.ROI, bool)  { return roiOrZero(a.background) }
func (a *Analyzer) Reference() (nd2.ROI, bool)   { return roiOrZero(a.reference) }
func (a *Analyzer) Stimulation() (nd2.ROI, bool) { return roiOrZero(a.stimulation) }

func (a *Analyzer) Options() Options {
	return a.opts
}

func (a *Analyzer) Metadata() nd2.Metadata {
	return a.meta
}

func (a *Analyzer) mask(roi nd2.ROI) (Mask, error) {
	attrs := a.meta.Attributes
	return NewMask(roi, attrs.Width, attrs.Height, a.meta.MicronsPerPixel)
}

func (a *Analyzer) require(roi *nd2.ROI, role nd2.Role) (nd2.ROI, error) {
	if roi == nil {
		return nd2.ROI{}, fmt.Errorf("%w: %s", ErrROINotFound, role)
	}
	return *roi, nil
}
