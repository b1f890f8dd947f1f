package frap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

type fakeSource struct {
	meta   nd2.Metadata
	planes []nd2.Plane
	reads  int
}

func (f *fakeSource) Metadata() nd2.Metadata { return f.meta }
func (f *fakeSource) FrameCount() int        { return len(f.planes) }
func (f *fakeSource) Frame(ctx context.Context, t, channel int) (nd2.Plane, error) {
	if err := ctx.Err(); err != nil {
		return nd2.Plane{}, err
	}
	f.reads++
	return f.planes[t], nil
}

func rect(role nd2.Role, x, y, w, h float64) nd2.ROI {
	return nd2.ROI{Shape: nd2.ShapeRectangle, Role: role, Keyframes: []nd2.Keyframe{{
		Position: nd2.Vec3{X: x, Y: y},
		Size:     nd2.Vec3{X: w, Y: h},
	}}}
}

func synthSource(t *testing.T, o SynthOptions) *nd2.File {
	t.Helper()
	var buf bytes.Buffer
	if err := Synthesize(&buf, o); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	f, err := nd2.NewFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open synthetic file: %v", err)
	}
	return f
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestToPixelRoundsHalfToEven(t *testing.T) {
	tests := []struct {
		micron, scale float64
		want          int
	}{
		{2.5, 1, 2},
		{3.5, 1, 4},
		{1.0, 0.5, 2},
		{1.25, 0.5, 2},
		{-0.5, 1, 0},
	}
	for _, tt := range tests {
		if got := ToPixel(tt.micron, tt.scale); got != tt.want {
			t.Fatalf("ToPixel(%v, %v) = %d want %d", tt.micron, tt.scale, got, tt.want)
		}
	}
}

func TestCircleMask(t *testing.T) {
	roi := nd2.ROI{Shape: nd2.ShapeCircle, Keyframes: []nd2.Keyframe{{
		Position: nd2.Vec3{X: 5, Y: 5},
		Size:     nd2.Vec3{X: 1, Y: 1},
	}}}
	m, err := NewMask(roi, 10, 10, 1)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if m.Len() != 5 {
		t.Fatalf("radius 1 circle should cover 5 pixels, got %d", m.Len())
	}
	for _, p := range [][2]int{{5, 5}, {4, 5}, {6, 5}, {5, 4}, {5, 6}} {
		if !m.Contains(p[0], p[1]) {
			t.Fatalf("expected (%d,%d) inside", p[0], p[1])
		}
	}
	if m.Contains(4, 4) || m.Contains(-1, 5) {
		t.Fatalf("unexpected pixel inside circle")
	}
}

func TestCircleMaskClipsToImage(t *testing.T) {
	roi := nd2.ROI{Shape: nd2.ShapeCircle, Keyframes: []nd2.Keyframe{{Size: nd2.Vec3{X: 2}}}}
	m, err := NewMask(roi, 8, 8, 1)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	// quarter disc of radius 2 at the origin
	if m.Len() != 6 {
		t.Fatalf("unexpected clipped size %d", m.Len())
	}
}

func TestRectangleMaskOrientation(t *testing.T) {
	// 2x1 µm at 0.5 µm/px, centered on pixel (4, 2)
	roi := rect(nd2.RoleReference, 2, 1, 2, 1)
	m, err := NewMask(roi, 10, 6, 0.5)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	// columns 2..6, rows 1..3
	if m.Len() != 15 {
		t.Fatalf("unexpected pixel count %d", m.Len())
	}
	if !m.Contains(2, 1) || !m.Contains(6, 3) {
		t.Fatalf("corners missing")
	}
	if m.Contains(1, 2) || m.Contains(4, 4) {
		t.Fatalf("pixel outside extent included")
	}
}

func TestMaskErrors(t *testing.T) {
	poly := nd2.ROI{Shape: nd2.ShapeUnknown, Role: nd2.RoleStimulation}
	if _, err := NewMask(poly, 10, 10, 1); !errors.Is(err, ErrUnsupportedShape) {
		t.Fatalf("expected ErrUnsupportedShape, got %v", err)
	}
	outside := rect(nd2.RoleBackground, 50, 50, 2, 2)
	if _, err := NewMask(outside, 10, 10, 1); !errors.Is(err, ErrEmptyROI) {
		t.Fatalf("expected ErrEmptyROI, got %v", err)
	}
}

func TestBleachIndex(t *testing.T) {
	tests := []struct {
		name  string
		loops []nd2.Loop
		want  int
		found bool
	}{
		{
			name: "pre then stimulation",
			loops: []nd2.Loop{
				{Duration: 5000, SamplingInterval: 1000},
				{Duration: 500, Stimulation: true},
				{Duration: 20000, SamplingInterval: 1000},
			},
			want: 5, found: true,
		},
		{
			name: "half rounds to even",
			loops: []nd2.Loop{
				{Duration: 2500, SamplingInterval: 1000},
				{Stimulation: true},
			},
			want: 2, found: true,
		},
		{
			name: "zero interval contributes nothing",
			loops: []nd2.Loop{
				{Duration: 1000, SamplingInterval: 0},
				{Duration: 3000, SamplingInterval: 1000},
				{Stimulation: true},
			},
			want: 3, found: true,
		},
		{
			name:  "no stimulation",
			loops: []nd2.Loop{{Duration: 4000, SamplingInterval: 1000}},
			want:  4, found: false,
		},
		{
			name:  "stimulation first",
			loops: []nd2.Loop{{Stimulation: true}, {Duration: 4000, SamplingInterval: 1000}},
			want:  0, found: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := BleachIndex(nd2.Experiment{Loops: tt.loops})
			if got != tt.want || found != tt.found {
				t.Fatalf("BleachIndex = %d,%v want %d,%v", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestReduceMasksNonPositiveAndEmptyFrames(t *testing.T) {
	frames := [][]float64{
		{110, 120, 90},
		{95, 100, 80},
		{130, 100, 140},
	}
	got := reduce(frames, 100, true)
	if got.PerFrame[0] != 15 {
		t.Fatalf("frame 0 mean = %v", got.PerFrame[0])
	}
	if !math.IsNaN(got.PerFrame[1]) {
		t.Fatalf("frame 1 should be NaN, got %v", got.PerFrame[1])
	}
	if got.PerFrame[2] != 35 {
		t.Fatalf("frame 2 mean = %v", got.PerFrame[2])
	}
	if got.Pixels != 4 || got.Mean != 25 {
		t.Fatalf("overall mean = %v over %d pixels", got.Mean, got.Pixels)
	}

	all := reduce(frames, 100, false)
	if !near(all.PerFrame[1], -25.0/3, 1e-12) {
		t.Fatalf("unmasked frame 1 mean = %v", all.PerFrame[1])
	}
}

func TestBackgroundLevelIgnoresNonPositive(t *testing.T) {
	got := backgroundLevel([][]float64{{0, 10}, {-3, 30}})
	if got != 20 {
		t.Fatalf("background = %v", got)
	}
	if got := backgroundLevel([][]float64{{0, -1}}); got != 0 {
		t.Fatalf("empty background = %v", got)
	}
}

func TestMeanIntensityWithFakeSource(t *testing.T) {
	src := &fakeSource{
		meta: nd2.Metadata{
			Attributes:      nd2.Attributes{Width: 4, Height: 2, Components: 1},
			MicronsPerPixel: 1,
			ROIs: []nd2.ROI{
				rect(nd2.RoleBackground, 0, 0, 0, 0),
				rect(nd2.RoleReference, 2, 1, 2, 0),
			},
		},
		planes: []nd2.Plane{
			{Width: 4, Height: 2, Pix: []float64{10, 0, 0, 0, 0, 50, 60, 70}},
			{Width: 4, Height: 2, Pix: []float64{30, 0, 0, 0, 0, 5, 80, 90}},
		},
	}
	a, err := NewAnalyzer(src, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	ref, ok := a.Reference()
	if !ok {
		t.Fatalf("reference roi missing")
	}

	bg, err := a.BackgroundLevel(context.Background())
	if err != nil || bg != 20 {
		t.Fatalf("background = %v, %v", bg, err)
	}

	got, err := a.MeanIntensity(context.Background(), ref, MeanOptions{KeepTime: true, SubtractBackground: true, OnlyPositive: true})
	if err != nil {
		t.Fatalf("mean intensity: %v", err)
	}
	// frame 0: 30,40,50 ; frame 1: 60,70 (5-20 masked)
	if got.PerFrame[0] != 40 || got.PerFrame[1] != 65 {
		t.Fatalf("per frame = %v", got.PerFrame)
	}

	flat, err := a.MeanIntensity(context.Background(), ref, MeanOptions{})
	if err != nil {
		t.Fatalf("mean intensity: %v", err)
	}
	if flat.PerFrame != nil || !near(flat.Mean, (50+60+70+5+80+90)/6.0, 1e-12) {
		t.Fatalf("flat mean = %+v", flat)
	}
}

func TestMissingROIs(t *testing.T) {
	src := &fakeSource{
		meta: nd2.Metadata{
			Attributes:      nd2.Attributes{Width: 4, Height: 4, Components: 1},
			MicronsPerPixel: 1,
			ROIs:            []nd2.ROI{rect(nd2.RoleReference, 1, 1, 1, 1)},
		},
		planes: []nd2.Plane{{Width: 4, Height: 4, Pix: make([]float64, 16)}},
	}
	a, err := NewAnalyzer(src, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	ref, _ := a.Reference()
	if _, err := a.MeanIntensity(context.Background(), ref, MeanOptions{SubtractBackground: true}); !errors.Is(err, ErrROINotFound) {
		t.Fatalf("expected ErrROINotFound for background, got %v", err)
	}
	if _, err := a.Analyze(context.Background()); !errors.Is(err, ErrROINotFound) {
		t.Fatalf("expected ErrROINotFound, got %v", err)
	}
	if _, ok := a.Stimulation(); ok {
		t.Fatalf("unexpected stimulation roi")
	}
}

func TestNewAnalyzerRejectsChannel(t *testing.T) {
	src := &fakeSource{meta: nd2.Metadata{Attributes: nd2.Attributes{Width: 4, Height: 4, Components: 2}}}
	opts := DefaultOptions()
	opts.Channel = 2
	if _, err := NewAnalyzer(src, opts); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func TestAnalyzeSyntheticAcquisition(t *testing.T) {
	o := DefaultSynthOptions()
	src := synthSource(t, o)
	a, err := NewAnalyzer(src, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	res, err := a.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	total := o.PreFrames + o.PostFrames
	if res.Frames != total || len(res.Curve.Values) != total {
		t.Fatalf("unexpected frame count %d / %d", res.Frames, len(res.Curve.Values))
	}
	if res.Curve.BleachIndex != o.PreFrames {
		t.Fatalf("bleach index = %d", res.Curve.BleachIndex)
	}
	if !near(res.Background, o.Background, 1e-9) {
		t.Fatalf("background = %v", res.Background)
	}
	for i, v := range res.Curve.Values {
		if !near(v, o.Recovery(i), 0.01) {
			t.Fatalf("curve[%d] = %v want %v", i, v, o.Recovery(i))
		}
	}
	if res.Curve.Times[0] != 0 || !near(res.Curve.Times[o.PreFrames], 5.5, 1e-9) {
		t.Fatalf("unexpected times %v", res.Curve.Times[:o.PreFrames+1])
	}

	if res.Recovery == nil {
		t.Fatalf("missing recovery stats, warnings=%v", res.Warnings)
	}
	r := res.Recovery
	if !near(r.Bleach, 0.4, 0.01) || !near(r.PreBleach, 1, 0.01) {
		t.Fatalf("unexpected bleach levels %+v", r)
	}
	if !near(r.MobileFraction, o.MobileFraction, 0.02) || !near(r.ImmobileFraction, 1-o.MobileFraction, 0.02) {
		t.Fatalf("unexpected mobile fraction %+v", r)
	}
	if !near(r.HalfTime, o.RecoveryTauSec*math.Ln2, 0.15) {
		t.Fatalf("half time = %v", r.HalfTime)
	}
	if len(res.ROIs) != 3 || res.ROIs[1].Role != nd2.RoleStimulation {
		t.Fatalf("unexpected roi summary %+v", res.ROIs)
	}
}

func TestAnalyzeReadsEachFrameOnce(t *testing.T) {
	o := DefaultSynthOptions()
	o.PostFrames = 6
	file := synthSource(t, o)
	planes := make([]nd2.Plane, file.FrameCount())
	for i := range planes {
		p, err := file.Frame(context.Background(), i, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		planes[i] = p
	}
	src := &fakeSource{meta: file.Metadata(), planes: planes}
	a, err := NewAnalyzer(src, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	if _, err := a.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if src.reads != len(planes) {
		t.Fatalf("read %d frames for %d planes", src.reads, len(planes))
	}
}

func TestNormalizedStimulationNoPreBleach(t *testing.T) {
	o := DefaultSynthOptions()
	file := synthSource(t, o)
	meta := file.Metadata()
	meta.Experiment.Loops = append([]nd2.Loop{{Stimulation: true}}, meta.Experiment.Loops...)

	planes := make([]nd2.Plane, file.FrameCount())
	for i := range planes {
		planes[i], _ = file.Frame(context.Background(), i, 0)
	}
	a, err := NewAnalyzer(&fakeSource{meta: meta, planes: planes}, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	if _, err := a.NormalizedStimulation(context.Background()); !errors.Is(err, ErrNoPreBleach) {
		t.Fatalf("expected ErrNoPreBleach, got %v", err)
	}
}

func TestAnalyzeHonorsCancellation(t *testing.T) {
	file := synthSource(t, DefaultSynthOptions())
	a, err := NewAnalyzer(file, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Analyze(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRecovery(t *testing.T) {
	c := Curve{
		Times:       []float64{0, 1, 2, 3, 4, 5, 6},
		Values:      Series{1, 1, 0.2, 0.4, 0.6, 0.6, 0.6},
		BleachIndex: 2,
	}
	s, err := Recovery(c, 3)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if s.PreBleach != 1 || s.Bleach != 0.2 || !near(s.Plateau, 0.6, 1e-12) {
		t.Fatalf("unexpected levels %+v", s)
	}
	if !near(s.BleachDepth, 0.8, 1e-12) || !near(s.MobileFraction, 0.5, 1e-12) {
		t.Fatalf("unexpected fractions %+v", s)
	}
	// halfway level 0.4 is reached exactly at t=3
	if !near(s.HalfTime, 1, 1e-12) {
		t.Fatalf("half time = %v", s.HalfTime)
	}
}

func TestRecoveryEdgeCases(t *testing.T) {
	if _, err := Recovery(Curve{Values: Series{1, 1}, BleachIndex: 2}, 3); !errors.Is(err, ErrNoPostBleach) {
		t.Fatalf("expected ErrNoPostBleach, got %v", err)
	}
	if _, err := Recovery(Curve{Values: Series{1, 1}}, 3); !errors.Is(err, ErrNoPreBleach) {
		t.Fatalf("expected ErrNoPreBleach, got %v", err)
	}

	flat := Curve{Times: []float64{0, 1, 2, 3}, Values: Series{1, 0.5, 0.5, 0.4}, BleachIndex: 1}
	s, err := Recovery(flat, 2)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if !math.IsNaN(s.HalfTime) {
		t.Fatalf("expected NaN half time, got %v", s.HalfTime)
	}
}

func TestSeriesJSONNaN(t *testing.T) {
	in := Series{1.5, math.NaN(), 2}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[1.5,null,2]" {
		t.Fatalf("unexpected json %s", data)
	}
	var out Series
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 3 || !math.IsNaN(out[1]) || out[2] != 2 {
		t.Fatalf("unexpected series %v", out)
	}

	stats, err := json.Marshal(RecoveryStats{HalfTime: math.NaN()})
	if err != nil {
		t.Fatalf("marshal stats: %v", err)
	}
	if !bytes.Contains(stats, []byte(`"half_time":null`)) {
		t.Fatalf("unexpected stats json %s", stats)
	}
}

func TestNormalizeClampsBleachIndexToFrames(t *testing.T) {
	times := []float64{0, 1000, 2000, 3000}
	ref := Series{100, 100, 100, 100}
	stim := Series{50, 50, 50, 50}

	c, err := normalize(times, ref, stim, 6)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if c.BleachIndex != 4 || len(c.Values) != 4 {
		t.Fatalf("expected clamped index 4 and 4 values, got index %d with %d values", c.BleachIndex, len(c.Values))
	}
	for i, v := range c.Values {
		if !near(v, 1, 1e-12) {
			t.Fatalf("value %d = %v, want 1", i, v)
		}
	}
	if _, err := Recovery(c, 5); !errors.Is(err, ErrNoPostBleach) {
		t.Fatalf("expected ErrNoPostBleach, got %v", err)
	}
}

func TestAnalyzeAbortedAcquisition(t *testing.T) {
	o := DefaultSynthOptions()
	file := synthSource(t, o)
	planes := make([]nd2.Plane, o.PreFrames-2)
	for i := range planes {
		p, err := file.Frame(context.Background(), i, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		planes[i] = p
	}
	a, err := NewAnalyzer(&fakeSource{meta: file.Metadata(), planes: planes}, DefaultOptions())
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	res, err := a.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Curve.Values) != len(planes) || res.Curve.BleachIndex != len(planes) {
		t.Fatalf("unexpected curve: %d values, bleach index %d", len(res.Curve.Values), res.Curve.BleachIndex)
	}
	if res.Recovery != nil {
		t.Fatalf("expected no recovery stats without post-bleach frames")
	}
	if len(res.Warnings) < 2 {
		t.Fatalf("expected clamp and recovery warnings, got %v", res.Warnings)
	}
}
