package nd2

import (
	"fmt"
	"strconv"

	"github.com/rbnvrw/frapalyzer/internal/nd2/lv"
)

// Chunk names holding metadata.
const (
	LabelAttributes  = "ImageAttributesLV!"
	LabelCalibration = "ImageCalibrationLV|0!"
	LabelExperiment  = "ImageMetadataLV!"
	LabelROIs        = "CustomData|RoiMetadata_v1!"
)

const (
	shapeCodeRectangle = 3
	shapeCodeCircle    = 9

	roleCodeBackground  = 2
	roleCodeReference   = 3
	roleCodeStimulation = 4

	loopTypeTime        = 1
	loopTypeStimulation = 6
)

type Shape string

const (
	ShapeUnknown   Shape = "unknown"
	ShapeRectangle Shape = "rectangle"
	ShapeCircle    Shape = "circle"
)

type Role string

const (
	RoleUnknown     Role = "unknown"
	RoleBackground  Role = "background"
	RoleReference   Role = "reference"
	RoleStimulation Role = "stimulation"
)

// Attributes describe the pixel layout of every frame.
type Attributes struct {
	Width           int `json:"width"`
	Height          int `json:"height"`
	WidthBytes      int `json:"width_bytes"`
	Components      int `json:"components"`
	BitsInMemory    int `json:"bits_in_memory"`
	BitsSignificant int `json:"bits_significant"`
	SequenceCount   int `json:"sequence_count"`
}

// BytesPerSample is the in-memory width of one component sample.
func (a Attributes) BytesPerSample() int {
	return a.BitsInMemory / 8
}

// RowStride is the byte length of one image row.
func (a Attributes) RowStride() int {
	if a.WidthBytes > 0 {
		return a.WidthBytes
	}
	return a.Width * a.Components * a.BytesPerSample()
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Keyframe is one animation step of an ROI. Position and size are in microns.
type Keyframe struct {
	TimeMs   float64 `json:"time_ms"`
	Position Vec3    `json:"position"`
	Size     Vec3    `json:"size"`
}

type ROI struct {
	ID        int        `json:"id"`
	Shape     Shape      `json:"shape"`
	Role      Role       `json:"role"`
	Keyframes []Keyframe `json:"keyframes"`
}

// Position returns the first keyframe position.
func (r ROI) Position() Vec3 {
	if len(r.Keyframes) == 0 {
		return Vec3{}
	}
	return r.Keyframes[0].Position
}

// Size returns the first keyframe size.
func (r ROI) Size() Vec3 {
	if len(r.Keyframes) == 0 {
		return Vec3{}
	}
	return r.Keyframes[0].Size
}

// Loop is one phase of the acquisition. Times are in milliseconds.
type Loop struct {
	Start            float64 `json:"start"`
	Duration         float64 `json:"duration"`
	SamplingInterval float64 `json:"sampling_interval"`
	Count            int     `json:"count"`
	Stimulation      bool    `json:"stimulation"`
}

type Experiment struct {
	Description string `json:"description"`
	Loops       []Loop `json:"loops"`
}

// Metadata is everything the reader extracts besides pixel data.
type Metadata struct {
	Attributes      Attributes `json:"attributes"`
	MicronsPerPixel float64    `json:"microns_per_pixel"`
	FrameCount      int        `json:"frame_count"`
	ROIs            []ROI      `json:"rois"`
	Experiment      Experiment `json:"experiment"`
}

func parseAttributes(fields []lv.Field) (Attributes, error) {
	if _, ok := lv.Get(fields, "SLxImageAttributes"); !ok {
		return Attributes{}, fmt.Errorf("%w: SLxImageAttributes", ErrMissingMetadata)
	}
	num := func(name string) int {
		return int(lv.NumberAt(fields, 0, "SLxImageAttributes", name))
	}
	a := Attributes{
		Width:           num("uiWidth"),
		Height:          num("uiHeight"),
		WidthBytes:      num("uiWidthBytes"),
		Components:      num("uiComp"),
		BitsInMemory:    num("uiBpcInMemory"),
		BitsSignificant: num("uiBpcSignificant"),
		SequenceCount:   num("uiSequenceCount"),
	}
	if a.Width <= 0 || a.Height <= 0 {
		return Attributes{}, fmt.Errorf("%w: image width/height", ErrMissingMetadata)
	}
	if a.Components <= 0 {
		a.Components = 1
	}
	if a.BitsInMemory == 0 {
		a.BitsInMemory = 16
	}
	if a.BitsSignificant == 0 {
		a.BitsSignificant = a.BitsInMemory
	}
	if err := a.validate(); err != nil {
		return Attributes{}, err
	}
	return a, nil
}

// validate checks that a row of the declared stride holds every sample.
func (a Attributes) validate() error {
	switch a.BitsInMemory {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedDepth, a.BitsInMemory)
	}
	if a.Width <= 0 || a.Height <= 0 || a.Components <= 0 {
		return fmt.Errorf("%w: %dx%d px, %d components", ErrInvalidLayout, a.Width, a.Height, a.Components)
	}
	if packed := a.Width * a.Components * a.BytesPerSample(); a.RowStride() < packed {
		return fmt.Errorf("%w: row stride %d bytes below %d packed bytes", ErrInvalidLayout, a.RowStride(), packed)
	}
	return nil
}

func encodeAttributes(a Attributes) []lv.Field {
	return []lv.Field{lv.NewLevel("SLxImageAttributes",
		lv.NewUint32("uiWidth", uint32(a.Width)),
		lv.NewUint32("uiWidthBytes", uint32(a.RowStride())),
		lv.NewUint32("uiHeight", uint32(a.Height)),
		lv.NewUint32("uiComp", uint32(a.Components)),
		lv.NewUint32("uiBpcInMemory", uint32(a.BitsInMemory)),
		lv.NewUint32("uiBpcSignificant", uint32(a.BitsSignificant)),
		lv.NewUint32("uiSequenceCount", uint32(a.SequenceCount)),
	)}
}

// parseCalibration returns microns per pixel, 0 when absent.
func parseCalibration(fields []lv.Field) float64 {
	return lv.NumberAt(fields, 0, "SLxCalibration", "dCalibration")
}

func encodeCalibration(micronsPerPixel float64) []lv.Field {
	return []lv.Field{lv.NewLevel("SLxCalibration",
		lv.NewDouble("dCalibration", micronsPerPixel),
		lv.NewBool("bCalibrated", true),
	)}
}

func parseExperiment(fields []lv.Field) Experiment {
	exp := Experiment{Description: "unknown"}
	root, ok := lv.Get(fields, "SLxExperiment")
	if !ok || root.Type != lv.TypeLevel {
		return exp
	}
	if desc := lv.StringAt(root.Children, "wsApplicationDesc"); desc != "" {
		exp.Description = desc
	}
	pars, ok := lv.Get(root.Children, "uLoopPars")
	if !ok || pars.Type != lv.TypeLevel {
		return exp
	}
	outerType := lv.NumberAt(root.Children, loopTypeTime, "uiLoopType")

	var start float64
	for _, raw := range loopLevels(pars) {
		loop := parseLoop(raw, outerType)
		loop.Start = start
		start += loop.Duration
		exp.Loops = append(exp.Loops, loop)
	}
	return exp
}

// loopLevels flattens uLoopPars into its per-period levels.
func loopLevels(pars lv.Field) [][]lv.Field {
	periods, ok := lv.Get(pars.Children, "pPeriod")
	if !ok || periods.Type != lv.TypeLevel {
		return [][]lv.Field{pars.Children}
	}

	count := int(lv.NumberAt(pars.Children, float64(len(periods.Children)), "uiPeriodCount"))
	var valid []byte
	if v, ok := lv.Get(pars.Children, "pPeriodValid"); ok {
		valid, _ = v.Bytes()
	}

	out := make([][]lv.Field, 0, count)
	for i := 0; i < count; i++ {
		period, ok := lv.Get(periods.Children, strconv.Itoa(i))
		if !ok || period.Type != lv.TypeLevel {
			continue
		}
		if valid != nil && (i >= len(valid) || valid[i] != 1) {
			continue
		}
		out = append(out, period.Children)
	}
	return out
}

func parseLoop(fields []lv.Field, outerType float64) Loop {
	duration := lv.NumberAt(fields, 0, "dDuration")
	interval := lv.NumberAt(fields, 0, "dPeriod")
	if interval <= 0 {
		interval = lv.NumberAt(fields, 0, "dAvgPeriodDiff")
	}
	count := int(lv.NumberAt(fields, 0, "uiCount"))
	if duration == 0 && interval > 0 && count > 0 {
		duration = interval * float64(count)
	}
	loopType := lv.NumberAt(fields, outerType, "uiLoopType")
	return Loop{
		Duration:         duration,
		SamplingInterval: interval,
		Count:            count,
		Stimulation:      int(loopType) == loopTypeStimulation,
	}
}

func encodeExperiment(exp Experiment) []lv.Field {
	periods := make([]lv.Field, 0, len(exp.Loops))
	valid := make([]byte, 0, len(exp.Loops))
	for i, loop := range exp.Loops {
		loopType := uint32(loopTypeTime)
		if loop.Stimulation {
			loopType = loopTypeStimulation
		}
		periods = append(periods, lv.NewLevel(strconv.Itoa(i),
			lv.NewUint32("uiLoopType", loopType),
			lv.NewDouble("dDuration", loop.Duration),
			lv.NewDouble("dPeriod", loop.SamplingInterval),
			lv.NewDouble("dAvgPeriodDiff", loop.SamplingInterval),
			lv.NewUint32("uiCount", uint32(loop.Count)),
		))
		valid = append(valid, 1)
	}
	desc := exp.Description
	if desc == "" {
		desc = "ND Stimulation"
	}
	return []lv.Field{lv.NewLevel("SLxExperiment",
		lv.NewUint32("uiLoopType", 8),
		lv.NewString("wsApplicationDesc", desc),
		lv.NewLevel("uLoopPars",
			lv.NewUint32("uiPeriodCount", uint32(len(exp.Loops))),
			lv.NewLevel("pPeriod", periods...),
			lv.NewBytes("pPeriodValid", valid),
		),
	)}
}

func shapeFromCode(code int) Shape {
	switch code {
	case shapeCodeRectangle:
		return ShapeRectangle
	case shapeCodeCircle:
		return ShapeCircle
	default:
		return ShapeUnknown
	}
}

func shapeCode(s Shape) uint32 {
	switch s {
	case ShapeRectangle:
		return shapeCodeRectangle
	case ShapeCircle:
		return shapeCodeCircle
	default:
		return 0
	}
}

func roleFromCode(code int) Role {
	switch code {
	case roleCodeBackground:
		return RoleBackground
	case roleCodeReference:
		return RoleReference
	case roleCodeStimulation:
		return RoleStimulation
	default:
		return RoleUnknown
	}
}

func roleCode(r Role) uint32 {
	switch r {
	case RoleBackground:
		return roleCodeBackground
	case RoleReference:
		return roleCodeReference
	case RoleStimulation:
		return roleCodeStimulation
	default:
		return 0
	}
}

// parseROIs converts RoiMetadata_v1. Keyframe centers are stored as
// fractions of the half image extent around the image center, sizes as
// fractions of a quarter of the image extent.
func parseROIs(fields []lv.Field, attrs Attributes, micronsPerPixel float64) []ROI {
	root, ok := lv.Get(fields, "RoiMetadata_v1")
	if !ok || root.Type != lv.TypeLevel {
		return nil
	}
	n := int(lv.NumberAt(root.Children, 0, "Global_Size"))
	rois := make([]ROI, 0, n)
	w, h := float64(attrs.Width), float64(attrs.Height)
	for i := 0; i < n; i++ {
		raw, ok := lv.Get(root.Children, strconv.Itoa(i))
		if !ok || raw.Type != lv.TypeLevel {
			continue
		}
		roi := ROI{
			ID:    i,
			Shape: shapeFromCode(int(lv.NumberAt(raw.Children, 0, "m_sInfo", "m_uiShapeType"))),
			Role:  roleFromCode(int(lv.NumberAt(raw.Children, 0, "m_sInfo", "m_uiInterpType"))),
		}
		frames := int(lv.NumberAt(raw.Children, 0, "m_vectAnimParams_Size"))
		for k := 0; k < frames; k++ {
			anim, ok := lv.Get(raw.Children, "m_vectAnimParams_"+strconv.Itoa(k))
			if !ok || anim.Type != lv.TypeLevel {
				continue
			}
			a := anim.Children
			roi.Keyframes = append(roi.Keyframes, Keyframe{
				TimeMs: lv.NumberAt(a, 0, "m_dTimeMs"),
				Position: Vec3{
					X: 0.5 * w * (1 + lv.NumberAt(a, 0, "m_dCenterX")) * micronsPerPixel,
					Y: 0.5 * h * (1 + lv.NumberAt(a, 0, "m_dCenterY")) * micronsPerPixel,
					Z: lv.NumberAt(a, 0, "m_dCenterZ"),
				},
				Size: Vec3{
					X: lv.NumberAt(a, 0, "m_sBoxShape", "m_dSizeX") * 0.25 * w * micronsPerPixel,
					Y: lv.NumberAt(a, 0, "m_sBoxShape", "m_dSizeY") * 0.25 * h * micronsPerPixel,
					Z: lv.NumberAt(a, 0, "m_sBoxShape", "m_dSizeZ"),
				},
			})
		}
		rois = append(rois, roi)
	}
	return rois
}

func encodeROIs(rois []ROI, attrs Attributes, micronsPerPixel float64) []lv.Field {
	w, h := float64(attrs.Width), float64(attrs.Height)
	items := []lv.Field{lv.NewUint32("Global_Size", uint32(len(rois)))}
	for i, roi := range rois {
		children := []lv.Field{
			lv.NewLevel("m_sInfo",
				lv.NewUint32("m_uiShapeType", shapeCode(roi.Shape)),
				lv.NewUint32("m_uiInterpType", roleCode(roi.Role)),
			),
			lv.NewUint32("m_vectAnimParams_Size", uint32(len(roi.Keyframes))),
		}
		for k, kf := range roi.Keyframes {
			children = append(children, lv.NewLevel("m_vectAnimParams_"+strconv.Itoa(k),
				lv.NewDouble("m_dTimeMs", kf.TimeMs),
				lv.NewDouble("m_dCenterX", kf.Position.X/micronsPerPixel/(0.5*w)-1),
				lv.NewDouble("m_dCenterY", kf.Position.Y/micronsPerPixel/(0.5*h)-1),
				lv.NewDouble("m_dCenterZ", kf.Position.Z),
				lv.NewLevel("m_sBoxShape",
					lv.NewDouble("m_dSizeX", kf.Size.X/micronsPerPixel/(0.25*w)),
					lv.NewDouble("m_dSizeY", kf.Size.Y/micronsPerPixel/(0.25*h)),
					lv.NewDouble("m_dSizeZ", kf.Size.Z),
				),
			))
		}
		items = append(items, lv.NewLevel(strconv.Itoa(i), children...))
	}
	return []lv.Field{lv.NewLevel("RoiMetadata_v1", items...)}
}
