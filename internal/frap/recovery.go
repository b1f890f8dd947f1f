package frap

import (
	"encoding/json"
	"fmt"
	"math"
)

// RecoveryStats summarizes a normalized curve.
type RecoveryStats struct {
	PreBleach        float64
	Bleach           float64
	Plateau          float64
	BleachDepth      float64
	MobileFraction   float64
	ImmobileFraction float64
	// HalfTime is seconds from the bleach frame until the curve first
	// reaches halfway between Bleach and Plateau. NaN when it never does.
	HalfTime float64
}

type recoveryJSON struct {
	PreBleach        *float64 `json:"pre_bleach"`
	Bleach           *float64 `json:"bleach"`
	Plateau          *float64 `json:"plateau"`
	BleachDepth      *float64 `json:"bleach_depth"`
	MobileFraction   *float64 `json:"mobile_fraction"`
	ImmobileFraction *float64 `json:"immobile_fraction"`
	HalfTime         *float64 `json:"half_time"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func (r RecoveryStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(recoveryJSON{
		PreBleach:        finite(r.PreBleach),
		Bleach:           finite(r.Bleach),
		Plateau:          finite(r.Plateau),
		BleachDepth:      finite(r.BleachDepth),
		MobileFraction:   finite(r.MobileFraction),
		ImmobileFraction: finite(r.ImmobileFraction),
		HalfTime:         finite(r.HalfTime),
	})
}

func (r *RecoveryStats) UnmarshalJSON(data []byte) error {
	var raw recoveryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = RecoveryStats{
		PreBleach:        orNaN(raw.PreBleach),
		Bleach:           orNaN(raw.Bleach),
		Plateau:          orNaN(raw.Plateau),
		BleachDepth:      orNaN(raw.BleachDepth),
		MobileFraction:   orNaN(raw.MobileFraction),
		ImmobileFraction: orNaN(raw.ImmobileFraction),
		HalfTime:         orNaN(raw.HalfTime),
	}
	return nil
}

// Recovery derives bleach depth, mobile fraction and half time from c.
// The plateau is the mean of the last window post-bleach values.
func Recovery(c Curve, window int) (RecoveryStats, error) {
	idx := c.BleachIndex
	if idx <= 0 {
		return RecoveryStats{}, ErrNoPreBleach
	}
	bleachAt := -1
	for t := idx; t < len(c.Values); t++ {
		if !math.IsNaN(c.Values[t]) {
			bleachAt = t
			break
		}
	}
	if bleachAt < 0 {
		return RecoveryStats{}, fmt.Errorf("%w: %d frames, bleach index %d", ErrNoPostBleach, len(c.Values), idx)
	}
	if window <= 0 {
		window = 1
	}

	post := c.Values[bleachAt:]
	tail := post[max(0, len(post)-window):]

	s := RecoveryStats{
		PreBleach: nanMean(c.Values[:idx]),
		Bleach:    c.Values[bleachAt],
		Plateau:   nanMean(tail),
		HalfTime:  math.NaN(),
	}
	s.BleachDepth = s.PreBleach - s.Bleach
	s.MobileFraction = math.NaN()
	if s.BleachDepth != 0 {
		s.MobileFraction = (s.Plateau - s.Bleach) / s.BleachDepth
	}
	s.ImmobileFraction = 1 - s.MobileFraction

	if s.Plateau > s.Bleach && len(c.Times) == len(c.Values) {
		s.HalfTime = halfTime(c, bleachAt, s.Bleach+(s.Plateau-s.Bleach)/2)
	}
	return s, nil
}

func halfTime(c Curve, from int, target float64) float64 {
	prev := from
	for t := from + 1; t < len(c.Values); t++ {
		v := c.Values[t]
		if math.IsNaN(v) {
			continue
		}
		if v >= target {
			pv := c.Values[prev]
			frac := 1.0
			if v != pv {
				frac = (target - pv) / (v - pv)
			}
			at := c.Times[prev] + frac*(c.Times[t]-c.Times[prev])
			return at - c.Times[from]
		}
		prev = t
	}
	return math.NaN()
}
