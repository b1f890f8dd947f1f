package frap

import (
	"fmt"
	"math"
	"slices"

	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

// Mask lists the row-major pixel indices an ROI covers, clipped to the image.
type Mask struct {
	Width  int
	Height int
	Index  []int
}

// ToPixel converts microns to the nearest pixel, ties to even.
func ToPixel(micron, micronsPerPixel float64) int {
	return int(math.RoundToEven(micron / micronsPerPixel))
}

// NewMask rasterizes roi onto a width x height image. A circle is centered
// on the ROI position with radius size.X. A rectangle is centered on the
// position and spans size.
func NewMask(roi nd2.ROI, width, height int, micronsPerPixel float64) (Mask, error) {
	if micronsPerPixel <= 0 {
		micronsPerPixel = 1
	}
	pos, size := roi.Position(), roi.Size()
	m := Mask{Width: width, Height: height}

	switch roi.Shape {
	case nd2.ShapeCircle:
		cx := ToPixel(pos.X, micronsPerPixel)
		cy := ToPixel(pos.Y, micronsPerPixel)
		r := ToPixel(size.X, micronsPerPixel)
		for row := max(0, cy-r); row <= min(height-1, cy+r); row++ {
			for col := max(0, cx-r); col <= min(width-1, cx+r); col++ {
				dx, dy := col-cx, row-cy
				if dx*dx+dy*dy <= r*r {
					m.Index = append(m.Index, row*width+col)
				}
			}
		}
	case nd2.ShapeRectangle:
		left := ToPixel(pos.X-size.X/2, micronsPerPixel)
		right := ToPixel(pos.X+size.X/2, micronsPerPixel)
		bottom := ToPixel(pos.Y-size.Y/2, micronsPerPixel)
		top := ToPixel(pos.Y+size.Y/2, micronsPerPixel)
		for row := max(0, bottom); row <= min(height-1, top); row++ {
			for col := max(0, left); col <= min(width-1, right); col++ {
				m.Index = append(m.Index, row*width+col)
			}
		}
	default:
		return Mask{}, fmt.Errorf("%w: %s roi has shape %s", ErrUnsupportedShape, roi.Role, roi.Shape)
	}

	if len(m.Index) == 0 {
		return Mask{}, fmt.Errorf("%w: %s roi at (%.2f, %.2f) µm", ErrEmptyROI, roi.Role, pos.X, pos.Y)
	}
	return m, nil
}

func (m Mask) Len() int {
	return len(m.Index)
}

func (m Mask) Contains(col, row int) bool {
	if col < 0 || row < 0 || col >= m.Width || row >= m.Height {
		return false
	}
	_, found := slices.BinarySearch(m.Index, row*m.Width+col)
	return found
}

// Sample copies the masked pixels of p.
func (m Mask) Sample(p nd2.Plane) []float64 {
	out := make([]float64, len(m.Index))
	for i, at := range m.Index {
		out[i] = p.Pix[at]
	}
	return out
}
