package report

import (
	"fmt"
	"strings"

	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/nd2"
)

// Describe summarizes file metadata: layout, calibration, loops and ROIs.
func Describe(name string, meta nd2.Metadata) string {
	var b strings.Builder
	a := meta.Attributes
	fmt.Fprintf(&b, "ND2 file: %s\n", name)
	fmt.Fprintf(&b, "Image: %dx%d px, %d component(s), %d bits in memory (%d significant)\n",
		a.Width, a.Height, a.Components, a.BitsInMemory, a.BitsSignificant)
	fmt.Fprintf(&b, "Frames: %d\n", meta.FrameCount)
	if meta.MicronsPerPixel > 0 {
		fmt.Fprintf(&b, "Calibration: %s µm/px\n", num(meta.MicronsPerPixel, 4))
	} else {
		b.WriteString("Calibration: none\n")
	}
	fmt.Fprintf(&b, "Experiment: %s\n", meta.Experiment.Description)
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "%-6s %-12s %-12s %-12s %-8s %s\n", "Loop", "Kind", "Start (ms)", "Length (ms)", "Frames", "Interval (ms)")
	b.WriteString("--------------------------------------------------\n")
	for i, l := range meta.Experiment.Loops {
		kind := "time"
		if l.Stimulation {
			kind = "stimulation"
		}
		fmt.Fprintf(&b, "%-6d %-12s %-12s %-12s %-8d %s\n",
			i, kind, num(l.Start, 1), num(l.Duration, 1), l.Count, num(l.SamplingInterval, 1))
	}
	if idx, found := frap.BleachIndex(meta.Experiment); found {
		fmt.Fprintf(&b, "Bleach index: %d\n", idx)
	} else {
		b.WriteString("Bleach index: no stimulation loop\n")
	}
	b.WriteString("--------------------------------------------------\n")
	b.WriteString(ROITable(meta))
	return b.String()
}

// ROITable lists every ROI with its geometry in microns and its pixel
// count. Pixels is "-" when no mask can be built.
func ROITable(meta nd2.Metadata) string {
	var b strings.Builder
	um := meta.MicronsPerPixel
	if um <= 0 {
		um = 1
	}
	fmt.Fprintf(&b, "%-4s %-12s %-10s %-20s %-20s %s\n", "ID", "Role", "Shape", "Center (µm)", "Size (µm)", "Pixels")
	for _, roi := range meta.ROIs {
		pixels := "-"
		if m, err := frap.NewMask(roi, meta.Attributes.Width, meta.Attributes.Height, um); err == nil {
			pixels = fmt.Sprint(m.Len())
		}
		pos, size := roi.Position(), roi.Size()
		fmt.Fprintf(&b, "%-4d %-12s %-10s %-20s %-20s %s\n",
			roi.ID, roi.Role, roi.Shape,
			num(pos.X, 2)+", "+num(pos.Y, 2),
			num(size.X, 2)+", "+num(size.Y, 2),
			pixels)
	}
	if len(meta.ROIs) == 0 {
		b.WriteString("(no ROIs)\n")
	}
	return b.String()
}
