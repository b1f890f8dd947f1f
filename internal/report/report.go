// Package report renders FRAP analysis results.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rbnvrw/frapalyzer/internal/frap"
)

type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
)

var ErrUnsupportedFormat = errors.New("report: unsupported format")

// ParseFormat accepts format names case-insensitively, with "md" and "txt"
// as aliases.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Extension is the file suffix for f, without the dot.
func Extension(f Format) string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatJSON:
		return "json"
	case FormatCSV:
		return "csv"
	default:
		return "txt"
	}
}

// ContentType is the HTTP media type for f.
func ContentType(f Format) string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func Render(w io.Writer, res frap.Result, f Format) error {
	switch f {
	case FormatText:
		_, err := io.WriteString(w, text(res))
		return err
	case FormatMarkdown:
		_, err := io.WriteString(w, markdown(res))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case FormatCSV:
		return CurveCSV(w, res)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

func String(res frap.Result, f Format) (string, error) {
	var b strings.Builder
	if err := Render(&b, res, f); err != nil {
		return "", err
	}
	return b.String(), nil
}

// CurveCSV writes one row per frame: time, reference, stimulation and the
// normalized curve value. Missing values are empty cells.
func CurveCSV(w io.Writer, res frap.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time_s", "reference", "stimulation", "normalized"}); err != nil {
		return err
	}
	for t := range res.Curve.Values {
		row := []string{
			cell(at(res.Times, t)),
			cell(at(res.ReferenceMean, t)),
			cell(at(res.StimulationMean, t)),
			cell(res.Curve.Values[t]),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func at(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return math.NaN()
}

func cell(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func num(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func text(res frap.Result) string {
	var b strings.Builder
	name := res.Source
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&b, "FRAP Analysis: %s\n", name)
	fmt.Fprintf(&b, "Experiment: %s\n", res.Description)
	fmt.Fprintf(&b, "Image: %dx%d px, %s µm/px, %d frames, channel %d\n",
		res.Width, res.Height, num(res.MicronsPerPixel, 4), res.Frames, res.Channel)
	fmt.Fprintf(&b, "Background level: %s\n", num(res.Background, 2))
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "%-12s %-10s %-20s %-20s %s\n", "ROI", "Shape", "Center (µm)", "Size (µm)", "Pixels")
	b.WriteString("--------------------------------------------------\n")
	for _, roi := range res.ROIs {
		fmt.Fprintf(&b, "%-12s %-10s %-20s %-20s %d\n",
			roi.Role, roi.Shape,
			num(roi.Position.X, 2)+", "+num(roi.Position.Y, 2),
			num(roi.Size.X, 2)+", "+num(roi.Size.Y, 2),
			roi.Pixels)
	}
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "Bleach index: %d\n", res.Curve.BleachIndex)
	if r := res.Recovery; r != nil {
		fmt.Fprintf(&b, "Pre-bleach:        %s\n", num(r.PreBleach, 4))
		fmt.Fprintf(&b, "Bleach:            %s\n", num(r.Bleach, 4))
		fmt.Fprintf(&b, "Plateau:           %s\n", num(r.Plateau, 4))
		fmt.Fprintf(&b, "Bleach depth:      %s\n", num(r.BleachDepth, 4))
		fmt.Fprintf(&b, "Mobile fraction:   %s\n", num(r.MobileFraction, 4))
		fmt.Fprintf(&b, "Immobile fraction: %s\n", num(r.ImmobileFraction, 4))
		fmt.Fprintf(&b, "Half time (s):     %s\n", num(r.HalfTime, 3))
	}
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "%-10s %-12s %-12s %s\n", "Time (s)", "Reference", "Stimulation", "Normalized")
	for t := range res.Curve.Values {
		fmt.Fprintf(&b, "%-10s %-12s %-12s %s\n",
			num(at(res.Times, t), 2),
			num(at(res.ReferenceMean, t), 2),
			num(at(res.StimulationMean, t), 2),
			num(res.Curve.Values[t], 4))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}

func markdown(res frap.Result) string {
	var b strings.Builder
	name := res.Source
	if name == "" {
		name = "FRAP analysis"
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "- Experiment: %s\n", res.Description)
	fmt.Fprintf(&b, "- Image: %dx%d px, %s µm/px, %d frames, channel %d\n",
		res.Width, res.Height, num(res.MicronsPerPixel, 4), res.Frames, res.Channel)
	fmt.Fprintf(&b, "- Background level: %s\n", num(res.Background, 2))
	fmt.Fprintf(&b, "- Bleach index: %d\n\n", res.Curve.BleachIndex)

	b.WriteString("| ROI | Shape | Center (µm) | Size (µm) | Pixels |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, roi := range res.ROIs {
		fmt.Fprintf(&b, "| %s | %s | %s, %s | %s, %s | %d |\n",
			roi.Role, roi.Shape,
			num(roi.Position.X, 2), num(roi.Position.Y, 2),
			num(roi.Size.X, 2), num(roi.Size.Y, 2),
			roi.Pixels)
	}
	if r := res.Recovery; r != nil {
		b.WriteString("\n| Statistic | Value |\n|---|---|\n")
		fmt.Fprintf(&b, "| Pre-bleach | %s |\n", num(r.PreBleach, 4))
		fmt.Fprintf(&b, "| Bleach | %s |\n", num(r.Bleach, 4))
		fmt.Fprintf(&b, "| Plateau | %s |\n", num(r.Plateau, 4))
		fmt.Fprintf(&b, "| Mobile fraction | %s |\n", num(r.MobileFraction, 4))
		fmt.Fprintf(&b, "| Immobile fraction | %s |\n", num(r.ImmobileFraction, 4))
		fmt.Fprintf(&b, "| Half time (s) | %s |\n", num(r.HalfTime, 3))
	}

	b.WriteString("\n```text\n")
	fmt.Fprintf(&b, "%-10s %-12s %-12s %s\n", "Time (s)", "Reference", "Stimulation", "Normalized")
	for t := range res.Curve.Values {
		fmt.Fprintf(&b, "%-10s %-12s %-12s %s\n",
			num(at(res.Times, t), 2),
			num(at(res.ReferenceMean, t), 2),
			num(at(res.StimulationMean, t), 2),
			num(res.Curve.Values[t], 4))
	}
	b.WriteString("```\n")
	if len(res.Warnings) > 0 {
		b.WriteString("\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "> warning: %s\n", w)
		}
	}
	return b.String()
}
