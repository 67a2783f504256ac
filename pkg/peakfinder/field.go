package peakfinder

import (
	"fmt"
	"math"
	"strings"
)

const (
	fieldEdgeFraction  = 0.25
	minSourcesPerZone  = 3
	minSourcesForField = 20
)

// ZonePosition identifies a zone in the 3x3 field grid, as displayed with
// the first FITS row at the bottom.
type ZonePosition int

const (
	ZoneTopLeft ZonePosition = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

var zoneLabels = [...]string{"TL", "T", "TR", "L", "Center", "R", "BL", "B", "BR"}

func (z ZonePosition) String() string {
	if z < 0 || int(z) >= len(zoneLabels) {
		return "Unknown"
	}
	return zoneLabels[z]
}

var zoneGrid = [3][3]ZonePosition{
	{ZoneTopLeft, ZoneTop, ZoneTopRight},
	{ZoneLeft, ZoneCenter, ZoneRight},
	{ZoneBottomLeft, ZoneBottom, ZoneBottomRight},
}

// ZoneData holds per-zone source statistics. MedianSNR is NaN when no
// source of the zone has an SNR.
type ZoneData struct {
	Label       string
	SourceCount int
	// Density is sources per million pixels.
	Density   float64
	MedianSNR float64
}

// FieldSummary describes how detections spread over the field.
type FieldSummary struct {
	Zones    [9]ZoneData
	Total    int
	Busiest  ZonePosition
	Emptiest ZonePosition
	// Contrast is the busiest over the emptiest zone density, 0 when the
	// emptiest zone has no sources.
	Contrast float64
	Reliable bool
}

// SummarizeField buckets sources into a 3x3 grid over a width x height
// image and computes per-zone counts and SNR medians. It returns nil when
// there are no sources.
func SummarizeField(sources []Source, width, height int) *FieldSummary {
	if len(sources) == 0 || width <= 0 || height <= 0 {
		return nil
	}

	xLo := float64(width) * fieldEdgeFraction
	xHi := float64(width) * (1.0 - fieldEdgeFraction)
	yLo := float64(height) * fieldEdgeFraction
	yHi := float64(height) * (1.0 - fieldEdgeFraction)
	xBounds := [3]float64{xLo, xHi - xLo, float64(width) - xHi}
	yBounds := [3]float64{yLo, yHi - yLo, float64(height) - yHi}

	var snrs [9][]float64
	summary := &FieldSummary{Total: len(sources)}
	for _, s := range sources {
		// Row 0 of the grid is the top of the displayed image.
		pos := classifyZone(float64(s.X), float64(height-1-s.Y), xLo, xHi, yLo, yHi)
		summary.Zones[pos].SourceCount++
		if s.SNR != nil && !math.IsNaN(*s.SNR) {
			snrs[pos] = append(snrs[pos], *s.SNR)
		}
	}

	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			pos := zoneGrid[row][col]
			z := &summary.Zones[pos]
			z.Label = pos.String()
			z.MedianSNR = medianFloat64(snrs[pos])
			if area := xBounds[col] * yBounds[row]; area > 0 {
				z.Density = float64(z.SourceCount) / area * 1e6
			}
		}
	}

	validZones := 0
	for pos, z := range summary.Zones {
		if z.Density > summary.Zones[summary.Busiest].Density {
			summary.Busiest = ZonePosition(pos)
		}
		if z.Density < summary.Zones[summary.Emptiest].Density {
			summary.Emptiest = ZonePosition(pos)
		}
		if z.SourceCount >= minSourcesPerZone {
			validZones++
		}
	}
	if lo := summary.Zones[summary.Emptiest].Density; lo > 0 {
		summary.Contrast = summary.Zones[summary.Busiest].Density / lo
	}
	summary.Reliable = summary.Total >= minSourcesForField && validZones == len(summary.Zones)
	return summary
}

func classifyZone(x, y, xLo, xHi, yLo, yHi float64) ZonePosition {
	var col, row int
	if x < xLo {
		col = 0
	} else if x < xHi {
		col = 1
	} else {
		col = 2
	}
	if y < yLo {
		row = 0
	} else if y < yHi {
		row = 1
	} else {
		row = 2
	}
	return zoneGrid[row][col]
}

// String renders the summary as a small text grid.
func (f *FieldSummary) String() string {
	var b strings.Builder
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			z := f.Zones[zoneGrid[row][col]]
			snr := "-"
			if !math.IsNaN(z.MedianSNR) {
				snr = fmt.Sprintf("%.1f", z.MedianSNR)
			}
			fmt.Fprintf(&b, "  %-6s n=%-6d snr=%-6s", z.Label, z.SourceCount, snr)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  busiest %s, emptiest %s", f.Busiest, f.Emptiest)
	if f.Contrast > 0 {
		fmt.Fprintf(&b, ", density contrast %.2f", f.Contrast)
	}
	if !f.Reliable {
		b.WriteString("  [LOW SOURCE COUNT]")
	}
	return b.String()
}
