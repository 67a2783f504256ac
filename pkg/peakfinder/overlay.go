package peakfinder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"os"
	"sort"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// OverlayOptions control RenderOverlay. Zero values select defaults.
type OverlayOptions struct {
	// Width is the rendered width in pixels; images narrower are not upscaled.
	Width int
	// Gamma is applied after the asinh stretch.
	Gamma float64
	// MarkerRadius is the marker circle radius in output pixels.
	MarkerRadius int
	// Field, when set, draws the 3x3 zone grid with per-zone counts.
	Field *FieldSummary
	// Title is printed in the summary band.
	Title string
}

const (
	defaultOverlayWidth = 800
	defaultGamma        = 1.4
	defaultMarkerRadius = 6
	summaryBandHeight   = 40
	stretchSoftening    = 0.1
	stretchLoPercentile = 1
	stretchHiPercentile = 99.5
	maxStretchSamples   = 1 << 18
)

// RenderOverlay draws an asinh-stretched preview of img with a circle on
// every source. Markers are colored by SNR when the sources carry one.
func RenderOverlay(img *Image, sources []Source, opts OverlayOptions) (*image.RGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("no image to render")
	}
	if opts.Width <= 0 {
		opts.Width = defaultOverlayWidth
	}
	if opts.Gamma <= 0 {
		opts.Gamma = defaultGamma
	}
	if opts.MarkerRadius <= 0 {
		opts.MarkerRadius = defaultMarkerRadius
	}

	// FITS rows grow upward; flip so north-up data displays north up.
	var preview image.Image = imaging.FlipV(stretchImage(img))
	scale := 1.0
	if img.Width > opts.Width {
		scale = float64(opts.Width) / float64(img.Width)
		preview = imaging.Resize(preview, opts.Width, 0, imaging.Lanczos)
	}
	preview = adjust.Gamma(preview, opts.Gamma)

	pb := preview.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, pb.Dx(), pb.Dy()+summaryBandHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(0, 0, pb.Dx(), pb.Dy()), preview, pb.Min, draw.Src)

	if opts.Field != nil {
		drawZoneGrid(canvas, opts.Field, pb.Dx(), pb.Dy())
	}

	lo, hi := snrRange(sources)
	for _, s := range sources {
		cx := int(math.Round((float64(s.X) + 0.5) * scale))
		cy := int(math.Round((float64(img.Height-1-s.Y) + 0.5) * scale))
		drawCircle(canvas, cx, cy, opts.MarkerRadius, markerColor(s.SNR, lo, hi))
	}

	face := basicfont.Face7x13
	textColor := color.RGBA{220, 220, 220, 255}
	summary := fmt.Sprintf("%d sources", len(sources))
	if opts.Title != "" {
		summary = opts.Title + "  " + summary
	}
	drawText(canvas, face, summary, 10, pb.Dy()+15, textColor)
	if hi > lo {
		drawText(canvas, face, fmt.Sprintf("SNR %.1f (blue) .. %.1f (red)", lo, hi), 10, pb.Dy()+31, textColor)
	}
	return canvas, nil
}

// EncodeOverlayJPEG renders the overlay and writes it as JPEG.
func EncodeOverlayJPEG(w io.Writer, img *Image, sources []Source, opts OverlayOptions) error {
	canvas, err := RenderOverlay(img, sources, opts)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, canvas, &jpeg.Options{Quality: 90})
}

// RenderOverlayBytes returns the overlay as JPEG bytes.
func RenderOverlayBytes(img *Image, sources []Source, opts OverlayOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeOverlayJPEG(&buf, img, sources, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteOverlayFile renders the overlay into a JPEG file.
func WriteOverlayFile(outputPath string, img *Image, sources []Source, opts OverlayOptions) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	if err := EncodeOverlayJPEG(f, img, sources, opts); err != nil {
		f.Close()
		return fmt.Errorf("encode overlay: %w", err)
	}
	return f.Close()
}

// stretchImage maps img to 8-bit gray with an asinh stretch between the
// 1st and 99.5th percentile. Blank pixels are black.
func stretchImage(img *Image) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, img.Width, img.Height))

	step := 1
	if n := len(img.Data); n > maxStretchSamples {
		step = n / maxStretchSamples
	}
	sample := make([]float64, 0, len(img.Data)/step+1)
	for i := 0; i < len(img.Data); i += step {
		if !img.Blank[i] {
			sample = append(sample, img.Data[i])
		}
	}
	if len(sample) == 0 {
		return out
	}
	sort.Float64s(sample)
	lo := percentileSorted(sample, stretchLoPercentile)
	hi := percentileSorted(sample, stretchHiPercentile)
	span := hi - lo
	if !(span > 0) {
		span = 1
	}
	soft := stretchSoftening * span
	norm := math.Asinh(span / soft)

	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			i := y*img.Width + x
			if img.Blank[i] {
				continue
			}
			v := math.Asinh((img.Data[i]-lo)/soft) / norm
			v = math.Max(0, math.Min(1, v))
			out.Pix[y*out.Stride+x] = uint8(v*255 + 0.5)
		}
	}
	return out
}

// snrRange returns the SNR span used for marker colors: 0..0 when no
// source has an SNR.
func snrRange(sources []Source) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range sources {
		if s.SNR == nil || math.IsNaN(*s.SNR) || math.IsInf(*s.SNR, 0) {
			continue
		}
		lo = math.Min(lo, *s.SNR)
		hi = math.Max(hi, *s.SNR)
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// markerColor runs from blue at the lowest SNR to red at the highest.
// Sources without an SNR are green.
func markerColor(snr *float64, lo, hi float64) color.Color {
	if snr == nil || !(hi > lo) {
		return colorful.Hsv(120, 1, 1)
	}
	t := (*snr - lo) / (hi - lo)
	t = math.Max(0, math.Min(1, t))
	return colorful.Hsv(240*(1-t), 1, 1).Clamped()
}

func drawZoneGrid(img *image.RGBA, field *FieldSummary, w, h int) {
	xLo := int(float64(w) * fieldEdgeFraction)
	xHi := int(float64(w) * (1.0 - fieldEdgeFraction))
	yLo := int(float64(h) * fieldEdgeFraction)
	yHi := int(float64(h) * (1.0 - fieldEdgeFraction))
	xBounds := [3][2]int{{0, xLo}, {xLo, xHi}, {xHi, w}}
	yBounds := [3][2]int{{0, yLo}, {yLo, yHi}, {yHi, h}}

	gridColor := color.RGBA{255, 255, 255, 120}
	for x := 0; x < w; x++ {
		img.Set(x, yLo, gridColor)
		img.Set(x, yHi, gridColor)
	}
	for y := 0; y < h; y++ {
		img.Set(xLo, y, gridColor)
		img.Set(xHi, y, gridColor)
	}

	face := basicfont.Face7x13
	textColor := color.RGBA{255, 255, 160, 255}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			z := field.Zones[zoneGrid[row][col]]
			x0 := xBounds[col][0]
			y0 := yBounds[row][0]
			drawText(img, face, fmt.Sprintf("%s n=%d", z.Label, z.SourceCount), x0+4, y0+14, textColor)
		}
	}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img draw.Image, face font.Face, s string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCircle draws a circle outline using the midpoint algorithm.
func drawCircle(img draw.Image, cx, cy, radius int, c color.Color) {
	x := radius
	y := 0
	err := 0

	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}
