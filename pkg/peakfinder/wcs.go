package peakfinder

import (
	"fmt"
	"log"
	"math"
	"strings"
)

const (
	deg2rad       = math.Pi / 180
	rad2deg       = 180 / math.Pi
	radToArcsec   = 206264.806
	projectionTAN = "TAN"
	projectionSIN = "SIN"
)

// WCS is a celestial zenithal projection (gnomonic or orthographic) built
// from FITS header cards. It maps 0-based pixel coordinates to RA/Dec.
type WCS struct {
	proj  string
	crpix [2]float64
	crval [2]float64
	cd    [2][2]float64
}

// NewWCS builds a WCS from CTYPE/CRVAL/CRPIX and either a CD matrix or
// CDELT with an optional PC matrix or CROTA2.
func NewWCS(h *Header) (*WCS, error) {
	if h == nil {
		return nil, fmt.Errorf("no header")
	}
	ctype1 := strings.ToUpper(h.GetString("CTYPE1"))
	ctype2 := strings.ToUpper(h.GetString("CTYPE2"))
	if !strings.HasPrefix(ctype1, "RA--") || !strings.HasPrefix(ctype2, "DEC-") {
		return nil, fmt.Errorf("unsupported celestial axes %q/%q", ctype1, ctype2)
	}
	proj := ctype1[len(ctype1)-3:]
	if ctype2[len(ctype2)-3:] != proj {
		return nil, fmt.Errorf("mismatched projections %q/%q", ctype1, ctype2)
	}
	if proj != projectionTAN && proj != projectionSIN {
		return nil, fmt.Errorf("unsupported projection %q", proj)
	}

	w := &WCS{proj: proj}
	var ok bool
	for i, axis := range []string{"1", "2"} {
		if w.crpix[i], ok = h.GetDouble("CRPIX" + axis); !ok {
			return nil, fmt.Errorf("missing CRPIX%s", axis)
		}
		if w.crval[i], ok = h.GetDouble("CRVAL" + axis); !ok {
			return nil, fmt.Errorf("missing CRVAL%s", axis)
		}
	}

	if h.Has("CD1_1") || h.Has("CD2_2") {
		w.cd[0][0], _ = h.GetDouble("CD1_1")
		w.cd[0][1], _ = h.GetDouble("CD1_2")
		w.cd[1][0], _ = h.GetDouble("CD2_1")
		w.cd[1][1], _ = h.GetDouble("CD2_2")
	} else {
		cdelt1, ok1 := h.GetDouble("CDELT1")
		cdelt2, ok2 := h.GetDouble("CDELT2")
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("no CD matrix and no CDELT scale")
		}
		pc := [2][2]float64{{1, 0}, {0, 1}}
		switch {
		case h.Has("PC1_1") || h.Has("PC2_2"):
			pc[0][0], ok = h.GetDouble("PC1_1")
			if !ok {
				pc[0][0] = 1
			}
			pc[0][1], _ = h.GetDouble("PC1_2")
			pc[1][0], _ = h.GetDouble("PC2_1")
			pc[1][1], ok = h.GetDouble("PC2_2")
			if !ok {
				pc[1][1] = 1
			}
		case h.Has("CROTA2"):
			rot, _ := h.GetDouble("CROTA2")
			s, c := math.Sincos(rot * deg2rad)
			pc = [2][2]float64{{c, -s * cdelt2 / cdelt1}, {s * cdelt1 / cdelt2, c}}
		}
		w.cd[0][0] = cdelt1 * pc[0][0]
		w.cd[0][1] = cdelt1 * pc[0][1]
		w.cd[1][0] = cdelt2 * pc[1][0]
		w.cd[1][1] = cdelt2 * pc[1][1]
	}
	if w.det() == 0 {
		return nil, fmt.Errorf("singular pixel transformation matrix")
	}
	return w, nil
}

func (w *WCS) det() float64 {
	return w.cd[0][0]*w.cd[1][1] - w.cd[0][1]*w.cd[1][0]
}

// Projection returns the three-letter projection code.
func (w *WCS) Projection() string { return w.proj }

// PixelSolidAngle returns the solid angle of one pixel in steradians.
func (w *WCS) PixelSolidAngle() float64 {
	return math.Abs(w.det()) * deg2rad * deg2rad
}

// PixelScaleArcsec returns the side of a square pixel of the same area.
func (w *WCS) PixelScaleArcsec() float64 {
	return math.Sqrt(w.PixelSolidAngle()) * radToArcsec
}

// PixelToSky implements SkyMapper. A point outside the projection fails the
// whole call.
func (w *WCS) PixelToSky(xs, ys []float64) ([]SkyCoord, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("got %d x and %d y coordinates", len(xs), len(ys))
	}
	out := make([]SkyCoord, len(xs))
	for i := range xs {
		c, err := w.pixelToSky(xs[i], ys[i])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (w *WCS) pixelToSky(x, y float64) (SkyCoord, error) {
	// FITS pixels are 1-based.
	dx := x + 1 - w.crpix[0]
	dy := y + 1 - w.crpix[1]
	xi := (w.cd[0][0]*dx + w.cd[0][1]*dy) * deg2rad
	eta := (w.cd[1][0]*dx + w.cd[1][1]*dy) * deg2rad

	ra0 := w.crval[0] * deg2rad
	dec0 := w.crval[1] * deg2rad
	rho := math.Hypot(xi, eta)
	if rho == 0 {
		return SkyCoord{RA: normalizeRA(w.crval[0]), Dec: w.crval[1]}, nil
	}

	var c float64
	switch w.proj {
	case projectionTAN:
		c = math.Atan(rho)
	case projectionSIN:
		if rho > 1 {
			return SkyCoord{}, fmt.Errorf("pixel (%g,%g) lies outside the SIN projection", x, y)
		}
		c = math.Asin(rho)
	}
	sinC, cosC := math.Sincos(c)
	sinD0, cosD0 := math.Sincos(dec0)

	dec := math.Asin(cosC*sinD0 + eta*sinC*cosD0/rho)
	ra := ra0 + math.Atan2(xi*sinC, rho*cosD0*cosC-eta*sinD0*sinC)
	out := SkyCoord{RA: normalizeRA(ra * rad2deg), Dec: dec * rad2deg}
	if math.IsNaN(out.RA) || math.IsNaN(out.Dec) {
		return SkyCoord{}, fmt.Errorf("pixel (%g,%g) has no sky position", x, y)
	}
	return out, nil
}

func normalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// PixelSolidAngle returns the pixel solid angle of a plane: the PIXAR_SR card
// when present, else the WCS pixel area. Zero means unknown.
func (p Plane) PixelSolidAngle() float64 {
	if p.Header != nil {
		if sr, ok := p.Header.GetDouble("PIXAR_SR"); ok && sr > 0 {
			return sr
		}
	}
	if p.Mapper != nil {
		return p.Mapper.PixelSolidAngle()
	}
	return 0
}

// SelectPlane returns the first plane whose header yields a usable WCS, with
// its Mapper set. ok is false when no plane has one.
func SelectPlane(planes []Plane, logger *log.Logger) (Plane, bool) {
	if logger == nil {
		logger = log.Default()
	}
	for _, p := range planes {
		if p.Image == nil {
			continue
		}
		w, err := NewWCS(p.Header)
		if err != nil {
			logger.Printf("HDU %d: no usable WCS: %v", p.HDU, err)
			continue
		}
		p.Mapper = w
		return p, true
	}
	return Plane{}, false
}
