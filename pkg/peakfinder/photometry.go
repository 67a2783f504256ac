package peakfinder

import (
	"fmt"
	"log"
	"math"
	"runtime/debug"
	"sort"
	"strings"
)

// NoCalibrationFilter selects raw peak values instead of calibrated fluxes.
const NoCalibrationFilter = "none"

// MJySrToMicroJy converts MJy/sr times a solid angle in sr to µJy.
const MJySrToMicroJy = 1e12

const (
	clipKappa         = 3.0
	clipMaxIterations = 10
	annulusInnerFWHM  = 2.0
	annulusOuterFWHM  = 3.0
	// Fewer annulus pixels than this use the MAD instead of a clipped std.
	minClipSamples = 5
)

// FilterProfile describes the bandpass a map was taken through.
type FilterProfile struct {
	Name              string
	FWHMArcsec        float64
	PixelSolidAngleSr float64
	UnitFactor        float64
	NoCalibration     bool
}

// nircamFWHM is the PSF FWHM in arcsec of JWST NIRCam filters.
var nircamFWHM = map[string]float64{
	"F070W": 0.023,
	"F090W": 0.030,
	"F115W": 0.037,
	"F150W": 0.050,
	"F200W": 0.066,
	"F277W": 0.092,
	"F356W": 0.116,
	"F410M": 0.137,
	"F444W": 0.145,
}

// FilterNames lists the built-in filter profiles, sorted.
func FilterNames() []string {
	names := make([]string, 0, len(nircamFWHM)+1)
	for name := range nircamFWHM {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(names, NoCalibrationFilter)
}

// LookupProfile returns the built-in profile for name with the given pixel
// solid angle.
func LookupProfile(name string, solidAngleSr float64) (*FilterProfile, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if strings.EqualFold(key, NoCalibrationFilter) {
		return &FilterProfile{Name: NoCalibrationFilter, NoCalibration: true}, nil
	}
	fwhm, ok := nircamFWHM[key]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	return &FilterProfile{
		Name:              key,
		FWHMArcsec:        fwhm,
		PixelSolidAngleSr: solidAngleSr,
		UnitFactor:        MJySrToMicroJy,
	}, nil
}

// Validate reports whether the profile can calibrate fluxes.
func (f FilterProfile) Validate() error {
	if f.NoCalibration {
		return nil
	}
	if !(f.FWHMArcsec > 0) {
		return fmt.Errorf("filter %s: FWHM must be positive", f.Name)
	}
	if !(f.PixelSolidAngleSr > 0) {
		return fmt.Errorf("filter %s: pixel solid angle must be positive", f.Name)
	}
	if !(f.UnitFactor > 0) {
		return fmt.Errorf("filter %s: unit factor must be positive", f.Name)
	}
	return nil
}

// PixelScaleArcsec is the side of a square pixel with the profile's solid
// angle.
func (f FilterProfile) PixelScaleArcsec() float64 {
	return math.Sqrt(f.PixelSolidAngleSr) * radToArcsec
}

// Photometer measures peak fluxes against a local annulus background.
type Photometer struct {
	Profile FilterProfile
	Logger  *log.Logger
}

func (ph Photometer) logger() *log.Logger {
	if ph.Logger == nil {
		return log.Default()
	}
	return ph.Logger
}

// Measure returns a copy of sources with Flux, FluxErr and SNR filled in.
// noise is the image-wide scatter used when an annulus yields none. A source
// whose peak or annulus has no data keeps nil photometry. Panics are
// returned as errors.
func (ph Photometer) Measure(img *Image, sources []Source, noise float64) (out []Source, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("photometry panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ph.Profile.Validate(); err != nil {
		return nil, err
	}

	out = make([]Source, len(sources))
	copy(out, sources)

	if ph.Profile.NoCalibration {
		for i := range out {
			if !img.Valid(out[i].X, out[i].Y) {
				continue
			}
			raw := img.At(out[i].X, out[i].Y)
			out[i].Flux = &raw
		}
		return out, nil
	}

	scale := ph.Profile.PixelScaleArcsec()
	inner := annulusInnerFWHM * ph.Profile.FWHMArcsec / scale
	outer := annulusOuterFWHM * ph.Profile.FWHMArcsec / scale
	conv := ph.Profile.PixelSolidAngleSr * ph.Profile.UnitFactor

	skipped := 0
	for i := range out {
		s := &out[i]
		if !img.Valid(s.X, s.Y) {
			skipped++
			continue
		}
		bg, scatter, ok := annulusBackground(img, s.X, s.Y, inner, outer, noise)
		if !ok {
			skipped++
			continue
		}
		flux := (img.At(s.X, s.Y) - bg) * conv
		fluxErr := scatter * conv
		snr := 0.0
		if fluxErr > 0 {
			snr = flux / fluxErr
		}
		s.Flux, s.FluxErr, s.SNR = &flux, &fluxErr, &snr
	}
	if skipped > 0 {
		ph.logger().Printf("%s: %d of %d sources have no background annulus data", ph.Profile.Name, skipped, len(out))
	}
	return out, nil
}

// annulusBackground returns the clipped background median and scatter of the
// annulus [inner, outer] pixels around (cx, cy). Sparse annuli fall back to
// the MAD, and a single pixel to the image-wide noise.
func annulusBackground(img *Image, cx, cy int, inner, outer, noise float64) (float64, float64, bool) {
	r := int(math.Ceil(outer))
	values := make([]float64, 0, 8*r*r)
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if !img.Valid(x, y) {
				continue
			}
			d := math.Hypot(float64(x-cx), float64(y-cy))
			if d < inner || d > outer {
				continue
			}
			values = append(values, img.At(x, y))
		}
	}
	if len(values) == 0 {
		return 0, 0, false
	}

	clip := SigmaClip(values, clipKappa, clipMaxIterations)
	bg := clip.Median
	if math.IsNaN(bg) {
		return 0, 0, false
	}
	var scatter float64
	switch {
	case clip.Kept >= minClipSamples:
		scatter = clip.StdDev
	case len(values) >= 2:
		_, scatter = medianMAD(values)
	default:
		scatter = noise
	}
	if math.IsNaN(scatter) || math.IsInf(scatter, 0) {
		scatter = 0
	}
	return bg, scatter, true
}
