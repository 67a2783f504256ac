package peakfinder

import (
	"math"
	"testing"
)

// hotBlockImage is a flat zero image with a 3x3 block at level centered
// on (cx, cy) and a brighter center pixel.
func hotBlockImage(t *testing.T, w, h, cx, cy int, level, peak float64) *Image {
	t.Helper()
	data := make([]float64, w*h)
	for y := cy - 1; y <= cy+1; y++ {
		for x := cx - 1; x <= cx+1; x++ {
			data[y*w+x] = level
		}
	}
	data[cy*w+cx] = peak
	img, err := NewImage(w, h, data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// twoPixelFWHM returns a solid angle at which the F444W FWHM spans two
// pixels, putting the background annulus at 4..6 pixels.
func twoPixelFWHM() float64 {
	scale := nircamFWHM["F444W"] / 2 / radToArcsec
	return scale * scale
}

func TestLookupProfile(t *testing.T) {
	p, err := LookupProfile(" f444w ", 1e-13)
	if err != nil {
		t.Fatalf("LookupProfile: %v", err)
	}
	if p.Name != "F444W" || p.FWHMArcsec != 0.145 || p.UnitFactor != MJySrToMicroJy || p.NoCalibration {
		t.Errorf("unexpected profile %+v", p)
	}

	none, err := LookupProfile("None", 0)
	if err != nil || !none.NoCalibration {
		t.Errorf("LookupProfile(none) = %+v, %v", none, err)
	}

	if _, err := LookupProfile("F999X", 1e-13); err == nil {
		t.Error("expected an error for an unknown filter")
	}

	names := FilterNames()
	if names[len(names)-1] != NoCalibrationFilter || len(names) != len(nircamFWHM)+1 {
		t.Errorf("FilterNames = %v", names)
	}
}

func TestPhotometerMeasure(t *testing.T) {
	img := hotBlockImage(t, 32, 32, 16, 16, 2, 5)
	profile, err := LookupProfile("F444W", twoPixelFWHM())
	if err != nil {
		t.Fatal(err)
	}
	if got := profile.PixelScaleArcsec(); math.Abs(got-0.0725) > 1e-9 {
		t.Fatalf("pixel scale = %v, want 0.0725", got)
	}

	sources := []Source{{X: 16, Y: 16, RA: 10, Dec: 20}}
	out, err := Photometer{Profile: *profile, Logger: quietLogger}.Measure(img, sources, 0.1)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if sources[0].Flux != nil {
		t.Error("Measure modified its input")
	}
	s := out[0]
	if s.Flux == nil || s.FluxErr == nil || s.SNR == nil {
		t.Fatalf("photometry missing: %+v", s)
	}
	wantFlux := 5 * twoPixelFWHM() * MJySrToMicroJy
	if math.Abs(*s.Flux-wantFlux) > 1e-9*wantFlux {
		t.Errorf("Flux = %v, want %v", *s.Flux, wantFlux)
	}
	// A flat background has no scatter, so the SNR is reported as 0.
	if *s.FluxErr != 0 || *s.SNR != 0 {
		t.Errorf("FluxErr, SNR = %v, %v, want 0, 0", *s.FluxErr, *s.SNR)
	}
	if s.RA != 10 || s.Dec != 20 {
		t.Errorf("positions changed: %+v", s)
	}
}

func TestPhotometerMeasureWithScatter(t *testing.T) {
	w, h := 32, 32
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Checkerboard background of 1 +- 0.5.
			data[y*w+x] = 1 + 0.5*float64(1-2*((x+y)%2))
		}
	}
	data[16*w+16] = 11
	img, err := NewImage(w, h, data)
	if err != nil {
		t.Fatal(err)
	}
	profile, _ := LookupProfile("F444W", twoPixelFWHM())
	out, err := Photometer{Profile: *profile, Logger: quietLogger}.Measure(img, []Source{{X: 16, Y: 16}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := out[0]
	if s.SNR == nil || !(*s.SNR > 0) {
		t.Fatalf("expected a positive SNR, got %+v", s)
	}
	if ratio := *s.Flux / *s.FluxErr; math.Abs(ratio-*s.SNR) > 1e-9 {
		t.Errorf("SNR %v is not Flux/FluxErr %v", *s.SNR, ratio)
	}
}

func TestPhotometerNoCalibration(t *testing.T) {
	img := hotBlockImage(t, 16, 16, 8, 8, 1, 7)
	profile, _ := LookupProfile(NoCalibrationFilter, 0)
	out, err := Photometer{Profile: *profile}.Measure(img, []Source{{X: 8, Y: 8}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Flux == nil || *out[0].Flux != 7 {
		t.Errorf("raw flux = %v, want 7", out[0].Flux)
	}
	if out[0].FluxErr != nil || out[0].SNR != nil {
		t.Error("uncalibrated photometry should leave FluxErr and SNR unset")
	}
}

func TestPhotometerSkipsSourcesWithoutAnnulus(t *testing.T) {
	data := make([]float64, 32*32)
	for i := range data {
		data[i] = math.NaN()
	}
	data[16*32+16] = 3
	img, err := NewImage(32, 32, data)
	if err != nil {
		t.Fatal(err)
	}
	profile, _ := LookupProfile("F444W", twoPixelFWHM())
	out, err := Photometer{Profile: *profile, Logger: quietLogger}.Measure(img, []Source{{X: 16, Y: 16}, {X: 2, Y: 2}}, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range out {
		if s.Flux != nil || s.FluxErr != nil || s.SNR != nil {
			t.Errorf("source %d should have no photometry: %+v", i, s)
		}
	}
}

// sparseAnnulusImage is blank except for a peak at (16, 16) and the given
// pixels, which sit inside the 4..6 pixel annulus of twoPixelFWHM.
func sparseAnnulusImage(t *testing.T, peak float64, annulus map[[2]int]float64) *Image {
	t.Helper()
	data := make([]float64, 32*32)
	for i := range data {
		data[i] = math.NaN()
	}
	data[16*32+16] = peak
	for p, v := range annulus {
		data[p[1]*32+p[0]] = v
	}
	img, err := NewImage(32, 32, data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestPhotometerScatterFallbacks(t *testing.T) {
	conv := twoPixelFWHM() * MJySrToMicroJy
	tests := []struct {
		name    string
		annulus map[[2]int]float64
		noise   float64
		wantBg  float64
		wantErr float64
	}{
		{
			name:    "few pixels use the MAD",
			annulus: map[[2]int]float64{{21, 16}: 1, {16, 21}: 2, {11, 16}: 3},
			noise:   0.25,
			wantBg:  2,
			wantErr: madToSigma,
		},
		{
			name:    "one pixel uses the image noise",
			annulus: map[[2]int]float64{{21, 16}: 1},
			noise:   0.25,
			wantBg:  1,
			wantErr: 0.25,
		},
		{
			name:    "no image noise",
			annulus: map[[2]int]float64{{21, 16}: 1},
			noise:   math.NaN(),
			wantBg:  1,
			wantErr: 0,
		},
	}
	profile, _ := LookupProfile("F444W", twoPixelFWHM())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := sparseAnnulusImage(t, 10, tt.annulus)
			out, err := Photometer{Profile: *profile, Logger: quietLogger}.Measure(img, []Source{{X: 16, Y: 16}}, tt.noise)
			if err != nil {
				t.Fatal(err)
			}
			s := out[0]
			if s.Flux == nil || s.FluxErr == nil {
				t.Fatalf("photometry missing: %+v", s)
			}
			if want := (10 - tt.wantBg) * conv; math.Abs(*s.Flux-want) > 1e-9*want {
				t.Errorf("Flux = %v, want %v", *s.Flux, want)
			}
			if want := tt.wantErr * conv; math.Abs(*s.FluxErr-want) > 1e-9*conv {
				t.Errorf("FluxErr = %v, want %v", *s.FluxErr, want)
			}
		})
	}
}

func TestPhotometerRejectsInvalidProfile(t *testing.T) {
	img := hotBlockImage(t, 16, 16, 8, 8, 1, 2)
	_, err := Photometer{Profile: FilterProfile{Name: "bad", FWHMArcsec: 0.1}}.Measure(img, []Source{{X: 8, Y: 8}}, 0)
	if err == nil {
		t.Error("expected an error for a profile without a solid angle")
	}
}

func TestPhotometerRecoversPanic(t *testing.T) {
	// A truncated blank mask makes Valid index out of range.
	img := &Image{Width: 4, Height: 4, Data: make([]float64, 16), Blank: nil}
	profile, _ := LookupProfile(NoCalibrationFilter, 0)
	if _, err := (Photometer{Profile: *profile}).Measure(img, []Source{{X: 1, Y: 1}}, 0); err == nil {
		t.Error("expected the panic to surface as an error")
	}
}
