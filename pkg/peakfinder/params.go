package peakfinder

import (
	"fmt"
	"math"
	"runtime"
)

// Params controls source detection. Beam-scaled quantities are expressed in
// pixels-per-beam and beam multiples, noise-scaled ones in units of the
// contour step.
type Params struct {
	// PixAcrossBeam is the beam FWHM diameter in pixels.
	PixAcrossBeam float64
	// MinBeams is the minimum leaf area as a multiple of the beam area.
	MinBeams float64
	// BeamsToSearch scales the local-maximum search radius.
	BeamsToSearch float64
	// ContourStep is the noise proxy. Zero means estimate it from the data.
	ContourStep float64
	// DeltaRMS is the minimum merge height of an independent leaf, in steps.
	DeltaRMS float64
	// MinValRMS lifts the growth floor above the data minimum, in steps.
	MinValRMS float64
	// EdgeClip blanks this many pixels along every image border.
	EdgeClip int

	// Workers is the tile worker budget. Zero means NumCPU-1.
	Workers int
	// ThreadsPerWorker caps the goroutines a single tile task may fan out to.
	ThreadsPerWorker int
	// BatchSize is the pixel-to-sky conversion batch size.
	BatchSize int
}

const (
	minTileWidth     = 256
	defaultBatchSize = 500
)

// DefaultParams returns the detection defaults.
func DefaultParams() Params {
	return Params{
		PixAcrossBeam:    5.0,
		MinBeams:         1.0,
		BeamsToSearch:    1.0,
		DeltaRMS:         3.0,
		MinValRMS:        2.0,
		EdgeClip:         1,
		Workers:          0,
		ThreadsPerWorker: 1,
		BatchSize:        defaultBatchSize,
	}
}

// Validate reports the first parameter that cannot drive a detection.
func (p Params) Validate() error {
	if !(p.PixAcrossBeam > 0) {
		return fmt.Errorf("pix_across_beam must be positive, got %v", p.PixAcrossBeam)
	}
	if p.MinBeams < 0 {
		return fmt.Errorf("min_beams must not be negative, got %v", p.MinBeams)
	}
	if p.BeamsToSearch < 0 {
		return fmt.Errorf("beams_to_search must not be negative, got %v", p.BeamsToSearch)
	}
	if p.ContourStep < 0 || math.IsNaN(p.ContourStep) {
		return fmt.Errorf("contour step must not be negative, got %v", p.ContourStep)
	}
	if p.EdgeClip < 0 {
		return fmt.Errorf("edge_clip must not be negative, got %d", p.EdgeClip)
	}
	return nil
}

// SearchRadius is the local-maximum kernel radius in pixels.
func (p Params) SearchRadius() int {
	return int(math.Round(p.PixAcrossBeam * p.BeamsToSearch))
}

// MinRegionSize is the minimum pixel count of an independent leaf.
//
// The division by ln 2 is kept as found in the reference pipeline; it may be a
// half-max to full-beam correction or a slip. Do not change it without a
// domain expert signing off.
func (p Params) MinRegionSize() float64 {
	beamArea := math.Round(math.Pi * (p.PixAcrossBeam / 2) * (p.PixAcrossBeam / 2))
	return p.MinBeams * beamArea / math.Ln2
}

// workers resolves the tile worker budget.
func (p Params) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

func (p Params) threads() int {
	if p.ThreadsPerWorker > 0 {
		return p.ThreadsPerWorker
	}
	return 1
}

func (p Params) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return defaultBatchSize
}
