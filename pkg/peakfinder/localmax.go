package peakfinder

import (
	"image"
	"math"
)

// MaximaOptions tunes FindLocalMaxima.
type MaximaOptions struct {
	// Fill replaces blanked pixels before filtering. Nil means the minimum
	// finite value of the data.
	Fill *float64
	// Blank marks pixels that may never be seeds. Non-finite values are
	// always treated as blank.
	Blank []bool
	// Threads caps the goroutines used by the max filter.
	Threads int
}

// FindLocalMaxima returns every non-blank pixel that equals the maximum of
// its disk-shaped neighbourhood of the given radius.
func FindLocalMaxima(data []float64, width, height, radius int, opts MaximaOptions) []image.Point {
	n := width * height
	isBlank := func(i int) bool {
		v := data[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
		return opts.Blank != nil && opts.Blank[i]
	}

	var sentinel float64
	if opts.Fill != nil {
		sentinel = *opts.Fill
	} else {
		found := false
		sentinel = math.Inf(1)
		for i := 0; i < n; i++ {
			if isBlank(i) {
				continue
			}
			if data[i] < sentinel {
				sentinel = data[i]
			}
			found = true
		}
		if !found {
			return nil
		}
	}

	src := NewMatWithSize(height, width)
	defer src.Close()
	values := src.DataFloat32()
	for i := 0; i < n; i++ {
		if isBlank(i) {
			values[i] = float32(sentinel)
		} else {
			values[i] = float32(data[i])
		}
	}

	seeds := make([]image.Point, 0, 64)
	if radius < 1 {
		for i := 0; i < n; i++ {
			if !isBlank(i) {
				seeds = append(seeds, image.Pt(i%width, i/width))
			}
		}
		return seeds
	}

	dilated := NewMat()
	defer dilated.Close()
	morphDilateEllipse(src, &dilated, 2*radius+1, opts.Threads)
	maxima := dilated.DataFloat32()

	for i := 0; i < n; i++ {
		if isBlank(i) {
			continue
		}
		if values[i] == maxima[i] {
			seeds = append(seeds, image.Pt(i%width, i/width))
		}
	}
	return seeds
}
