package peakfinder

import (
	"math"
	"sort"
)

// madToSigma scales a median absolute deviation to a Gaussian sigma.
const madToSigma = 1.4826

// percentileSorted returns the q-th percentile (0..100) of an ascending slice
// using linear interpolation between closest ranks.
func percentileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// EstimateNoise is the P50-P16 spread of the given values, a one-sided
// Gaussian sigma that ignores the bright tail. Non-finite values are skipped.
func EstimateNoise(values []float64) float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	sort.Float64s(finite)
	return percentileSorted(finite, 50) - percentileSorted(finite, 16)
}

func medianFloat64(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}

// medianMAD returns the median and the Gaussian-scaled MAD.
func medianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	median := medianFloat64(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	return median, madToSigma * medianFloat64(deviations)
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sse float64
	for _, v := range values {
		d := v - mean
		sse += d * d
	}
	return mean, math.Sqrt(sse / float64(len(values)))
}

// ClipResult holds sigma-clipped statistics.
type ClipResult struct {
	Median        float64
	StdDev        float64
	Kept          int
	NumIterations int
}

// SigmaClip iteratively rejects values further than kappa standard
// deviations from the median until nothing changes or maxIterations passes.
func SigmaClip(values []float64, kappa float64, maxIterations int) ClipResult {
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			kept = append(kept, v)
		}
	}

	numIterations := 0
	for numIterations < maxIterations && len(kept) > 0 {
		numIterations++
		median := medianFloat64(kept)
		_, sigma := meanStdDev(kept)
		lo := median - kappa*sigma
		hi := median + kappa*sigma

		next := kept[:0:0]
		for _, v := range kept {
			if v >= lo && v <= hi {
				next = append(next, v)
			}
		}
		if len(next) == len(kept) {
			break
		}
		kept = next
	}

	_, std := meanStdDev(kept)
	return ClipResult{
		Median:        medianFloat64(kept),
		StdDev:        std,
		Kept:          len(kept),
		NumIterations: numIterations,
	}
}

// finiteMin returns the smallest finite value and whether one exists.
func finiteMin(values []float64) (float64, bool) {
	minVal := math.Inf(1)
	found := false
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < minVal {
			minVal = v
		}
		found = true
	}
	return minVal, found
}
