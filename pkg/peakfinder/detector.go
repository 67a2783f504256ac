package peakfinder

import (
	"image"
	"math"
)

// growthLimits are the absolute thresholds a region is grown against. They
// are computed once per image so every tile of that image agrees on them.
type growthLimits struct {
	step  float64
	floor float64
}

func computeLimits(img *Image, p Params) (growthLimits, bool) {
	values := img.finiteValues()
	if len(values) == 0 {
		return growthLimits{}, false
	}
	step := p.ContourStep
	if step <= 0 {
		step = EstimateNoise(values)
	}
	minVal, _ := finiteMin(values)
	return growthLimits{step: step, floor: minVal + p.MinValRMS*step}, true
}

// DetectStructures finds seeds in img, grows the dendrogram and returns the
// peak pixel of every accepted leaf. An image without finite data yields no
// peaks.
func DetectStructures(img *Image, p Params) []image.Point {
	lim, ok := computeLimits(img, p)
	if !ok {
		return nil
	}
	return detectStructures(img, p, lim, Dendrogram{}, p.threads())
}

func detectStructures(img *Image, p Params, lim growthLimits, grower Grower, threads int) []image.Point {
	values := make([]float64, len(img.Data))
	for i, v := range img.Data {
		if img.Blank[i] {
			values[i] = math.NaN()
		} else {
			values[i] = v
		}
	}

	seeds := FindLocalMaxima(values, img.Width, img.Height, p.SearchRadius(), MaximaOptions{
		Blank:   img.Blank,
		Threads: threads,
	})
	if len(seeds) == 0 {
		return nil
	}
	seedMask := make([]bool, len(values))
	for _, s := range seeds {
		seedMask[s.Y*img.Width+s.X] = true
	}

	// scanned holds how many indices of a leaf were checked for seeds, or -1
	// once one was found. Leaves only ever grow by appending.
	scanned := make(map[*Structure]int)
	containsSeed := func(leaf *Structure) bool {
		from := scanned[leaf]
		if from < 0 {
			return true
		}
		indices := leaf.Indices()
		for _, i := range indices[from:] {
			if seedMask[i] {
				scanned[leaf] = -1
				return true
			}
		}
		scanned[leaf] = len(indices)
		return false
	}

	minNPix := p.MinRegionSize()
	minDelta := p.DeltaRMS * lim.step
	independent := func(leaf *Structure, mergeValue float64) bool {
		if float64(leaf.NPix()) < minNPix {
			return false
		}
		if leaf.Vmax()-mergeValue < minDelta {
			return false
		}
		return containsSeed(leaf)
	}

	forest := grower.Grow(Field{
		Values:   values,
		Width:    img.Width,
		Height:   img.Height,
		MinValue: lim.floor,
	}, independent)

	leaves := forest.Leaves()
	peaks := make([]image.Point, 0, len(leaves))
	for _, leaf := range leaves {
		best := -1
		for _, i := range leaf.Indices() {
			if best < 0 || values[i] > values[best] || (values[i] == values[best] && i < best) {
				best = i
			}
		}
		if best >= 0 {
			peaks = append(peaks, image.Pt(best%img.Width, best/img.Width))
		}
	}
	return peaks
}
