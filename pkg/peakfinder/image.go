package peakfinder

import (
	"fmt"
	"math"
)

// Image is a row-major surface-brightness map. Blank marks pixels that carry
// no data: non-finite values and explicitly blanked pixels. An Image is not
// mutated once a detection starts.
type Image struct {
	Width  int
	Height int
	Data   []float64
	Blank  []bool
}

// NewImage wraps data and derives the blank mask from non-finite values.
func NewImage(width, height int, data []float64) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("image data has %d values, want %d", len(data), width*height)
	}
	blank := make([]bool, len(data))
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			blank[i] = true
		}
	}
	return &Image{Width: width, Height: height, Data: data, Blank: blank}, nil
}

// At returns the value at (x, y); blanked pixels read as NaN.
func (im *Image) At(x, y int) float64 {
	i := y*im.Width + x
	if im.Blank[i] {
		return math.NaN()
	}
	return im.Data[i]
}

// Valid reports whether (x, y) is inside the image and not blanked.
func (im *Image) Valid(x, y int) bool {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return false
	}
	return !im.Blank[y*im.Width+x]
}

// Prepare returns a copy in which blanked and non-finite pixels are NaN and a
// border edgeClip pixels wide is blanked.
func (im *Image) Prepare(edgeClip int) *Image {
	out := &Image{
		Width:  im.Width,
		Height: im.Height,
		Data:   make([]float64, len(im.Data)),
		Blank:  make([]bool, len(im.Data)),
	}
	for y := 0; y < im.Height; y++ {
		edgeRow := y < edgeClip || y >= im.Height-edgeClip
		for x := 0; x < im.Width; x++ {
			i := y*im.Width + x
			v := im.Data[i]
			if edgeRow || x < edgeClip || x >= im.Width-edgeClip ||
				im.Blank[i] || math.IsNaN(v) || math.IsInf(v, 0) {
				out.Data[i] = math.NaN()
				out.Blank[i] = true
				continue
			}
			out.Data[i] = v
		}
	}
	return out
}

// columns copies the column range [x0, x1) into a new contiguous image.
func (im *Image) columns(x0, x1 int) *Image {
	w := x1 - x0
	out := &Image{
		Width:  w,
		Height: im.Height,
		Data:   make([]float64, w*im.Height),
		Blank:  make([]bool, w*im.Height),
	}
	for y := 0; y < im.Height; y++ {
		src := y*im.Width + x0
		copy(out.Data[y*w:(y+1)*w], im.Data[src:src+w])
		copy(out.Blank[y*w:(y+1)*w], im.Blank[src:src+w])
	}
	return out
}

// finiteValues returns the non-blank finite values in storage order.
func (im *Image) finiteValues() []float64 {
	out := make([]float64, 0, len(im.Data))
	for i, v := range im.Data {
		if im.Blank[i] || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}
