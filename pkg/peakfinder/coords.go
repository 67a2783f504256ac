package peakfinder

import (
	"fmt"
	"image"
	"log"
	"math"
)

// SkyCoord is an equatorial position in degrees.
type SkyCoord struct {
	RA  float64
	Dec float64
}

// SkyMapper converts 0-based pixel coordinates to sky coordinates. It
// returns one SkyCoord per input point or an error for the whole call.
type SkyMapper interface {
	PixelToSky(xs, ys []float64) ([]SkyCoord, error)
}

// MapperFunc adapts a plain function to SkyMapper.
type MapperFunc func(xs, ys []float64) ([]SkyCoord, error)

func (f MapperFunc) PixelToSky(xs, ys []float64) ([]SkyCoord, error) { return f(xs, ys) }

// ConvertToSky converts points to Sources in batches of batchSize. A failing
// batch is retried point by point; points that still fail are logged and
// dropped. progress, when set, is called after every batch with the number
// of points processed so far.
func ConvertToSky(mapper SkyMapper, points []image.Point, batchSize int, progress func(done, total int), logger *log.Logger) []Source {
	if logger == nil {
		logger = log.Default()
	}
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}

	sources := make([]Source, 0, len(points))
	total := len(points)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := points[start:end]

		coords, err := mapBatch(mapper, batch)
		if err == nil {
			for i, pt := range batch {
				sources = append(sources, Source{X: pt.X, Y: pt.Y, RA: coords[i].RA, Dec: coords[i].Dec})
			}
		} else {
			logger.Printf("coordinate batch %d-%d failed, converting point by point: %v", start, end, err)
			for _, pt := range batch {
				c, err := mapBatch(mapper, []image.Point{pt})
				if err != nil {
					logger.Printf("dropping source at (%d,%d): %v", pt.X, pt.Y, err)
					continue
				}
				sources = append(sources, Source{X: pt.X, Y: pt.Y, RA: c[0].RA, Dec: c[0].Dec})
			}
		}

		if progress != nil {
			progress(end, total)
		}
	}
	return sources
}

func mapBatch(mapper SkyMapper, batch []image.Point) (coords []SkyCoord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapper panic: %v", r)
		}
	}()

	xs := make([]float64, len(batch))
	ys := make([]float64, len(batch))
	for i, pt := range batch {
		xs[i] = float64(pt.X)
		ys[i] = float64(pt.Y)
	}
	coords, err = mapper.PixelToSky(xs, ys)
	if err != nil {
		return nil, err
	}
	if len(coords) != len(batch) {
		return nil, fmt.Errorf("mapper returned %d coordinates for %d points", len(coords), len(batch))
	}
	for i, c := range coords {
		if math.IsNaN(c.RA) || math.IsNaN(c.Dec) || math.IsInf(c.RA, 0) || math.IsInf(c.Dec, 0) {
			return nil, fmt.Errorf("non-finite sky position for pixel (%d,%d)", batch[i].X, batch[i].Y)
		}
	}
	return coords, nil
}
