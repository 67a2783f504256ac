package peakfinder

import "image"

// Tile is a padded column strip of a parent image. Start and End bound the
// core columns the tile is responsible for: only peaks inside the core are
// reported. Offset is the parent column of the tile's first (padded) column.
type Tile struct {
	Index  int
	Image  *Image
	Offset int
	Start  int
	End    int
}

// TileCount picks how many column strips an image of the given width is cut
// into for the given search radius and worker budget.
func TileCount(width, searchRadius, workers int) int {
	minWidth := 4 * searchRadius
	if minWidth < minTileWidth {
		minWidth = minTileWidth
	}
	n := width / minWidth
	if workers < n {
		n = workers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SplitTiles cuts img into n equal column strips padded by pad pixels on
// each side, clamped to the image. Every tile holds its own copy of the data
// and blank mask.
func SplitTiles(img *Image, n, pad int) []Tile {
	if n < 1 {
		n = 1
	}
	if n > img.Width {
		n = img.Width
	}
	tiles := make([]Tile, 0, n)
	for i := 0; i < n; i++ {
		start := i * img.Width / n
		end := (i + 1) * img.Width / n
		lo := start - pad
		if lo < 0 {
			lo = 0
		}
		hi := end + pad
		if hi > img.Width {
			hi = img.Width
		}
		tiles = append(tiles, Tile{
			Index:  i,
			Image:  img.columns(lo, hi),
			Offset: lo,
			Start:  start,
			End:    end,
		})
	}
	return tiles
}

// Dedup drops repeated pixel coordinates.
func Dedup(points []image.Point) []image.Point {
	seen := make(map[image.Point]struct{}, len(points))
	out := make([]image.Point, 0, len(points))
	for _, pt := range points {
		if _, ok := seen[pt]; ok {
			continue
		}
		seen[pt] = struct{}{}
		out = append(out, pt)
	}
	return out
}
