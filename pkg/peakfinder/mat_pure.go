//go:build purego || js

package peakfinder

import "sync"

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

// morphDilateEllipse is a max filter over an elliptical footprint. Rows are
// split into bands processed by at most threads goroutines.
func morphDilateEllipse(src Mat, dst *Mat, kernelSize, threads int) {
	rows, cols := src.rows, src.cols
	half := kernelSize / 2

	type off struct{ dr, dc int }
	var offsets []off
	for dr := -half; dr <= half; dr++ {
		for dc := -half; dc <= half; dc++ {
			if half == 0 {
				offsets = append(offsets, off{dr, dc})
				continue
			}
			nr := float64(dr) / float64(half)
			nc := float64(dc) / float64(half)
			if nr*nr+nc*nc <= 1.0 {
				offsets = append(offsets, off{dr, dc})
			}
		}
	}

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
	in := src.data
	out := make([]float32, rows*cols)

	if threads < 1 {
		threads = 1
	}
	if threads > rows {
		threads = rows
	}
	band := (rows + threads - 1) / threads

	var wg sync.WaitGroup
	for start := 0; start < rows; start += band {
		end := start + band
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(r0, r1 int) {
			defer wg.Done()
			for r := r0; r < r1; r++ {
				for c := 0; c < cols; c++ {
					maxVal := in[r*cols+c]
					for _, o := range offsets {
						rr := reflectIndex(r+o.dr, rows)
						cc := reflectIndex(c+o.dc, cols)
						if v := in[rr*cols+cc]; v > maxVal {
							maxVal = v
						}
					}
					out[r*cols+c] = maxVal
				}
			}
		}(start, end)
	}
	wg.Wait()
	copy(dst.data, out)
}
