//go:build !purego && !js

package peakfinder

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                      { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int               { return mat.m.Rows() }
func (mat Mat) Cols() int               { return mat.m.Cols() }
func (mat Mat) Empty() bool             { return mat.m.Empty() }
func (mat *Mat) Close()                 { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// morphDilateEllipse is a max filter over an elliptical footprint.
// OpenCV schedules its own threads, so the thread cap is only honored by the
// pure Go backend.
func morphDilateEllipse(src Mat, dst *Mat, kernelSize, _ int) {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()
	gocv.MorphologyExWithParams(src.m, &dst.m, gocv.MorphDilate, kernel, 1, gocv.BorderReflect)
}
