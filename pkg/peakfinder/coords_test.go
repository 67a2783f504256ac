package peakfinder

import (
	"errors"
	"image"
	"math"
	"testing"
)

// identityMapper maps pixel (x, y) to RA x, Dec y and fails any call that
// includes a pixel listed in bad.
func identityMapper(bad map[int]bool, nanAt map[int]bool, calls *int) MapperFunc {
	return func(xs, ys []float64) ([]SkyCoord, error) {
		*calls++
		out := make([]SkyCoord, len(xs))
		for i := range xs {
			if bad[int(xs[i])] {
				return nil, errors.New("outside the projection")
			}
			out[i] = SkyCoord{RA: xs[i], Dec: ys[i]}
			if nanAt[int(xs[i])] {
				out[i].Dec = math.NaN()
			}
		}
		return out, nil
	}
}

func points(n int) []image.Point {
	pts := make([]image.Point, n)
	for i := range pts {
		pts[i] = image.Pt(i, 10+i)
	}
	return pts
}

func TestConvertToSkyBatches(t *testing.T) {
	calls := 0
	var progress [][2]int
	sources := ConvertToSky(identityMapper(nil, nil, &calls), points(5), 2, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	}, quietLogger)

	if len(sources) != 5 {
		t.Fatalf("got %d sources, want 5", len(sources))
	}
	for i, s := range sources {
		if s.X != i || s.Y != 10+i || s.RA != float64(i) || s.Dec != float64(10+i) {
			t.Errorf("source %d = %+v", i, s)
		}
		if s.Flux != nil || s.SNR != nil {
			t.Errorf("source %d has photometry before measurement", i)
		}
	}
	if calls != 3 {
		t.Errorf("mapper called %d times, want 3", calls)
	}
	want := [][2]int{{2, 5}, {4, 5}, {5, 5}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}
}

func TestConvertToSkyDropsFailingPoints(t *testing.T) {
	tests := []struct {
		name  string
		bad   map[int]bool
		nanAt map[int]bool
	}{
		{"mapper error", map[int]bool{3: true}, nil},
		{"non-finite result", nil, map[int]bool{3: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			sources := ConvertToSky(identityMapper(tt.bad, tt.nanAt, &calls), points(5), 2, nil, quietLogger)
			var xs []int
			for _, s := range sources {
				xs = append(xs, s.X)
			}
			want := []int{0, 1, 2, 4}
			if len(xs) != len(want) {
				t.Fatalf("kept %v, want %v", xs, want)
			}
			for i := range want {
				if xs[i] != want[i] {
					t.Errorf("kept %v, want %v", xs, want)
					break
				}
			}
			// Batch [2,3] fails once, then each of its points is retried.
			if calls != 5 {
				t.Errorf("mapper called %d times, want 5", calls)
			}
		})
	}
}

func TestConvertToSkyRecoversMapperPanic(t *testing.T) {
	mapper := MapperFunc(func(xs, ys []float64) ([]SkyCoord, error) {
		panic("broken mapper")
	})
	if got := ConvertToSky(mapper, points(3), 10, nil, quietLogger); len(got) != 0 {
		t.Errorf("expected every point to be dropped, got %v", got)
	}
}

func TestConvertToSkyRejectsShortResults(t *testing.T) {
	mapper := MapperFunc(func(xs, ys []float64) ([]SkyCoord, error) {
		return []SkyCoord{{RA: 1, Dec: 1}}, nil
	})
	got := ConvertToSky(mapper, points(3), 10, nil, quietLogger)
	// Single-point retries return exactly one coordinate and succeed.
	if len(got) != 3 {
		t.Errorf("got %d sources, want 3", len(got))
	}
}
