package service

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"peakfinder/pkg/peakfinder"
)

var quietLogger = log.New(io.Discard, "", 0)

type memoryCatalogs struct {
	mu    sync.Mutex
	saved map[string]*peakfinder.Catalog
	err   error
}

func (m *memoryCatalogs) Save(_ context.Context, jobID string, cat *peakfinder.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string]*peakfinder.Catalog)
	}
	m.saved[jobID] = cat
	return nil
}

// bumpPlane is a 64x64 plane with one Gaussian source at (32, 32) and a
// TAN projection centered on it.
func bumpPlane(t *testing.T, hdu int, withWCS bool) peakfinder.Plane {
	t.Helper()
	const n = 64
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x-32), float64(y-32)
			// Deterministic low-level texture under the source.
			data[y*n+x] = 0.01*math.Sin(float64(7*x+13*y)) + math.Exp(-(dx*dx+dy*dy)/8)
		}
	}
	img, err := peakfinder.NewImage(n, n, data)
	if err != nil {
		t.Fatal(err)
	}
	h := peakfinder.NewHeader()
	h.Set("NAXIS", "2")
	h.Set("FILTER", "F277W")
	if withWCS {
		for k, v := range map[string]string{
			"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN",
			"CRPIX1": "33", "CRPIX2": "33",
			"CRVAL1": "53.16", "CRVAL2": "-27.78",
			"CDELT1": "-1.7E-5", "CDELT2": "1.7E-5",
		} {
			h.Set(k, v)
		}
	}
	return peakfinder.Plane{HDU: hdu, Image: img, Header: h}
}

func testParams() peakfinder.Params {
	p := peakfinder.DefaultParams()
	p.PixAcrossBeam = 4
	p.MinValRMS = 5
	p.Workers = 1
	return p
}

func TestDetectWithoutWCSReturnsEmptyResult(t *testing.T) {
	engine := peakfinder.NewEngine(quietLogger, nil)
	defer engine.Close()
	catalogs := &memoryCatalogs{}
	d := &Detector{Engine: engine, Catalogs: catalogs, Logger: quietLogger}

	out, err := d.Detect(context.Background(), "job", []peakfinder.Plane{bumpPlane(t, 0, false)}, Options{Params: testParams()}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if out.HDU != -1 || out.Sources == nil || len(out.Sources) != 0 {
		t.Errorf("expected an empty result, got %+v", out)
	}
	if len(catalogs.saved) != 0 {
		t.Error("nothing should be persisted without a detection")
	}
}

func TestDetectPersistsArtifacts(t *testing.T) {
	engine := peakfinder.NewEngine(quietLogger, nil)
	defer engine.Close()
	catalogs := &memoryCatalogs{}
	root := t.TempDir()
	d := &Detector{
		Engine:      engine,
		Catalogs:    catalogs,
		ArtifactDir: func(id string) string { return filepath.Join(root, id) },
		Logger:      quietLogger,
	}

	var last int
	planes := []peakfinder.Plane{bumpPlane(t, 0, false), bumpPlane(t, 1, true)}
	out, err := d.Detect(context.Background(), "job-7", planes, Options{
		Params:  testParams(),
		Filter:  FilterFromHeader,
		Overlay: true,
	}, func(progress int, stage string) {
		if progress < last {
			t.Errorf("progress went back from %d to %d (%s)", last, progress, stage)
		}
		last = progress
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if last != 100 {
		t.Errorf("final progress %d, want 100", last)
	}
	if out.HDU != 1 || out.Width != 64 || out.Height != 64 {
		t.Errorf("unexpected output %+v", out)
	}
	if len(out.Sources) != 1 || out.Sources[0].X != 32 || out.Sources[0].Y != 32 {
		t.Fatalf("sources = %+v", out.Sources)
	}
	src := out.Sources[0]
	if math.Abs(src.RA-53.16) > 1e-9 || math.Abs(src.Dec+27.78) > 1e-9 {
		t.Errorf("reference pixel maps to %v, %v", src.RA, src.Dec)
	}
	if !out.Photometry || out.Filter != "F277W" || src.Flux == nil {
		t.Errorf("header filter was not applied: %+v", out.Result)
	}

	if saved := catalogs.saved["job-7"]; saved == nil || saved.Len() != 1 || !saved.HasPhotometry {
		t.Errorf("saved catalog = %+v", saved)
	}
	f, err := os.Open(out.CatalogPath)
	if err != nil {
		t.Fatalf("catalog file: %v", err)
	}
	defer f.Close()
	cat, err := peakfinder.ReadCatalogCSV(f)
	if err != nil || cat.Len() != 1 || cat.Filter != "F277W" {
		t.Errorf("catalog file = %+v, %v", cat, err)
	}
	if info, err := os.Stat(out.OverlayPath); err != nil || info.Size() == 0 {
		t.Errorf("overlay file: %v", err)
	}
}

func TestDetectPersistenceIsBestEffort(t *testing.T) {
	engine := peakfinder.NewEngine(quietLogger, nil)
	defer engine.Close()
	d := &Detector{
		Engine:   engine,
		Catalogs: &memoryCatalogs{err: errors.New("database is locked")},
		Logger:   quietLogger,
	}
	out, err := d.Detect(context.Background(), "job", []peakfinder.Plane{bumpPlane(t, 0, true)}, Options{Params: testParams(), Filter: "F999X"}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(out.Sources) != 1 || out.Photometry || out.CatalogPath != "" {
		t.Errorf("unexpected output %+v", out)
	}
}

func TestDetectFileReportsReadErrors(t *testing.T) {
	engine := peakfinder.NewEngine(quietLogger, nil)
	defer engine.Close()
	d := &Detector{Engine: engine, Logger: quietLogger}

	_, err := d.DetectFile(context.Background(), "job", filepath.Join(t.TempDir(), "missing.fits"), Options{Params: testParams()}, nil)
	var stageErr *peakfinder.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != stageReadInput {
		t.Errorf("DetectFile error = %v", err)
	}
}
