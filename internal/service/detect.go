package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"peakfinder/pkg/peakfinder"
)

const (
	// FilterFromHeader picks the filter named by the FITS FILTER card.
	FilterFromHeader = "auto"

	CatalogFile = "catalog.csv"
	OverlayFile = "overlay.jpg"

	stageReadInput    = "reading input"
	stageCatalogSaved = "catalog saved"
	stageComplete     = "complete"
)

// Options are the per-job knobs of a detection.
type Options struct {
	Params peakfinder.Params
	// Filter names a photometry profile; empty disables photometry.
	Filter  string
	Overlay bool
}

// Output is the job result of a detection.
type Output struct {
	*peakfinder.Result
	HDU         int    `json:"hdu"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	CatalogPath string `json:"catalogPath,omitempty"`
	OverlayPath string `json:"overlayPath,omitempty"`
}

// CatalogSaver persists a finished catalog.
type CatalogSaver interface {
	Save(ctx context.Context, jobID string, cat *peakfinder.Catalog) error
}

// Detector runs the detection pipeline for one job and stores its
// artifacts. Catalogs and ArtifactDir are optional.
type Detector struct {
	Engine      *peakfinder.Engine
	Catalogs    CatalogSaver
	ArtifactDir func(jobID string) string
	Logger      *log.Logger
}

func (d *Detector) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

// DetectFile reads a FITS file and runs Detect on its planes.
func (d *Detector) DetectFile(ctx context.Context, jobID, path string, opts Options, report peakfinder.Reporter) (*Output, error) {
	if info, err := os.Stat(path); err == nil {
		d.logger().Printf("job %s: reading %s (%s)", jobID, filepath.Base(path), humanize.Bytes(uint64(info.Size())))
	}
	planes, err := peakfinder.ReadFits(path)
	if err != nil {
		return nil, &peakfinder.StageError{Stage: stageReadInput, Err: err}
	}
	return d.Detect(ctx, jobID, planes, opts, report)
}

// Detect runs the pipeline on the first plane with a usable WCS. Without
// one the result is empty. Catalog and overlay persistence is best effort.
func (d *Detector) Detect(ctx context.Context, jobID string, planes []peakfinder.Plane, opts Options, report peakfinder.Reporter) (*Output, error) {
	if report == nil {
		report = func(int, string) {}
	}
	logger := d.logger()

	plane, ok := peakfinder.SelectPlane(planes, logger)
	if !ok {
		logger.Printf("job %s: none of %d plane(s) has a usable WCS, returning an empty catalog", jobID, len(planes))
		return &Output{
			Result: &peakfinder.Result{Sources: []peakfinder.Source{}, SearchRadius: opts.Params.SearchRadius()},
			HDU:    -1,
		}, nil
	}

	in := peakfinder.Input{
		Image:  plane.Image,
		Mapper: plane.Mapper,
		Params: opts.Params,
		Filter: d.profile(jobID, plane, opts.Filter),
	}
	res, err := d.Engine.Run(ctx, in, report)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Result: res,
		HDU:    plane.HDU,
		Width:  plane.Image.Width,
		Height: plane.Image.Height,
	}
	d.saveCatalog(ctx, jobID, out)
	report(98, stageCatalogSaved)

	if opts.Overlay {
		d.saveOverlay(jobID, plane.Image, out)
	}
	report(100, stageComplete)
	return out, nil
}

// profile resolves the photometry profile. Lookup failures disable
// photometry.
func (d *Detector) profile(jobID string, plane peakfinder.Plane, name string) *peakfinder.FilterProfile {
	if name == "" {
		return nil
	}
	if strings.EqualFold(name, FilterFromHeader) {
		name = plane.Header.Filter()
		if name == "" {
			d.logger().Printf("job %s: no FILTER card, skipping photometry", jobID)
			return nil
		}
	}
	profile, err := peakfinder.LookupProfile(name, plane.PixelSolidAngle())
	if err != nil {
		d.logger().Printf("job %s: skipping photometry: %v", jobID, err)
		return nil
	}
	return profile
}

func (d *Detector) saveCatalog(ctx context.Context, jobID string, out *Output) {
	cat := out.Catalog()
	if d.Catalogs != nil {
		if err := d.Catalogs.Save(ctx, jobID, cat); err != nil {
			d.logger().Printf("job %s: saving catalog to database: %v", jobID, err)
		}
	}
	dir := d.artifactDir(jobID)
	if dir == "" {
		return
	}
	path := filepath.Join(dir, CatalogFile)
	if err := writeCatalogFile(path, cat); err != nil {
		d.logger().Printf("job %s: writing %s: %v", jobID, path, err)
		return
	}
	out.CatalogPath = path
}

func (d *Detector) saveOverlay(jobID string, img *peakfinder.Image, out *Output) {
	dir := d.artifactDir(jobID)
	if dir == "" {
		return
	}
	path := filepath.Join(dir, OverlayFile)
	opts := peakfinder.OverlayOptions{
		Field: peakfinder.SummarizeField(out.Sources, img.Width, img.Height),
		Title: out.Filter,
	}
	if err := peakfinder.WriteOverlayFile(path, img, out.Sources, opts); err != nil {
		d.logger().Printf("job %s: writing overlay: %v", jobID, err)
		return
	}
	out.OverlayPath = path
}

func (d *Detector) artifactDir(jobID string) string {
	if d.ArtifactDir == nil {
		return ""
	}
	dir := d.ArtifactDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger().Printf("job %s: creating %s: %v", jobID, dir, err)
		return ""
	}
	return dir
}

func writeCatalogFile(path string, cat *peakfinder.Catalog) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cat.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("writing catalog: %w", err)
	}
	return f.Close()
}
