package peakfinder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Pipeline stages, as reported to a Reporter and carried by StageError.
const (
	StageValidate   = "validating parameters"
	StageDataReady  = "data ready"
	StageNoise      = "noise estimated"
	StageDetect     = "detecting sources"
	StageConvert    = "converting coordinates"
	StagePhotometry = "measuring photometry"
)

// Reporter receives coarse pipeline progress in percent.
type Reporter func(progress int, stage string)

// StageError identifies the pipeline stage an error came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Input is everything a detection run consumes.
type Input struct {
	Image  *Image
	Mapper SkyMapper
	Params Params
	// Filter enables photometry when set.
	Filter *FilterProfile
}

// Result is the outcome of one detection run.
type Result struct {
	Sources      []Source `json:"sources"`
	Noise        float64  `json:"noise"`
	SearchRadius int      `json:"searchRadius"`
	Tiles        int      `json:"tiles"`
	Photometry   bool     `json:"photometry"`
	Filter       string   `json:"filter,omitempty"`
}

// Catalog returns the result as a catalog.
func (r *Result) Catalog() *Catalog {
	return &Catalog{
		Filter:        r.Filter,
		FluxUnit:      FluxUnit,
		HasPhotometry: r.Photometry,
		Sources:       r.Sources,
	}
}

// Detection holds the merged pixel peaks of one image.
type Detection struct {
	Peaks []image.Point
	Noise float64
	Tiles int
}

// Engine runs detections on a reusable worker pool. It is safe for
// concurrent use.
type Engine struct {
	// Debug logs per-tile timings and stage durations. Set it before the
	// first detection.
	Debug bool

	logger *log.Logger
	grower Grower

	mu   sync.RWMutex
	pool *Pool
}

// NewEngine creates an Engine. A nil grower selects Dendrogram and a nil
// logger the standard logger.
func NewEngine(logger *log.Logger, grower Grower) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if grower == nil {
		grower = Dendrogram{}
	}
	return &Engine{logger: logger, grower: grower}
}

// Close tears down the worker pool, waiting for in-flight tiles.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// acquirePool returns a pool with the given configuration, replacing the
// current one if its configuration differs. The pool stays valid until
// release is called.
func (e *Engine) acquirePool(cfg PoolConfig) (pool *Pool, release func()) {
	for {
		e.mu.RLock()
		if e.pool != nil && e.pool.Config() == cfg {
			return e.pool, e.mu.RUnlock
		}
		e.mu.RUnlock()

		e.mu.Lock()
		if e.pool == nil || e.pool.Config() != cfg {
			if e.pool != nil {
				e.logger.Printf("resizing worker pool from %d to %d workers", e.pool.Config().Workers, cfg.Workers)
				e.pool.Close()
			}
			e.pool = NewPool(cfg)
		}
		e.mu.Unlock()
	}
}

// Detect finds the deduplicated peak pixels of img. img is used as given;
// call Prepare first to blank borders.
func (e *Engine) Detect(ctx context.Context, img *Image, p Params) (*Detection, error) {
	if err := p.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}
	lim, ok := computeLimits(img, p)
	if !ok {
		return &Detection{}, nil
	}
	return e.detect(ctx, img, p, lim)
}

func (e *Engine) detect(ctx context.Context, img *Image, p Params, lim growthLimits) (*Detection, error) {
	radius := p.SearchRadius()
	n := TileCount(img.Width, radius, p.workers())
	det := &Detection{Noise: lim.step, Tiles: n}

	if n == 1 {
		peaks, err := e.runTile(Tile{Image: img, End: img.Width}, p, lim, p.threads())
		if err != nil {
			return nil, &StageError{Stage: StageDetect, Err: err}
		}
		det.Peaks = Dedup(peaks)
		return det, nil
	}

	type tileResult struct {
		index int
		peaks []image.Point
		err   error
	}

	tiles := SplitTiles(img, n, radius)
	pool, release := e.acquirePool(PoolConfig{Workers: p.workers(), ThreadsPerWorker: p.threads()})
	results := make(chan tileResult, len(tiles))
	submitted := 0
	var submitErr error
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			submitErr = err
			break
		}
		tile := tile
		err := pool.Go(func(threads int) {
			peaks, err := e.runTile(tile, p, lim, threads)
			results <- tileResult{index: tile.Index, peaks: peaks, err: err}
		})
		if err != nil {
			submitErr = err
			break
		}
		submitted++
	}
	release()

	var merged []image.Point
	var errs []error
	for i := 0; i < submitted; i++ {
		r := <-results
		if r.err != nil {
			errs = append(errs, fmt.Errorf("tile %d: %w", r.index, r.err))
			continue
		}
		merged = append(merged, r.peaks...)
	}
	if submitErr != nil {
		errs = append(errs, fmt.Errorf("dispatching tiles: %w", submitErr))
	}
	if len(errs) > 0 {
		return nil, &StageError{Stage: StageDetect, Err: errors.Join(errs...)}
	}

	det.Peaks = Dedup(merged)
	return det, nil
}

// runTile detects peaks in one tile and returns them in parent coordinates.
func (e *Engine) runTile(tile Tile, p Params, lim growthLimits, threads int) (peaks []image.Point, err error) {
	defer func() {
		if r := recover(); r != nil {
			peaks = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	start := time.Now()
	local := detectStructures(tile.Image, p, lim, e.grower, threads)
	// Peaks in the padding belong to the neighbouring tile. Near the cut
	// edge they are often slopes of that tile's sources, not maxima.
	peaks = local[:0]
	for _, pt := range local {
		pt.X += tile.Offset
		if pt.X >= tile.Start && pt.X < tile.End {
			peaks = append(peaks, pt)
		}
	}
	if e.Debug {
		e.logger.Printf("debug: tile %d columns [%d,%d): %d of %d peaks in core, %d threads, %s",
			tile.Index, tile.Start, tile.End, len(peaks), len(local), threads, time.Since(start).Round(time.Millisecond))
	}
	return peaks, nil
}

// Run executes the whole pipeline on one image: preparation, noise
// estimate, tiled detection, sky conversion and optional photometry.
// Progress runs from 5 to 95.
func (e *Engine) Run(ctx context.Context, in Input, report Reporter) (*Result, error) {
	if report == nil {
		report = func(int, string) {}
	}
	p := in.Params
	if err := p.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}
	if in.Image == nil {
		return nil, &StageError{Stage: StageValidate, Err: errors.New("no image")}
	}
	if in.Mapper == nil {
		return nil, &StageError{Stage: StageValidate, Err: errors.New("no pixel to sky mapping")}
	}

	start := time.Now()
	prepared := in.Image.Prepare(p.EdgeClip)
	report(5, StageDataReady)

	res := &Result{Sources: []Source{}, SearchRadius: p.SearchRadius()}
	lim, ok := computeLimits(prepared, p)
	if !ok {
		e.logger.Printf("image %dx%d has no finite data", in.Image.Width, in.Image.Height)
		report(95, StageConvert)
		return res, nil
	}
	res.Noise = lim.step
	if e.Debug {
		e.logger.Printf("debug: noise step %.4g, value floor %.4g", lim.step, lim.floor)
	}
	report(10, StageNoise)

	report(25, StageDetect)
	det, err := e.detect(ctx, prepared, p, lim)
	if err != nil {
		return nil, err
	}
	res.Tiles = det.Tiles
	e.logger.Printf("found %s peaks in %d tile(s) of a %sx%s image in %s",
		humanize.Comma(int64(len(det.Peaks))), det.Tiles,
		humanize.Comma(int64(in.Image.Width)), humanize.Comma(int64(in.Image.Height)),
		time.Since(start).Round(time.Millisecond))

	report(50, StageConvert)
	convertStart := time.Now()
	res.Sources = ConvertToSky(in.Mapper, det.Peaks, p.batchSize(), func(done, total int) {
		report(50+45*done/total, StageConvert)
	}, e.logger)
	if dropped := len(det.Peaks) - len(res.Sources); dropped > 0 {
		e.logger.Printf("dropped %d of %d sources without sky coordinates", dropped, len(det.Peaks))
	}
	if e.Debug {
		e.logger.Printf("debug: converted %d points in batches of %d in %s",
			len(det.Peaks), p.batchSize(), time.Since(convertStart).Round(time.Millisecond))
	}
	report(95, StageConvert)

	if in.Filter != nil {
		res.Filter = in.Filter.Name
		ph := Photometer{Profile: *in.Filter, Logger: e.logger}
		measured, err := ph.Measure(in.Image, res.Sources, res.Noise)
		if err != nil {
			e.logger.Printf("photometry unavailable: %v", err)
		} else {
			res.Sources = measured
			res.Photometry = true
		}
	}
	return res, nil
}
