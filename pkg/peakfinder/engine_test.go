package peakfinder

import (
	"bytes"
	"context"
	"image"
	"log"
	"math"
	"strings"
	"sync"
	"testing"
)

var pixelMapper = MapperFunc(func(xs, ys []float64) ([]SkyCoord, error) {
	out := make([]SkyCoord, len(xs))
	for i := range xs {
		out[i] = SkyCoord{RA: xs[i] / 100, Dec: ys[i] / 100}
	}
	return out, nil
})

type progressLog struct {
	mu     sync.Mutex
	values []int
	stages []string
}

func (p *progressLog) report(progress int, stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, progress)
	p.stages = append(p.stages, stage)
}

func TestEngineRun(t *testing.T) {
	engine := NewEngine(quietLogger, nil)
	defer engine.Close()

	var progress progressLog
	res, err := engine.Run(context.Background(), Input{
		Image:  syntheticField(t, 64, 64, 2, image.Pt(32, 32)),
		Mapper: pixelMapper,
		Params: bumpParams(),
	}, progress.report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(res.Sources))
	}
	s := res.Sources[0]
	if s.X != 32 || s.Y != 32 || s.RA != 0.32 || s.Dec != 0.32 {
		t.Errorf("source = %+v", s)
	}
	if res.Photometry || s.Flux != nil {
		t.Error("photometry ran without a filter")
	}
	if !(res.Noise > 0) || res.SearchRadius != 4 || res.Tiles != 1 {
		t.Errorf("unexpected result metadata %+v", res)
	}

	last := 0
	for i, v := range progress.values {
		if v < last {
			t.Errorf("progress went back from %d to %d at %q", last, v, progress.stages[i])
		}
		if v > 95 {
			t.Errorf("engine reported %d, beyond its 95%% share", v)
		}
		last = v
	}
	if last != 95 {
		t.Errorf("final progress %d, want 95", last)
	}
}

func TestEngineRunWithPhotometry(t *testing.T) {
	engine := NewEngine(quietLogger, nil)
	defer engine.Close()

	profile, err := LookupProfile("F200W", twoPixelFWHM())
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.Run(context.Background(), Input{
		Image:  syntheticField(t, 64, 64, 2, image.Pt(32, 32)),
		Mapper: pixelMapper,
		Params: bumpParams(),
		Filter: profile,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Photometry || res.Filter != "F200W" {
		t.Fatalf("photometry not recorded: %+v", res)
	}
	s := res.Sources[0]
	if s.Flux == nil || s.SNR == nil || !(*s.SNR > 0) {
		t.Errorf("expected a positive SNR, got %+v", s)
	}

	cat := res.Catalog()
	if !cat.HasPhotometry || cat.Filter != "F200W" || cat.FluxUnit != FluxUnit || cat.Len() != 1 {
		t.Errorf("unexpected catalog %+v", cat)
	}
}

func TestEngineRunEmptyImage(t *testing.T) {
	engine := NewEngine(quietLogger, nil)
	defer engine.Close()

	data := make([]float64, 16*16)
	for i := range data {
		data[i] = math.NaN()
	}
	img, err := NewImage(16, 16, data)
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.Run(context.Background(), Input{Image: img, Mapper: pixelMapper, Params: DefaultParams()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sources == nil || len(res.Sources) != 0 {
		t.Errorf("expected an empty, non-nil source list, got %v", res.Sources)
	}
}

func TestEngineRunValidation(t *testing.T) {
	engine := NewEngine(quietLogger, nil)
	defer engine.Close()
	img := syntheticField(t, 16, 16, 2)

	bad := DefaultParams()
	bad.EdgeClip = -1
	for name, in := range map[string]Input{
		"params":    {Image: img, Mapper: pixelMapper, Params: bad},
		"no image":  {Mapper: pixelMapper, Params: DefaultParams()},
		"no mapper": {Image: img, Params: DefaultParams()},
	} {
		if _, err := engine.Run(context.Background(), in, nil); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestEngineConcurrentRunsShareThePool(t *testing.T) {
	engine := NewEngine(quietLogger, nil)
	defer engine.Close()
	img := syntheticField(t, 512, 48, 2, image.Pt(100, 24), image.Pt(400, 24))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(workers int) {
			defer wg.Done()
			p := bumpParams()
			p.Workers = workers
			det, err := engine.Detect(context.Background(), img, p)
			if err == nil && len(det.Peaks) != 2 {
				t.Errorf("workers=%d: got peaks %v", workers, det.Peaks)
			}
			errs <- err
		}(1 + i%2)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestEngineDebugLogging(t *testing.T) {
	img := syntheticField(t, 512, 48, 2, image.Pt(100, 24), image.Pt(400, 24))
	for _, debug := range []bool{false, true} {
		var buf bytes.Buffer
		engine := NewEngine(log.New(&buf, "", 0), nil)
		engine.Debug = debug
		p := bumpParams()
		p.Workers = 2
		_, err := engine.Run(context.Background(), Input{Image: img, Mapper: pixelMapper, Params: p}, nil)
		engine.Close()
		if err != nil {
			t.Fatalf("debug=%v: %v", debug, err)
		}
		out := buf.String()
		for _, want := range []string{"debug: tile 0", "debug: tile 1", "debug: noise step", "debug: converted 2 points"} {
			if got := strings.Contains(out, want); got != debug {
				t.Errorf("debug=%v: log contains %q = %v\n%s", debug, want, got, out)
			}
		}
	}
}
