package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"peakfinder/internal/config"
	"peakfinder/internal/service"
	"peakfinder/pkg/peakfinder"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	loadDotEnv()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch command := os.Args[1]; command {
	case "detect":
		err = runDetect(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "filters":
		for _, name := range peakfinder.FilterNames() {
			fmt.Println(name)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("peakfinder: point-source detection on FITS surface-brightness maps")
	fmt.Println("Usage:")
	fmt.Println("  peakfinder detect -i map.fits [-o catalog.csv] [-overlay preview.jpg] [-filter F444W|auto|none]")
	fmt.Println("  peakfinder serve [-addr :8080]")
	fmt.Println("  peakfinder filters")
}

// paramFlags registers the detection parameters on fs, defaulting to p.
func paramFlags(fs *flag.FlagSet, p *peakfinder.Params) {
	fs.Float64Var(&p.PixAcrossBeam, "pix-across-beam", p.PixAcrossBeam, "beam FWHM diameter in pixels")
	fs.Float64Var(&p.MinBeams, "min-beams", p.MinBeams, "minimum source area in beams")
	fs.Float64Var(&p.BeamsToSearch, "beams-to-search", p.BeamsToSearch, "local maximum search radius in beams")
	fs.Float64Var(&p.ContourStep, "contour-step", p.ContourStep, "noise proxy (0 = estimate from data)")
	fs.Float64Var(&p.DeltaRMS, "delta-rms", p.DeltaRMS, "minimum merge height in contour steps")
	fs.Float64Var(&p.MinValRMS, "minval-rms", p.MinValRMS, "growth floor above the data minimum in contour steps")
	fs.IntVar(&p.EdgeClip, "edge-clip", p.EdgeClip, "pixels blanked along every border")
	fs.IntVar(&p.Workers, "workers", p.Workers, "tile workers (0 = NumCPU-1)")
	fs.IntVar(&p.ThreadsPerWorker, "threads-per-worker", p.ThreadsPerWorker, "goroutines per tile task")
	fs.IntVar(&p.BatchSize, "batch-size", p.BatchSize, "pixel to sky conversion batch size")
}

// defaultParams applies the environment configuration to the detection
// defaults.
func defaultParams(cfg config.Config) peakfinder.Params {
	p := peakfinder.DefaultParams()
	p.Workers = cfg.Workers
	if cfg.ThreadsPerWorker > 0 {
		p.ThreadsPerWorker = cfg.ThreadsPerWorker
	}
	if cfg.BatchSize > 0 {
		p.BatchSize = cfg.BatchSize
	}
	return p
}

func runDetect(args []string) error {
	cfg := config.Load()
	params := defaultParams(cfg)

	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	input := fs.String("i", "", "input FITS file")
	output := fs.String("o", "", "output catalog CSV (default: stdout summary only)")
	overlay := fs.String("overlay", "", "output overlay JPEG")
	filter := fs.String("filter", "", "photometry filter profile, 'auto' or 'none'")
	paramFlags(fs, &params)
	fs.Parse(args)

	if *input == "" {
		fs.PrintDefaults()
		return fmt.Errorf("-i is required")
	}

	fmt.Printf("Loading: %s\n", *input)
	info, err := os.Stat(*input)
	if err != nil {
		return err
	}
	fmt.Printf("  %s on disk\n", humanize.Bytes(uint64(info.Size())))

	startTime := time.Now()
	planes, err := peakfinder.ReadFits(*input)
	if err != nil {
		return fmt.Errorf("reading FITS: %w", err)
	}
	for _, p := range planes {
		fmt.Printf("  HDU %d: %d x %d\n", p.HDU, p.Image.Width, p.Image.Height)
	}

	engine := peakfinder.NewEngine(nil, nil)
	engine.Debug = cfg.Debug
	defer engine.Close()
	det := &service.Detector{Engine: engine}

	lastStage := ""
	out, err := det.Detect(context.Background(), "cli", planes, service.Options{
		Params: params,
		Filter: *filter,
	}, func(progress int, stage string) {
		if stage != lastStage {
			fmt.Printf("  [%3d%%] %s\n", progress, stage)
			lastStage = stage
		}
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(startTime)

	fmt.Println()
	fmt.Printf("=== Source Detection Results (%.1fs) ===\n", elapsed.Seconds())
	if out.HDU < 0 {
		fmt.Println("  No plane with a usable WCS")
	} else {
		fmt.Printf("  HDU:             %d (%d x %d)\n", out.HDU, out.Width, out.Height)
		fmt.Printf("  Noise (step):    %.4g\n", out.Noise)
		fmt.Printf("  Search radius:   %d px\n", out.SearchRadius)
		fmt.Printf("  Tiles:           %d\n", out.Tiles)
	}
	fmt.Printf("  Sources:         %s\n", humanize.Comma(int64(len(out.Sources))))
	if out.Photometry {
		printFluxSummary(out.Result)
	}
	fmt.Println("==============================")

	if field := peakfinder.SummarizeField(out.Sources, out.Width, out.Height); field != nil {
		fmt.Println()
		fmt.Println("=== Field Summary (3x3) ===")
		fmt.Println(field)
		fmt.Println("==============================")
	}

	if *output != "" {
		if err := writeCatalog(*output, out.Catalog()); err != nil {
			return err
		}
		fmt.Printf("Catalog written to %s\n", *output)
	}
	if *overlay != "" && out.HDU >= 0 {
		plane := planeByHDU(planes, out.HDU)
		opts := peakfinder.OverlayOptions{
			Field: peakfinder.SummarizeField(out.Sources, out.Width, out.Height),
			Title: filepath.Base(*input),
		}
		if err := peakfinder.WriteOverlayFile(*overlay, plane.Image, out.Sources, opts); err != nil {
			return err
		}
		fmt.Printf("Overlay written to %s\n", *overlay)
	}
	return nil
}

func printFluxSummary(res *peakfinder.Result) {
	fluxes := make([]float64, 0, len(res.Sources))
	snrs := make([]float64, 0, len(res.Sources))
	for _, s := range res.Sources {
		if s.Flux != nil {
			fluxes = append(fluxes, *s.Flux)
		}
		if s.SNR != nil {
			snrs = append(snrs, *s.SNR)
		}
	}
	fmt.Printf("  Filter:          %s\n", res.Filter)
	if len(fluxes) > 0 {
		fmt.Printf("  Flux (median):   %.4g %s\n", median(fluxes), peakfinder.FluxUnit)
	}
	if len(snrs) > 0 {
		fmt.Printf("  SNR (median):    %.2f\n", median(snrs))
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}

func planeByHDU(planes []peakfinder.Plane, hdu int) peakfinder.Plane {
	for _, p := range planes {
		if p.HDU == hdu {
			return p
		}
	}
	return peakfinder.Plane{}
}

func writeCatalog(path string, cat *peakfinder.Catalog) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create catalog file: %w", err)
	}
	if err := cat.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
