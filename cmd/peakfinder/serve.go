package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peakfinder/internal/config"
	"peakfinder/internal/httpapi"
	"peakfinder/internal/jobs"
	"peakfinder/internal/service"
	"peakfinder/internal/store"
	"peakfinder/pkg/peakfinder"
)

const shutdownTimeout = 10 * time.Minute

func runServe(args []string) error {
	cfg := config.Load()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory")
	fs.IntVar(&cfg.MaxJobs, "max-jobs", cfg.MaxJobs, "concurrently running jobs")
	fs.Parse(args)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	catalogs, err := store.Open(cfg.CatalogDB())
	if err != nil {
		return fmt.Errorf("open catalog store: %w", err)
	}
	defer catalogs.Close()

	logger := log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
	engine := peakfinder.NewEngine(logger, nil)
	engine.Debug = cfg.Debug
	defer engine.Close()
	registry := jobs.NewRegistry(cfg.MaxJobs, logger)

	server := &httpapi.Server{
		Jobs: registry,
		Detector: &service.Detector{
			Engine:      engine,
			Catalogs:    catalogs,
			ArtifactDir: cfg.JobDir,
			Logger:      logger,
		},
		Catalogs:       catalogs,
		Defaults:       defaultParams(cfg),
		JobDir:         cfg.JobDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}
	if cfg.Debug {
		logger.Printf("config: %+v", cfg)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: server.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s (data=%s, max jobs=%d)", cfg.Addr, cfg.DataDir, cfg.MaxJobs)
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case s := <-sig:
		log.Printf("received %s, draining jobs", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return registry.Shutdown(ctx)
}
