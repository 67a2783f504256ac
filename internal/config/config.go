package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the process configuration read from PEAKFINDER_* variables.
type Config struct {
	Addr             string
	DataDir          string
	Workers          int
	ThreadsPerWorker int
	MaxJobs          int
	BatchSize        int
	MaxUploadBytes   int64
	Debug            bool
}

func Load() Config {
	return Config{
		Addr:             getenv("PEAKFINDER_ADDR", ":8080"),
		DataDir:          getenv("PEAKFINDER_DATA_DIR", filepath.Join(".", "local-data")),
		Workers:          getenvInt("PEAKFINDER_WORKERS", 0),
		ThreadsPerWorker: getenvInt("PEAKFINDER_THREADS_PER_WORKER", 1),
		MaxJobs:          getenvInt("PEAKFINDER_MAX_JOBS", 2),
		BatchSize:        getenvInt("PEAKFINDER_BATCH_SIZE", 500),
		MaxUploadBytes:   int64(getenvInt("PEAKFINDER_MAX_UPLOAD_MB", 2048)) << 20,
		Debug:            strings.EqualFold(getenv("PEAKFINDER_LOG_LEVEL", "info"), "debug"),
	}
}

// CatalogDB is the SQLite catalog database path.
func (c Config) CatalogDB() string { return filepath.Join(c.DataDir, "catalogs.db") }

// JobDir is where a job's uploads and artifacts live.
func (c Config) JobDir(id string) string { return filepath.Join(c.DataDir, "jobs", id) }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getenvInt falls back on unset, malformed and negative values.
func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
