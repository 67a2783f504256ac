package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"peakfinder/internal/jobs"
	"peakfinder/internal/service"
	"peakfinder/internal/store"
	"peakfinder/pkg/peakfinder"
)

const inputFile = "input.fits"

// Server exposes detection jobs over HTTP. Catalogs may be nil.
type Server struct {
	Jobs           *jobs.Registry
	Detector       *service.Detector
	Catalogs       *store.SQLite
	Defaults       peakfinder.Params
	JobDir         func(id string) string
	MaxUploadBytes int64
	Logger         *log.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/filters", s.handleFilters)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/catalog", s.handleGetCatalog)
		r.Get("/jobs/{id}/overlay", s.handleGetOverlay)
	})
	return r
}

func (s *Server) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

func (s *Server) handleFilters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"filters": peakfinder.FilterNames()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file' upload: %w", err))
		return
	}
	defer file.Close()

	opts, err := parseOptions(r, s.Defaults)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	// Stage the upload before creating the job so a failed write leaves no
	// job behind.
	staged, size, err := stageUpload(file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("store upload: %w", err))
		return
	}

	id, err := s.Jobs.Submit(header.Filename, func(ctx context.Context, id string, report jobs.Reporter) (any, error) {
		input, err := s.moveInput(id, staged)
		if err != nil {
			return nil, &peakfinder.StageError{Stage: "storing input", Err: err}
		}
		return s.Detector.DetectFile(ctx, id, input, opts, peakfinder.Reporter(report))
	})
	if err != nil {
		os.Remove(staged)
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger().Printf("job %s: accepted %s (%s)", id, header.Filename, humanize.Bytes(uint64(size)))
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func stageUpload(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "peakfinder-upload-*.fits")
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), size, nil
}

// moveInput moves a staged upload into the job directory, falling back to
// a copy across filesystems.
func (s *Server) moveInput(id, staged string) (string, error) {
	if s.JobDir == nil {
		return staged, nil
	}
	dir := s.JobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, inputFile)
	if err := os.Rename(staged, dst); err == nil {
		return dst, nil
	}
	src, err := os.Open(staged)
	if err != nil {
		return "", err
	}
	defer os.Remove(staged)
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", err
	}
	return dst, out.Close()
}

func parseOptions(r *http.Request, defaults peakfinder.Params) (service.Options, error) {
	opts := service.Options{Params: defaults}
	floats := []struct {
		field string
		dst   *float64
	}{
		{"pix_across_beam", &opts.Params.PixAcrossBeam},
		{"min_beams", &opts.Params.MinBeams},
		{"beams_to_search", &opts.Params.BeamsToSearch},
		{"contour_step", &opts.Params.ContourStep},
		{"delta_rms", &opts.Params.DeltaRMS},
		{"minval_rms", &opts.Params.MinValRMS},
	}
	for _, f := range floats {
		raw := strings.TrimSpace(r.FormValue(f.field))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %q", f.field, raw)
		}
		*f.dst = v
	}
	if raw := strings.TrimSpace(r.FormValue("edge_clip")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid edge_clip: %q", raw)
		}
		opts.Params.EdgeClip = v
	}
	if err := opts.Params.Validate(); err != nil {
		return opts, err
	}

	opts.Filter = strings.TrimSpace(r.FormValue("filter"))
	if raw := strings.TrimSpace(r.FormValue("overlay")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid overlay: %q", raw)
		}
		opts.Overlay = v
	}
	return opts, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status jobs.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = jobs.Status(raw)
		switch status {
		case jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusError:
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
	}

	all := s.Jobs.List()
	resp := make([]jobs.Job, 0, len(all))
	for _, job := range all {
		if status != "" && job.Status != status {
			continue
		}
		// Listings stay small; fetch a job for its result.
		job.Result = nil
		job.Trace = ""
		resp = append(resp, job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cat, err := s.catalog(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusConflict, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	if err := cat.WriteCSV(w); err != nil {
		s.logger().Printf("job %s: streaming catalog: %v", id, err)
	}
}

// catalog returns a finished job's catalog from memory, or from the
// database for jobs of an earlier process.
func (s *Server) catalog(ctx context.Context, id string) (*peakfinder.Catalog, error) {
	job, err := s.Jobs.Get(id)
	if errors.Is(err, jobs.ErrNotFound) {
		if s.Catalogs == nil {
			return nil, err
		}
		return s.Catalogs.Load(ctx, id)
	}
	if job.Status != jobs.StatusCompleted {
		return nil, fmt.Errorf("job is %s", job.Status)
	}
	out, ok := job.Result.(*service.Output)
	if !ok || out.Result == nil {
		return nil, fmt.Errorf("job has no catalog")
	}
	return out.Catalog(), nil
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := ""
	job, err := s.Jobs.Get(id)
	switch {
	case err == nil:
		if out, ok := job.Result.(*service.Output); ok {
			path = out.OverlayPath
		}
	case s.JobDir != nil:
		path = filepath.Join(s.JobDir(id), service.OverlayFile)
	}
	if path == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no overlay for job %s", id))
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no overlay for job %s", id))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
