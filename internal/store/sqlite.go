package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"peakfinder/pkg/peakfinder"
)

var ErrNotFound = errors.New("not found")

// SQLite persists catalogs keyed by job id.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps modernc's SQLite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS catalogs (
  job_id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  filter TEXT NOT NULL DEFAULT '',
  flux_unit TEXT NOT NULL,
  has_photometry INTEGER NOT NULL DEFAULT 0,
  source_count INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS sources (
  job_id TEXT NOT NULL REFERENCES catalogs(job_id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  x INTEGER NOT NULL,
  y INTEGER NOT NULL,
  ra REAL NOT NULL,
  dec REAL NOT NULL,
  flux REAL,
  flux_err REAL,
  snr REAL,
  PRIMARY KEY (job_id, idx)
)`,
}

func (s *SQLite) Close() error { return s.db.Close() }

// Save stores cat under jobID, replacing any earlier catalog of that job.
func (s *SQLite) Save(ctx context.Context, jobID string, cat *peakfinder.Catalog) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM sources WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clearing sources: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO catalogs (job_id, created_at, filter, flux_unit, has_photometry, source_count)
         VALUES (?, ?, ?, ?, ?, ?)`,
		jobID,
		time.Now().UnixMilli(),
		cat.Filter,
		fluxUnit(cat),
		boolInt(cat.HasPhotometry),
		len(cat.Sources),
	); err != nil {
		return fmt.Errorf("inserting catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sources (job_id, idx, x, y, ra, dec, flux, flux_err, snr)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing source insert: %w", err)
	}
	defer stmt.Close()
	for i, src := range cat.Sources {
		if _, err = stmt.ExecContext(ctx, jobID, i, src.X, src.Y, src.RA, src.Dec,
			nullableFloat64(src.Flux), nullableFloat64(src.FluxErr), nullableFloat64(src.SNR)); err != nil {
			return fmt.Errorf("inserting source %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load returns the catalog stored under jobID.
func (s *SQLite) Load(ctx context.Context, jobID string) (*peakfinder.Catalog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT filter, flux_unit, has_photometry, source_count FROM catalogs WHERE job_id = ?`, jobID)
	cat := &peakfinder.Catalog{}
	var count int
	if err := row.Scan(&cat.Filter, &cat.FluxUnit, &cat.HasPhotometry, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, ra, dec, flux, flux_err, snr FROM sources WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cat.Sources = make([]peakfinder.Source, 0, count)
	for rows.Next() {
		var (
			src                peakfinder.Source
			flux, fluxErr, snr sql.NullFloat64
		)
		if err := rows.Scan(&src.X, &src.Y, &src.RA, &src.Dec, &flux, &fluxErr, &snr); err != nil {
			return nil, err
		}
		src.Flux = floatPtr(flux)
		src.FluxErr = floatPtr(fluxErr)
		src.SNR = floatPtr(snr)
		cat.Sources = append(cat.Sources, src)
	}
	return cat, rows.Err()
}

// List returns the stored job ids, newest first.
func (s *SQLite) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM catalogs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func fluxUnit(cat *peakfinder.Catalog) string {
	if cat.FluxUnit == "" {
		return peakfinder.FluxUnit
	}
	return cat.FluxUnit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
