package peakfinder

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FluxUnit is the unit of every catalog flux column.
const FluxUnit = "uJy"

// Catalog column names.
const (
	ColRA      = "RA"
	ColDec     = "DEC"
	ColX       = "X"
	ColY       = "Y"
	ColFlux    = "Flux_uJy"
	ColFluxErr = "FluxErr_uJy"
	ColSNR     = "SNR"
)

// Source is one detected object. Photometry fields are nil when undefined.
type Source struct {
	X       int      `json:"x"`
	Y       int      `json:"y"`
	RA      float64  `json:"ra"`
	Dec     float64  `json:"dec"`
	Flux    *float64 `json:"flux,omitempty"`
	FluxErr *float64 `json:"fluxErr,omitempty"`
	SNR     *float64 `json:"snr,omitempty"`
}

// Catalog is an ordered list of sources with its metadata.
type Catalog struct {
	Filter        string   `json:"filter"`
	FluxUnit      string   `json:"fluxUnit"`
	HasPhotometry bool     `json:"hasPhotometry"`
	Sources       []Source `json:"sources"`
}

// Len returns the number of rows.
func (c *Catalog) Len() int { return len(c.Sources) }

func (c *Catalog) columns() []string {
	cols := []string{ColRA, ColDec, ColX, ColY}
	if c.HasPhotometry {
		cols = append(cols, ColFlux, ColFluxErr, ColSNR)
	}
	return cols
}

// WriteCSV writes the catalog with "# key: value" metadata lines first.
func (c *Catalog) WriteCSV(w io.Writer) error {
	unit := c.FluxUnit
	if unit == "" {
		unit = FluxUnit
	}
	if _, err := fmt.Fprintf(w, "# filter: %s\n# flux_unit: %s\n", c.Filter, unit); err != nil {
		return fmt.Errorf("writing catalog metadata: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(c.columns()); err != nil {
		return fmt.Errorf("writing catalog header: %w", err)
	}
	for _, s := range c.Sources {
		row := []string{
			formatFloat(s.RA),
			formatFloat(s.Dec),
			strconv.Itoa(s.X),
			strconv.Itoa(s.Y),
		}
		if c.HasPhotometry {
			row = append(row, formatOptional(s.Flux), formatOptional(s.FluxErr), formatOptional(s.SNR))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing catalog row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCatalogCSV parses a catalog written by WriteCSV.
func ReadCatalogCSV(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	cat := &Catalog{FluxUnit: FluxUnit}
	var header map[string]int
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading catalog line %d: %w", line, err)
		}
		if len(record) > 0 && strings.HasPrefix(record[0], "#") {
			parseMetadata(cat, strings.Join(record, ","))
			continue
		}
		if header == nil {
			header = make(map[string]int, len(record))
			for i, name := range record {
				header[strings.TrimSpace(name)] = i
			}
			for _, required := range []string{ColRA, ColDec, ColX, ColY} {
				if _, ok := header[required]; !ok {
					return nil, fmt.Errorf("catalog header is missing column %s", required)
				}
			}
			_, cat.HasPhotometry = header[ColFlux]
			continue
		}

		s, err := parseRow(record, header, cat.HasPhotometry)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
		cat.Sources = append(cat.Sources, s)
	}
	if header == nil {
		return nil, fmt.Errorf("catalog has no header row")
	}
	return cat, nil
}

func parseMetadata(cat *Catalog, line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
	if !ok {
		return
	}
	switch strings.TrimSpace(key) {
	case "filter":
		cat.Filter = strings.TrimSpace(value)
	case "flux_unit":
		cat.FluxUnit = strings.TrimSpace(value)
	}
}

func parseRow(record []string, header map[string]int, photometry bool) (Source, error) {
	field := func(name string) string {
		i, ok := header[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var s Source
	var err error
	if s.RA, err = strconv.ParseFloat(field(ColRA), 64); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColRA, err)
	}
	if s.Dec, err = strconv.ParseFloat(field(ColDec), 64); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColDec, err)
	}
	if s.X, err = strconv.Atoi(field(ColX)); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColX, err)
	}
	if s.Y, err = strconv.Atoi(field(ColY)); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColY, err)
	}
	if !photometry {
		return s, nil
	}
	if s.Flux, err = parseOptional(field(ColFlux)); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColFlux, err)
	}
	if s.FluxErr, err = parseOptional(field(ColFluxErr)); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColFluxErr, err)
	}
	if s.SNR, err = parseOptional(field(ColSNR)); err != nil {
		return s, fmt.Errorf("parsing %s: %w", ColSNR, err)
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func parseOptional(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
