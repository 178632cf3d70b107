// Package calcatalog reads calibrator catalogs: name-indexed tables
// yielding right ascension, declination, and optional flux. Catalogs
// are read-only and may be backed by a CSV file or a SQLite table;
// CalibratorService iterates a caller-supplied ordered list of them
// and returns the first match.
package calcatalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Entry is one calibrator catalog row.
type Entry struct {
	Name    string
	RADeg   float64
	DecDeg  float64
	FluxJy  float64
	HasFlux bool
}

// Catalog looks up a calibrator by name.
type Catalog interface {
	Lookup(ctx context.Context, name string) (Entry, bool, error)
}

// CSVCatalog reads calibrator rows from a CSV file with header
// columns "name,ra_deg,dec_deg[,flux_jy]". Lookup is case-insensitive.
type CSVCatalog struct {
	Path string
}

// Lookup scans the CSV file for a row matching name.
func (c CSVCatalog) Lookup(ctx context.Context, name string) (Entry, bool, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return Entry{}, false, fmt.Errorf("open calibrator catalog %q: %w", c.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return Entry{}, false, fmt.Errorf("read header of %q: %w", c.Path, err)
	}
	cols := columnIndex(header)

	target := strings.ToLower(name)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Entry{}, false, fmt.Errorf("read row of %q: %w", c.Path, err)
		}
		if strings.ToLower(record[cols["name"]]) != target {
			continue
		}
		entry, err := parseCSVRow(record, cols)
		if err != nil {
			return Entry{}, false, fmt.Errorf("parse row for %q: %w", name, err)
		}
		return entry, true, nil
	}
	return Entry{}, false, nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func parseCSVRow(record []string, cols map[string]int) (Entry, error) {
	ra, err := strconv.ParseFloat(record[cols["ra_deg"]], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse ra_deg: %w", err)
	}
	dec, err := strconv.ParseFloat(record[cols["dec_deg"]], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse dec_deg: %w", err)
	}
	entry := Entry{Name: record[cols["name"]], RADeg: ra, DecDeg: dec}
	if i, ok := cols["flux_jy"]; ok && i < len(record) && record[i] != "" {
		flux, err := strconv.ParseFloat(record[i], 64)
		if err != nil {
			return Entry{}, fmt.Errorf("parse flux_jy: %w", err)
		}
		entry.FluxJy = flux
		entry.HasFlux = true
	}
	return entry, nil
}

// SQLCatalog reads calibrator rows from a SQLite table, by default
// named "calibrators" with columns "name, ra_deg, dec_deg, flux_jy".
type SQLCatalog struct {
	DB        *sql.DB
	TableName string
}

// Lookup queries the configured table for a case-insensitive name match.
func (c SQLCatalog) Lookup(ctx context.Context, name string) (Entry, bool, error) {
	table := c.TableName
	if table == "" {
		table = "calibrators"
	}
	row := c.DB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT name, ra_deg, dec_deg, flux_jy FROM %s WHERE LOWER(name) = LOWER(?)", table), name)

	var entry Entry
	var flux sql.NullFloat64
	if err := row.Scan(&entry.Name, &entry.RADeg, &entry.DecDeg, &flux); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("query calibrator %q: %w", name, err)
	}
	if flux.Valid {
		entry.FluxJy = flux.Float64
		entry.HasFlux = true
	}
	return entry, true, nil
}

// LookupFirst iterates catalogs in order and returns the first match.
func LookupFirst(ctx context.Context, catalogs []Catalog, name string) (Entry, bool, error) {
	for _, cat := range catalogs {
		entry, ok, err := cat.Lookup(ctx, name)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}
