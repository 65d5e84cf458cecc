package memory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"monthlypay/internal/core"
	"monthlypay/internal/sheets"
)

// Seed file names read by NewFromFiles. The first column of every report
// file is the source id and the rest are the cells from column B on.
const (
	WorkReportsFile        = "work_reports.csv"
	ExpenseReportsFile     = "expense_reports.csv"
	MembersFile            = "members.csv"
	WithholdingTargetsFile = "withholding_targets.csv"
)

// Source serves a fixed collection. It stands in for the spreadsheets in
// local development and tests.
type Source struct {
	mu  sync.Mutex
	col sheets.Collection
}

var _ sheets.Collector = (*Source)(nil)

func New(col sheets.Collection) *Source {
	return &Source{col: col}
}

// NewFromFiles loads the seed CSV files under base. Missing files yield
// empty tables; a missing withholding file leaves the stored allow-list
// alone.
func NewFromFiles(base string) (*Source, error) {
	var col sheets.Collection
	var err error
	if col.WorkReports, err = readRaw(filepath.Join(base, WorkReportsFile)); err != nil {
		return nil, err
	}
	if col.ExpenseReports, err = readRaw(filepath.Join(base, ExpenseReportsFile)); err != nil {
		return nil, err
	}
	if col.Members, err = readRaw(filepath.Join(base, MembersFile)); err != nil {
		return nil, err
	}
	if col.WithholdingTargets, err = readTargets(filepath.Join(base, WithholdingTargetsFile)); err != nil {
		return nil, err
	}
	col.Sources = countSources(col.WorkReports, col.ExpenseReports)
	return New(col), nil
}

// Collect returns a copy of the collection.
func (s *Source) Collect(ctx context.Context) (sheets.Collection, error) {
	if err := ctx.Err(); err != nil {
		return sheets.Collection{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.col
	out.WorkReports = append([]core.RawRow(nil), s.col.WorkReports...)
	out.ExpenseReports = append([]core.RawRow(nil), s.col.ExpenseReports...)
	out.Members = append([]core.RawRow(nil), s.col.Members...)
	if s.col.WithholdingTargets != nil {
		out.WithholdingTargets = append([]core.WithholdingTarget{}, s.col.WithholdingTargets...)
	}
	out.Skipped = append([]string(nil), s.col.Skipped...)
	return out, nil
}

// Set replaces the collection returned by later calls.
func (s *Source) Set(col sheets.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col = col
}

func readRaw(path string) ([]core.RawRow, error) {
	records, err := readCSV(path)
	if err != nil || records == nil {
		return nil, err
	}
	var out []core.RawRow
	for _, rec := range records {
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" || strings.HasPrefix(rec[0], "#") {
			continue
		}
		out = append(out, core.RawRow{SourceID: strings.TrimSpace(rec[0]), Cells: rec[1:]})
	}
	return out, nil
}

func readTargets(path string) ([]core.WithholdingTarget, error) {
	records, err := readCSV(path)
	if err != nil || records == nil {
		return nil, err
	}
	out := []core.WithholdingTarget{}
	for _, rec := range records {
		if len(rec) == 0 || strings.HasPrefix(rec[0], "#") {
			continue
		}
		t := core.WithholdingTarget{WorkCategory: strings.TrimSpace(rec[0])}
		if len(rec) > 1 {
			t.LicensedMemberID = strings.TrimSpace(rec[1])
		}
		if t.WorkCategory == "" && t.LicensedMemberID == "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// readCSV returns nil records when the file does not exist.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var out [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, rec)
	}
	if out == nil {
		out = [][]string{}
	}
	return out, nil
}

func countSources(tables ...[]core.RawRow) int {
	seen := map[string]struct{}{}
	for _, rows := range tables {
		for _, r := range rows {
			seen[r.SourceID] = struct{}{}
		}
	}
	return len(seen)
}
