package google

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"monthlypay/internal/core"
)

var (
	spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

	ErrInvalidURL = errors.New("invalid spreadsheet url")
)

// spreadsheetID extracts the document id from a spreadsheet URL.
func spreadsheetID(url string) (string, error) {
	m := spreadsheetIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}
	return m[1], nil
}

// a1Range builds 'Sheet'!B7:K, quoting the sheet name.
func a1Range(sheet, from, to string) string {
	quoted := strings.ReplaceAll(sheet, "'", "''")
	return fmt.Sprintf("'%s'!%s:%s", quoted, from, to)
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		if v == nil {
			continue
		}
		out[i] = fmt.Sprint(v)
	}
	return out
}

// reportRows keeps the rows whose first cell (column B) is non-empty and
// tags them with the report URL.
func reportRows(sourceURL string, values [][]any) []core.RawRow {
	var out []core.RawRow
	for _, row := range values {
		if len(row) == 0 {
			continue
		}
		cells := toStrings(row)
		if cells[0] == "" {
			continue
		}
		out = append(out, core.RawRow{SourceID: sourceURL, Cells: cells})
	}
	return out
}

// masterURLs returns the report URLs in column A minus skipped prefixes.
func masterURLs(values [][]any, skip []string) []string {
	var urls []string
	for _, row := range values {
		if len(row) == 0 {
			continue
		}
		url := strings.TrimSpace(fmt.Sprint(row[0]))
		if url == "" || skipped(url, skip) {
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// memberRows maps master rows A:K to raw rows: column A is the source id
// and B..K the cells.
func memberRows(values [][]any) []core.RawRow {
	var out []core.RawRow
	for _, row := range values {
		if len(row) == 0 {
			continue
		}
		cells := toStrings(row)
		url := strings.TrimSpace(cells[0])
		if url == "" {
			continue
		}
		out = append(out, core.RawRow{SourceID: url, Cells: cells[1:]})
	}
	return out
}

func skipped(url string, skip []string) bool {
	for _, s := range skip {
		if s != "" && strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}
