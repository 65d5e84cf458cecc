// Package core holds the domain model and the parsing rules for values
// typed by hand into report spreadsheets.
//
// Report cells are noisy: currency symbols, thousands separators,
// full-width digits, spreadsheet error markers (#N/A, #REF!) and literal
// "None"/"nan" strings all occur in real data. The parse functions here
// never fail. They return a result carrying the parsed value and whether
// the input was well formed, and callers that only want a number use the
// zero fallback.
package core

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// Plausible report years. Anything outside is treated as absent.
const (
	MinYear = 2020
	MaxYear = 2030
)

// Amount is the result of parsing a numeric cell.
type Amount struct {
	Value float64
	OK    bool
}

// Or returns the parsed value, or def when the input was not well formed.
func (a Amount) Or(def float64) float64 {
	if !a.OK {
		return def
	}
	return a.Value
}

// decimalPattern admits plain decimal notation with an optional exponent.
// strconv alone would also take hex floats, underscores and "Inf".
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

var currencyReplacer = strings.NewReplacer(
	"¥", "",
	"$", "",
	"円", "",
	",", "",
	" ", "",
)

// ParseAmount parses a spreadsheet value into a finite float.
//
// Examples:
//
//	ParseAmount("¥1,000,000") -> {1000000, true}
//	ParseAmount("１，２００")   -> {1200, true}
//	ParseAmount("#N/A")       -> {0, false}
//	ParseAmount(nil)          -> {0, false}
func ParseAmount(v any) Amount {
	switch x := v.(type) {
	case nil:
		return Amount{}
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return Amount{Value: float64(x), OK: true}
	case int32:
		return Amount{Value: float64(x), OK: true}
	case int64:
		return Amount{Value: float64(x), OK: true}
	case string:
		return parseAmountString(x)
	case []byte:
		return parseAmountString(string(x))
	case fmt.Stringer:
		return parseAmountString(x.String())
	default:
		return parseAmountString(fmt.Sprint(x))
	}
}

// CleanNumeric returns the parsed value of v, or exactly 0 when v is not a
// well-formed number.
func CleanNumeric(v any) float64 {
	return ParseAmount(v).Or(0)
}

// ParseRate parses a ratio such as a position rate. A trailing percent sign
// scales the value, so "10%" and "0.1" are equivalent.
func ParseRate(v any) Amount {
	s, ok := v.(string)
	if !ok {
		return ParseAmount(v)
	}
	s = strings.TrimSpace(width.Narrow.String(s))
	if strings.HasSuffix(s, "%") {
		a := parseAmountString(strings.TrimSuffix(s, "%"))
		if !a.OK {
			return a
		}
		return Amount{Value: a.Value / 100, OK: true}
	}
	return parseAmountString(s)
}

func parseAmountString(s string) Amount {
	s = strings.TrimSpace(width.Narrow.String(s))
	if isBlankMarker(s) {
		return Amount{}
	}
	s = currencyReplacer.Replace(s)
	if !decimalPattern.MatchString(s) {
		return Amount{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Amount{}
	}
	return finite(f)
}

func isBlankMarker(s string) bool {
	if s == "" || strings.HasPrefix(s, "#") {
		return true
	}
	switch strings.ToLower(s) {
	case "none", "nan", "null", "nil":
		return true
	}
	return false
}

func finite(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Amount{}
	}
	return Amount{Value: f, OK: true}
}

// ValidYear reports whether y falls inside the plausible report window.
func ValidYear(y int) bool {
	return y >= MinYear && y <= MaxYear
}

// ParseYear accepts "2025", "2025.0", "2025年" and numeric values. Years
// outside [MinYear, MaxYear] are reported as absent.
func ParseYear(v any) (int, bool) {
	y, ok := parseWhole(v, "年")
	if !ok || !ValidYear(y) {
		return 0, false
	}
	return y, true
}

// ParseMonth accepts 1-12, optionally suffixed with "月".
func ParseMonth(v any) (int, bool) {
	m, ok := parseWhole(v, "月")
	if !ok || m < 1 || m > 12 {
		return 0, false
	}
	return m, true
}

func parseWhole(v any, suffix string) (int, bool) {
	if s, ok := v.(string); ok {
		v = strings.TrimSuffix(strings.TrimSpace(width.Narrow.String(s)), suffix)
	}
	a := ParseAmount(v)
	if !a.OK || a.Value != math.Trunc(a.Value) {
		return 0, false
	}
	return int(a.Value), true
}

// IsMonthlyComplete reports whether a month-closing marker is set. Truthy
// markers are "true", "1", "○" and "済", compared trimmed and
// case-insensitively.
func IsMonthlyComplete(v any) bool {
	if v == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
	case "true", "1", "○", "済":
		return true
	}
	return false
}

var dateLayouts = []string{
	"2006/01/02",
	"2006-01-02",
	"2006/1/2",
	"2006-1-2",
	"2006.1.2",
	"2006年1月2日",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// Spreadsheet serial dates count days from 1899-12-30.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseReportDate parses the date cell of a work report. Month/day only
// values ("4/3", "4月3日") take the row's year. Returns nil when the value
// cannot be read as a date.
func ParseReportDate(s string, year int) *time.Time {
	s = strings.TrimSpace(width.Narrow.String(s))
	if isBlankMarker(s) {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	if year != 0 {
		for _, layout := range []string{"1/2", "01/02", "1月2日"} {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				d := time.Date(year, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
				return &d
			}
		}
	}
	if a := parseAmountString(s); a.OK && a.Value >= 40000 && a.Value < 60000 {
		d := serialEpoch.AddDate(0, 0, int(a.Value))
		return &d
	}
	return nil
}
