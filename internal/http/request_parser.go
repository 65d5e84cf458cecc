// This file implements utilities for parsing and validating request data.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"monthlypay/internal/core"
)

// maxBodyBytes caps JSON request bodies. A memo is at most 1000
// characters, so this leaves ample room.
const maxBodyBytes = 64 << 10

// MonthParams holds parsed year/month values from request parameters.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams reads a required year and month, defaulting both to
// now's. Values that are present but malformed are an error.
func ParseMonthParams(query url.Values, now time.Time) (MonthParams, error) {
	params := MonthParams{Year: now.Year(), Month: int(now.Month())}

	var err error
	if params.Year, err = intParam(query, "year", params.Year); err != nil {
		return MonthParams{}, err
	}
	if params.Month, err = intParam(query, "month", params.Month); err != nil {
		return MonthParams{}, err
	}
	if err := validateMonth(params.Year, params.Month); err != nil {
		return MonthParams{}, err
	}
	return params, nil
}

// ParsePeriod reads an optional year and month. Zero means "all"; a month
// without a year is rejected.
func ParsePeriod(query url.Values) (MonthParams, error) {
	var (
		p   MonthParams
		err error
	)
	if p.Year, err = intParam(query, "year", 0); err != nil {
		return MonthParams{}, err
	}
	if p.Month, err = intParam(query, "month", 0); err != nil {
		return MonthParams{}, err
	}
	if p.Month != 0 && p.Year == 0 {
		return MonthParams{}, errors.New("month requires year")
	}
	if p.Year != 0 && !core.ValidYear(p.Year) {
		return MonthParams{}, fmt.Errorf("%w: %d", core.ErrInvalidYear, p.Year)
	}
	if p.Month < 0 || p.Month > 12 {
		return MonthParams{}, fmt.Errorf("%w: %d", core.ErrInvalidMonth, p.Month)
	}
	return p, nil
}

// ParsePathMonth reads {year} and {month} path values.
func ParsePathMonth(r *http.Request) (MonthParams, error) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		return MonthParams{}, fmt.Errorf("%w: %q", core.ErrInvalidYear, r.PathValue("year"))
	}
	month, err := strconv.Atoi(r.PathValue("month"))
	if err != nil {
		return MonthParams{}, fmt.Errorf("%w: %q", core.ErrInvalidMonth, r.PathValue("month"))
	}
	if err := validateMonth(year, month); err != nil {
		return MonthParams{}, err
	}
	return MonthParams{Year: year, Month: month}, nil
}

func validateMonth(year, month int) error {
	if !core.ValidYear(year) {
		return fmt.Errorf("%w: %d", core.ErrInvalidYear, year)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: %d", core.ErrInvalidMonth, month)
	}
	return nil
}

func intParam(query url.Values, key string, def int) (int, error) {
	v := strings.TrimSpace(query.Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// ParseMembers accepts repeated and comma-separated member parameters.
func ParseMembers(query url.Values) []string {
	var out []string
	for _, v := range query["member"] {
		for _, m := range strings.Split(v, ",") {
			if m = sanitizeInput(m); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

// DecodeJSON reads a single JSON object into v, rejecting unknown fields
// and trailing data.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
