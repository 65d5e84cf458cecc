package compensation

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rules holds every tunable constant of the calculation. Nothing in Engine
// hard-codes a rate or a category.
type Rules struct {
	PerKmRate       decimal.Decimal
	DayRate         decimal.Decimal
	DayRateHours    decimal.Decimal
	WithholdingRate decimal.Decimal

	// DayRateCategories are work categories paid per day instead of per hour.
	DayRateCategories []string
	// WithholdingCategories are work categories whose amounts form the
	// withholding base. The manually maintained target table is merged in
	// at snapshot time.
	WithholdingCategories []string

	// UseCompensationFallback lets a member-month with no work rows take its
	// pay from the expense report's pre-computed compensation figure.
	UseCompensationFallback bool
}

func DefaultRules() Rules {
	return Rules{
		PerKmRate:               decimal.NewFromInt(20),
		DayRate:                 decimal.Zero,
		DayRateHours:            decimal.NewFromInt(8),
		WithholdingRate:         decimal.RequireFromString("0.1021"),
		UseCompensationFallback: true,
	}
}

func (r Rules) Validate() error {
	var errs []string
	if r.PerKmRate.IsNegative() {
		errs = append(errs, "per-km rate must not be negative")
	}
	if r.DayRate.IsNegative() {
		errs = append(errs, "day rate must not be negative")
	}
	if r.DayRateHours.IsNegative() {
		errs = append(errs, "day rate hours must not be negative")
	}
	if r.WithholdingRate.IsNegative() || r.WithholdingRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("withholding rate %s must be between 0 and 1", r.WithholdingRate))
	}
	if len(errs) > 0 {
		return errors.New("invalid compensation rules: " + strings.Join(errs, "; "))
	}
	return nil
}

// rulesFile is the YAML shape of a rules file. Amounts are strings so the
// file can carry exact decimals.
type rulesFile struct {
	PerKmRate               *string  `yaml:"per_km_rate"`
	DayRate                 *string  `yaml:"day_rate"`
	DayRateHours            *string  `yaml:"day_rate_hours"`
	WithholdingRate         *string  `yaml:"withholding_rate"`
	DayRateCategories       []string `yaml:"day_rate_categories"`
	WithholdingCategories   []string `yaml:"withholding_categories"`
	UseCompensationFallback *bool    `yaml:"use_compensation_fallback"`
}

// LoadRules reads a YAML rules file over DefaultRules. Keys absent from the
// file keep their default.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}

	r := DefaultRules()
	for _, field := range []struct {
		name string
		raw  *string
		dst  *decimal.Decimal
	}{
		{"per_km_rate", f.PerKmRate, &r.PerKmRate},
		{"day_rate", f.DayRate, &r.DayRate},
		{"day_rate_hours", f.DayRateHours, &r.DayRateHours},
		{"withholding_rate", f.WithholdingRate, &r.WithholdingRate},
	} {
		if field.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(*field.raw))
		if err != nil {
			return Rules{}, fmt.Errorf("parse %s %q: %w", field.name, *field.raw, err)
		}
		*field.dst = d
	}
	if f.DayRateCategories != nil {
		r.DayRateCategories = cleanCategories(f.DayRateCategories)
	}
	if f.WithholdingCategories != nil {
		r.WithholdingCategories = cleanCategories(f.WithholdingCategories)
	}
	if f.UseCompensationFallback != nil {
		r.UseCompensationFallback = *f.UseCompensationFallback
	}

	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func cleanCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func categorySet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, c := range list {
			if c = strings.TrimSpace(c); c != "" {
				set[c] = struct{}{}
			}
		}
	}
	return set
}
