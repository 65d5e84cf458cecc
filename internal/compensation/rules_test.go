package compensation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRules(t *testing.T) {
	data := []byte(`
per_km_rate: "25"
day_rate: "8000"
day_rate_hours: "6.5"
withholding_rate: "0.1021"
day_rate_categories: ["一立て", " ", "終日"]
withholding_categories:
  - 相談
  - 講師
use_compensation_fallback: false
`)
	r, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	assertDec(t, "per_km_rate", r.PerKmRate, "25")
	assertDec(t, "day_rate", r.DayRate, "8000")
	assertDec(t, "day_rate_hours", r.DayRateHours, "6.5")
	if len(r.DayRateCategories) != 2 || r.DayRateCategories[1] != "終日" {
		t.Fatalf("day rate categories = %v", r.DayRateCategories)
	}
	if len(r.WithholdingCategories) != 2 {
		t.Fatalf("withholding categories = %v", r.WithholdingCategories)
	}
	if r.UseCompensationFallback {
		t.Fatalf("fallback should be disabled")
	}
}

func TestParseRulesKeepsDefaults(t *testing.T) {
	r, err := ParseRules([]byte("day_rate: \"5000\"\n"))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	def := DefaultRules()
	if !r.PerKmRate.Equal(def.PerKmRate) || !r.WithholdingRate.Equal(def.WithholdingRate) {
		t.Fatalf("defaults not kept: %+v", r)
	}
	if !r.UseCompensationFallback {
		t.Fatalf("fallback default should stay enabled")
	}
}

func TestParseRulesErrors(t *testing.T) {
	cases := map[string]string{
		"bad decimal":   `per_km_rate: "twenty"`,
		"negative rate": `per_km_rate: "-1"`,
		"rate above 1":  `withholding_rate: "1.5"`,
		"bad yaml":      "per_km_rate: [",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRules([]byte(in)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("per_km_rate: \"30\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	assertDec(t, "per_km_rate", r.PerKmRate, "30")

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read rules file") {
		t.Fatalf("expected read error, got %v", err)
	}
}
