package warehouse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
)

func sampleRecords() []core.MonthlyCompensationRecord {
	return []core.MonthlyCompensationRecord{
		{
			Key:         core.Key{SourceID: "src-a", Year: 2025, Month: 4},
			DisplayName: "たろう",
			Payment:     decimal.RequireFromString("12345.6789"),
		},
		{
			Key:           core.Key{SourceID: "src-b", Year: 2025, Month: 4},
			MemberMissing: true,
		},
	}
}

func TestEncodeRowsMatchesSchema(t *testing.T) {
	computedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("JST", 9*3600))
	data, err := encodeRows(sampleRecords(), computedAt)
	if err != nil {
		t.Fatalf("encodeRows: %v", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	schema := Schema()
	if len(lines[0]) != len(schema) {
		t.Errorf("row has %d fields, schema %d", len(lines[0]), len(schema))
	}
	for _, f := range schema {
		if _, ok := lines[0][f.Name]; !ok {
			t.Errorf("column %q missing from encoded row", f.Name)
		}
	}

	if got := lines[0]["payment"]; got != "12345.6789" {
		t.Errorf("payment = %#v, want exact decimal string", got)
	}
	if got := lines[0]["computed_at"]; got != "2025-06-01T03:00:00Z" {
		t.Errorf("computed_at = %v", got)
	}
	if lines[1]["member_missing"] != true {
		t.Errorf("member_missing = %v", lines[1]["member_missing"])
	}
}

func TestPublishCompensation(t *testing.T) {
	var loaded [][]byte
	p := newPublisher(func(_ context.Context, data []byte) error {
		loaded = append(loaded, data)
		return nil
	}, "proj.pay_reports.monthly_compensation")

	if err := p.PublishCompensation(context.Background(), sampleRecords(), time.Now()); err != nil {
		t.Fatalf("PublishCompensation: %v", err)
	}
	if len(loaded) != 1 || bytes.Count(loaded[0], []byte("\n")) != 2 {
		t.Fatalf("loaded = %q", loaded)
	}

	if err := p.PublishCompensation(context.Background(), nil, time.Now()); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("empty result must not be loaded")
	}
}

func TestPublishCompensationError(t *testing.T) {
	boom := errors.New("quota exceeded")
	p := newPublisher(func(context.Context, []byte) error { return boom }, "t")
	if err := p.PublishCompensation(context.Background(), sampleRecords(), time.Now()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewPublisherValidation(t *testing.T) {
	if _, err := NewPublisher(nil, "ds", ""); err == nil {
		t.Fatal("expected error for nil client")
	}
}
