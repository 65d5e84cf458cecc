package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"monthlypay/internal/amqp"
	"monthlypay/internal/cache"
	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
	"monthlypay/internal/sheets"
	sheetsmem "monthlypay/internal/sheets/memory"
	"monthlypay/internal/storage"
	"monthlypay/internal/storage/memory"
)

type fakePublisher struct {
	events []*amqp.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e *amqp.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

type fakeWarehouse struct {
	calls   int
	records int
	err     error
}

func (f *fakeWarehouse) PublishCompensation(_ context.Context, records []core.MonthlyCompensationRecord, _ time.Time) error {
	f.calls++
	f.records = len(records)
	return f.err
}

type failingCollector struct{}

func (failingCollector) Collect(context.Context) (sheets.Collection, error) {
	return sheets.Collection{}, errors.New("quota exhausted")
}

func sampleCollection() sheets.Collection {
	return sheets.Collection{
		WorkReports: []core.RawRow{
			{SourceID: "src-a", Cells: []string{"2025", "2025/04/03", "業務", "会議", "", "", "", "2", "10", "3000"}},
			{SourceID: "src-a", Cells: []string{"2025", "2025/05/01", "業務", "会議", "", "", "", "1", "", "1500"}},
			{SourceID: "src-b", Cells: []string{"not a year"}},
		},
		ExpenseReports: []core.RawRow{
			{SourceID: "src-a", Cells: []string{"2025", "4", "", "", "", "", "", "済"}},
		},
		Members: []core.RawRow{
			{SourceID: "src-a", Cells: []string{"M001", "たろう", "山田 太郎"}},
		},
		Sources: 2,
	}
}

func TestIngestServiceRun(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	// a previously stored allow-list must survive a run without one
	if err := store.ReplaceWithholdingTargets(ctx, []core.WithholdingTarget{{WorkCategory: "会議"}}); err != nil {
		t.Fatal(err)
	}
	pub := &fakePublisher{}
	svc := NewIngestService(sheetsmem.New(sampleCollection()), store, pub)

	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Tables["work_reports"] != 3 || res.Tables["expense_reports"] != 1 || res.Tables["members"] != 1 {
		t.Errorf("tables = %v", res.Tables)
	}
	if res.TargetsUpdated || !res.Published || res.Sources != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(pub.events) != 1 || pub.events[0].Type != amqp.EventReportsIngested {
		t.Fatalf("events = %+v", pub.events)
	}
	rows, _ := store.ReadRaw(ctx, storage.TableWorkReports)
	if len(rows) != 3 {
		t.Errorf("stored work rows = %d", len(rows))
	}
	targets, _ := store.ListWithholdingTargets(ctx)
	if len(targets) != 1 {
		t.Errorf("targets = %+v", targets)
	}
}

func TestIngestServiceReplacesTargetsWhenCollected(t *testing.T) {
	store := memory.New()
	col := sampleCollection()
	col.WithholdingTargets = []core.WithholdingTarget{{WorkCategory: "研修"}, {LicensedMemberID: "M001"}}
	svc := NewIngestService(sheetsmem.New(col), store, nil)

	res, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TargetsUpdated || res.Targets != 2 || res.Published {
		t.Errorf("result = %+v", res)
	}
}

func TestIngestServicePublishFailureIsNotFatal(t *testing.T) {
	svc := NewIngestService(sheetsmem.New(sampleCollection()), memory.New(), &fakePublisher{err: amqp.ErrCircuitOpen})
	res, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Published {
		t.Error("Published should be false")
	}
}

func TestIngestServiceCollectFailureKeepsTables(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	old := []core.RawRow{{SourceID: "old", Cells: []string{"2024"}}}
	if err := store.ReplaceRaw(ctx, storage.TableWorkReports, old, time.Now()); err != nil {
		t.Fatal(err)
	}
	svc := NewIngestService(failingCollector{}, store, nil)

	if _, err := svc.Run(ctx); err == nil {
		t.Fatal("expected error")
	}
	rows, _ := store.ReadRaw(ctx, storage.TableWorkReports)
	if len(rows) != 1 || rows[0].SourceID != "old" {
		t.Errorf("rows = %+v", rows)
	}
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	if _, err := NewIngestService(sheetsmem.New(sampleCollection()), store, nil).Run(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestCompensationServiceRecompute(t *testing.T) {
	store := seededStore(t)
	wh := &fakeWarehouse{}
	data := cache.NewLRUCache[[]core.MonthlyCompensationRecord](10, time.Hour)
	hookCalls := 0
	fixed := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	svc := NewCompensationService(store, store, compensation.NewEngine(compensation.DefaultRules()),
		WithWarehouse(wh),
		WithDataCache(data),
		WithRecomputeHook(func() { hookCalls++ }),
		WithServiceClock(func() time.Time { return fixed }),
	)
	ctx := context.Background()

	data.Set("stale", nil)
	res, err := svc.Recompute(ctx)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if res.Records != 2 {
		t.Errorf("records = %d, want 2", res.Records)
	}
	if res.Issues[compensation.IssueUnkeyedWorkRow] != 1 {
		t.Errorf("issues = %v", res.Issues)
	}
	if !res.Published || wh.calls != 1 || wh.records != 2 {
		t.Errorf("warehouse: result=%+v fake=%+v", res, wh)
	}
	if !res.ComputedAt.Equal(fixed) {
		t.Errorf("ComputedAt = %v", res.ComputedAt)
	}
	if hookCalls != 1 || data.Size() != 0 {
		t.Errorf("hooks=%d cache size=%d", hookCalls, data.Size())
	}

	april, err := svc.List(ctx, compensation.Filter{Year: 2025, Month: 4})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(april) != 1 || april[0].SourceID != "src-a" || april[0].DisplayName != "たろう" {
		t.Errorf("april = %+v", april)
	}
	if data.Size() != 1 {
		t.Errorf("listing was not cached")
	}
	none, _ := svc.List(ctx, compensation.Filter{Year: 2025, Month: 4, Members: []string{"はなこ"}})
	if len(none) != 0 {
		t.Errorf("member filter ignored: %+v", none)
	}
}

func TestCompensationServicePublishFailureIsReported(t *testing.T) {
	store := seededStore(t)
	svc := NewCompensationService(store, store, compensation.NewEngine(compensation.DefaultRules()),
		WithWarehouse(&fakeWarehouse{err: errors.New("bigquery unavailable")}))

	res, err := svc.Recompute(context.Background())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if res.Published || res.PublishError == "" {
		t.Errorf("result = %+v", res)
	}
	stored, _ := store.ListCompensation(context.Background(), 0, 0)
	if len(stored) != 2 {
		t.Errorf("stored = %d, local output must be kept", len(stored))
	}
}
