package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"monthlypay/internal/cache"
	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
	"monthlypay/internal/log"
	"monthlypay/internal/storage"
)

// WarehousePublisher receives every freshly computed table.
type WarehousePublisher interface {
	PublishCompensation(ctx context.Context, records []core.MonthlyCompensationRecord, computedAt time.Time) error
}

// RecomputeResult summarises one aggregator run.
type RecomputeResult struct {
	Records        int                            `json:"records"`
	Issues         map[compensation.IssueKind]int `json:"issues"`
	ComputedAt     time.Time                      `json:"computed_at"`
	Published      bool                           `json:"published"`
	PublishError   string                         `json:"publish_error,omitempty"`
	ElapsedSeconds float64                        `json:"elapsed_seconds"`
}

// CompensationService runs the aggregator over the stored raw tables and
// serves its output. Only one recompute runs at a time.
type CompensationService struct {
	reports   storage.ReportStore
	store     storage.CompensationStore
	engine    *compensation.Engine
	warehouse WarehousePublisher
	data      cache.Cache[[]core.MonthlyCompensationRecord]
	hooks     []func()
	now       func() time.Time
	logger    *log.Logger

	mu sync.Mutex
}

type CompensationOption func(*CompensationService)

// WithWarehouse publishes every recompute to an external warehouse.
func WithWarehouse(w WarehousePublisher) CompensationOption {
	return func(s *CompensationService) { s.warehouse = w }
}

// WithDataCache memoises ListCompensation per year and month.
func WithDataCache(c cache.Cache[[]core.MonthlyCompensationRecord]) CompensationOption {
	return func(s *CompensationService) { s.data = c }
}

// WithRecomputeHook runs fn after every successful recompute, e.g. to
// drop caches derived from the raw tables.
func WithRecomputeHook(fn func()) CompensationOption {
	return func(s *CompensationService) { s.hooks = append(s.hooks, fn) }
}

func WithServiceClock(now func() time.Time) CompensationOption {
	return func(s *CompensationService) { s.now = now }
}

func NewCompensationService(reports storage.ReportStore, store storage.CompensationStore, engine *compensation.Engine, opts ...CompensationOption) *CompensationService {
	s := &CompensationService{
		reports: reports,
		store:   store,
		engine:  engine,
		now:     time.Now,
		logger:  log.NewComponentLogger(log.ComponentAggregator),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Recompute loads a snapshot of the raw tables, runs the aggregator and
// replaces the output table in one transaction. Data-quality problems are
// logged, never fatal.
func (s *CompensationService) Recompute(ctx context.Context) (RecomputeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return RecomputeResult{}, err
	}

	result := s.engine.Compute(snap)
	computedAt := s.now().UTC()
	if err := s.store.ReplaceCompensation(ctx, result.Records, computedAt); err != nil {
		return RecomputeResult{}, fmt.Errorf("store compensation: %w", err)
	}

	res := RecomputeResult{
		Records:    len(result.Records),
		Issues:     result.IssueCounts(),
		ComputedAt: computedAt,
	}
	for kind, n := range res.Issues {
		s.logger.WarnContext(ctx, "Data quality issues", "kind", kind, "count", n)
	}

	if s.warehouse != nil {
		if err := s.warehouse.PublishCompensation(ctx, result.Records, computedAt); err != nil {
			s.logger.ErrorContext(ctx, "Warehouse publish failed", log.FieldOperation, log.OpPublish, "error", err)
			res.PublishError = err.Error()
		} else {
			res.Published = true
		}
	}

	if s.data != nil {
		s.data.Purge()
	}
	for _, fn := range s.hooks {
		fn()
	}

	res.ElapsedSeconds = s.now().Sub(start).Round(100 * time.Millisecond).Seconds()
	s.logger.InfoContext(ctx, "Recompute finished",
		log.FieldOperation, log.OpRecompute,
		"records", res.Records,
		"work_rows", len(snap.Work),
		"expense_rows", len(snap.Expenses),
		"members", len(snap.Members),
		"published", res.Published)
	return res, nil
}

func (s *CompensationService) loadSnapshot(ctx context.Context) (compensation.Snapshot, error) {
	var (
		snap                   compensation.Snapshot
		work, expenses, member []core.RawRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		work, err = s.reports.ReadRaw(gctx, storage.TableWorkReports)
		return err
	})
	g.Go(func() (err error) {
		expenses, err = s.reports.ReadRaw(gctx, storage.TableExpenseReports)
		return err
	})
	g.Go(func() (err error) {
		member, err = s.reports.ReadRaw(gctx, storage.TableMembers)
		return err
	})
	g.Go(func() (err error) {
		snap.WithholdingTargets, err = s.reports.ListWithholdingTargets(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return compensation.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	snap.Work = core.DecodeWorkReports(work)
	snap.Expenses = core.DecodeExpenseReports(expenses)
	snap.Members = core.DecodeMembers(member)
	return snap, nil
}

// List returns the stored records matching f. Year and month lookups go
// through the data cache; the member filter is applied afterwards.
func (s *CompensationService) List(ctx context.Context, f compensation.Filter) ([]core.MonthlyCompensationRecord, error) {
	key := fmt.Sprintf("%04d-%02d", f.Year, f.Month)
	var (
		records []core.MonthlyCompensationRecord
		ok      bool
	)
	if s.data != nil {
		records, ok = s.data.Get(key)
	}
	if !ok {
		var err error
		records, err = s.store.ListCompensation(ctx, f.Year, f.Month)
		if err != nil {
			return nil, fmt.Errorf("list compensation: %w", err)
		}
		if s.data != nil {
			s.data.Set(key, records)
		}
	}
	return compensation.Apply(records, f), nil
}
