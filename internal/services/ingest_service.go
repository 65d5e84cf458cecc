package services

import (
	"context"
	"fmt"
	"time"

	"monthlypay/internal/amqp"
	"monthlypay/internal/core"
	"monthlypay/internal/log"
	"monthlypay/internal/sheets"
	"monthlypay/internal/storage"
)

// EventPublisher is the outbound side of the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, e *amqp.Event) error
}

// IngestResult summarises one collector run.
type IngestResult struct {
	Tables         map[string]int `json:"tables"`
	Sources        int            `json:"sources"`
	Skipped        []string       `json:"skipped,omitempty"`
	Targets        int            `json:"withholding_targets"`
	TargetsUpdated bool           `json:"withholding_targets_updated"`
	Published      bool           `json:"published"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
}

// IngestService copies every report spreadsheet into the raw tables.
// Each table is replaced as a whole; a failed run leaves the tables it
// did not reach untouched.
type IngestService struct {
	collector sheets.Collector
	reports   storage.ReportStore
	publisher EventPublisher
	now       func() time.Time
	logger    *log.Logger
}

// NewIngestService wires a collector to the report store. publisher may be
// nil, in which case the recompute worker only picks up new data on its
// periodic run.
func NewIngestService(collector sheets.Collector, reports storage.ReportStore, publisher EventPublisher) *IngestService {
	return &IngestService{
		collector: collector,
		reports:   reports,
		publisher: publisher,
		now:       time.Now,
		logger:    log.NewComponentLogger(log.ComponentCollector),
	}
}

func (s *IngestService) Run(ctx context.Context) (IngestResult, error) {
	start := s.now()
	s.logger.InfoContext(ctx, "Ingestion started", log.FieldOperation, log.OpIngest)

	col, err := s.collector.Collect(ctx)
	if err != nil {
		return IngestResult{}, fmt.Errorf("collect reports: %w", err)
	}

	res := IngestResult{
		Tables:  make(map[string]int, 3),
		Sources: col.Sources,
		Skipped: col.Skipped,
	}
	ingestedAt := s.now().UTC()
	for _, t := range []struct {
		table storage.RawTable
		rows  []core.RawRow
	}{
		{storage.TableWorkReports, col.WorkReports},
		{storage.TableExpenseReports, col.ExpenseReports},
		{storage.TableMembers, col.Members},
	} {
		if err := s.reports.ReplaceRaw(ctx, t.table, t.rows, ingestedAt); err != nil {
			return IngestResult{}, fmt.Errorf("replace %s: %w", t.table, err)
		}
		res.Tables[string(t.table)] = len(t.rows)
		s.logger.InfoContext(ctx, "Raw table replaced", log.FieldTable, t.table, log.FieldRows, len(t.rows))
	}

	if col.WithholdingTargets != nil {
		if err := s.reports.ReplaceWithholdingTargets(ctx, col.WithholdingTargets); err != nil {
			return IngestResult{}, fmt.Errorf("replace withholding targets: %w", err)
		}
		res.Targets = len(col.WithholdingTargets)
		res.TargetsUpdated = true
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, amqp.NewReportsIngested(res.Tables)); err != nil {
			// The data is stored; the periodic recompute will catch up.
			s.logger.WarnContext(ctx, "Failed to publish ingestion event", "error", err)
		} else {
			res.Published = true
		}
	}

	res.ElapsedSeconds = s.now().Sub(start).Round(100 * time.Millisecond).Seconds()
	s.logger.InfoContext(ctx, "Ingestion finished",
		"sources", res.Sources,
		"skipped", len(res.Skipped),
		"tables", res.Tables,
		"elapsed_seconds", res.ElapsedSeconds)
	return res, nil
}
