package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"monthlypay/internal/amqp"
	"monthlypay/internal/log"
	"monthlypay/internal/services"
)

// Recomputer rebuilds the compensation table from the stored raw tables.
type Recomputer interface {
	Recompute(ctx context.Context) (services.RecomputeResult, error)
}

// EventSource delivers bus events until ctx is done.
type EventSource interface {
	Consume(ctx context.Context, handler func(context.Context, *amqp.Event) error) error
}

// RecomputeWorker recomputes on every bus event and on a fixed interval,
// the latter as a backstop for lost events.
type RecomputeWorker struct {
	recomputer Recomputer
	events     EventSource
	interval   time.Duration
	logger     *log.Logger
}

// NewRecomputeWorker accepts a nil event source; the worker then only runs
// on its interval. A non-positive interval disables the periodic run.
func NewRecomputeWorker(r Recomputer, events EventSource, interval time.Duration) *RecomputeWorker {
	return &RecomputeWorker{
		recomputer: r,
		events:     events,
		interval:   interval,
		logger:     log.NewComponentLogger(log.ComponentWorker),
	}
}

// HandleEvent processes a single bus event. Returning an error requeues it.
func (w *RecomputeWorker) HandleEvent(ctx context.Context, e *amqp.Event) error {
	w.logger.InfoContext(ctx, "Processing event",
		"type", e.Type,
		"tables", e.Tables,
		"reason", e.Reason,
		"published_at", e.Timestamp)

	res, err := w.recomputer.Recompute(ctx)
	if err != nil {
		return fmt.Errorf("recompute after %s: %w", e.Type, err)
	}
	w.logger.InfoContext(ctx, "Recompute done", "type", e.Type, "records", res.Records)
	return nil
}

// Run blocks until ctx is done or the event consumer fails.
func (w *RecomputeWorker) Run(ctx context.Context) error {
	if w.events == nil && w.interval <= 0 {
		return errors.New("worker has neither an event source nor an interval")
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.events != nil {
		g.Go(func() error {
			return w.events.Consume(gctx, w.HandleEvent)
		})
	}
	if w.interval > 0 {
		g.Go(func() error {
			w.tick(gctx)
			return nil
		})
	}

	w.logger.InfoContext(ctx, "Recompute worker started",
		"events", w.events != nil,
		"interval", w.interval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *RecomputeWorker) tick(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.recomputer.Recompute(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "Periodic recompute failed", "error", err)
				continue
			}
			w.logger.InfoContext(ctx, "Periodic recompute done", "records", res.Records)
		}
	}
}
