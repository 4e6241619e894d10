package calendar

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

// ApplyBatch applies b as one unit: deletes first, then creates. If any item
// fails, every write already made by this batch is compensated before the
// error is returned, so callers never observe a partial batch. The returned
// error wraps model.ErrCalendarWrite.
func ApplyBatch(ctx context.Context, p Provider, b model.Batch, log *logger.Logger) (model.BatchResult, error) {
	var result model.BatchResult
	if b.Empty() {
		return result, nil
	}

	var deleted []model.Event
	if len(b.Deletes) > 0 {
		byID := make(map[string]model.Event, len(b.Deletes))
		for _, e := range b.Deletes {
			byID[e.ID] = e
		}
		var failure error
		for _, r := range p.DeleteEvents(ctx, b.DeleteIDs()) {
			if r.Err != nil {
				if failure == nil && !errors.Is(r.Err, ErrSkipped) {
					failure = fmt.Errorf("delete %s: %w", r.ID, r.Err)
				}
				continue
			}
			deleted = append(deleted, byID[r.ID])
		}
		if failure != nil {
			rollback(ctx, p, nil, deleted, log)
			metrics.CalendarBatchesTotal.WithLabelValues("rolled_back").Inc()
			return model.BatchResult{}, fmt.Errorf("%w: %v", model.ErrCalendarWrite, failure)
		}
	}

	var created []model.Event
	if len(b.Creates) > 0 {
		var failure error
		for _, r := range p.CreateEvents(ctx, b.Creates) {
			if r.Err != nil {
				if failure == nil && !errors.Is(r.Err, ErrSkipped) {
					failure = fmt.Errorf("create %q: %w", r.Event.Title, r.Err)
				}
				continue
			}
			created = append(created, r.Event)
		}
		if failure != nil {
			rollback(ctx, p, created, deleted, log)
			metrics.CalendarBatchesTotal.WithLabelValues("rolled_back").Inc()
			return model.BatchResult{}, fmt.Errorf("%w: %v", model.ErrCalendarWrite, failure)
		}
	}

	result.Created = created
	result.Deleted = make([]string, len(deleted))
	for i, e := range deleted {
		result.Deleted[i] = e.ID
	}
	metrics.CalendarBatchesTotal.WithLabelValues("applied").Inc()
	log.Info("calendar batch applied",
		zap.String("provider", p.Name()),
		zap.Int("created", len(created)),
		zap.Int("deleted", len(deleted)),
	)
	return result, nil
}

// rollback undoes created and restores deleted. It runs even when ctx is
// cancelled.
func rollback(ctx context.Context, p Provider, created, deleted []model.Event, log *logger.Logger) {
	ctx = context.WithoutCancel(ctx)

	// One call per item so a failing compensation does not skip the rest.
	for _, e := range created {
		for _, r := range p.DeleteEvents(ctx, []string{e.ID}) {
			recordRollback("delete", r.Err)
			if r.Err != nil {
				log.Error("rollback delete failed", zap.String("event_id", r.ID), zap.Error(r.Err))
			}
		}
	}
	restore := p.CreateEvents
	if r, ok := p.(Restorer); ok {
		restore = r.RestoreEvents
	}
	for _, e := range deleted {
		for _, r := range restore(ctx, []model.Event{e}) {
			recordRollback("restore", r.Err)
			if r.Err != nil {
				log.Error("rollback restore failed", zap.String("event_id", e.ID), zap.Error(r.Err))
			}
		}
	}

	log.Warn("calendar batch rolled back",
		zap.String("provider", p.Name()),
		zap.Int("undone_creates", len(created)),
		zap.Int("restored_deletes", len(deleted)),
	)
}

func recordRollback(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.CalendarRollbacksTotal.WithLabelValues(operation, status).Inc()
}
