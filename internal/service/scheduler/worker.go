package scheduler

import (
	"context"
	"time"

	"log/slog"
)

// Processor consumes one work item identified by deployment name.
type Processor interface {
	ProcessWorkItem(ctx context.Context, name string)
}

// DueSource yields deployment names whose scheduled check has come due.
type DueSource interface {
	PopDue(ctx context.Context) ([]string, error)
}

// Worker polls the schedule and dispatches due work items. Different
// deployment names are processed in parallel; the record store's versioned
// writes guard against the same name racing with itself.
type Worker struct {
	source    DueSource
	processor Processor
	interval  time.Duration
	logger    *slog.Logger
}

// NewWorker constructs a polling worker.
func NewWorker(source DueSource, processor Processor, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{source: source, processor: processor, interval: interval, logger: logger}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runIteration(ctx)
		}
	}
}

func (w *Worker) runIteration(ctx context.Context) {
	names, err := w.source.PopDue(ctx)
	if err != nil {
		w.logger.Error("failed to read due checks", "error", err)
		return
	}
	for _, name := range names {
		go w.processor.ProcessWorkItem(ctx, name)
	}
}
