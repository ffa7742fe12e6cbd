package scheduler

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"log/slog"
)

type fakeSource struct {
	batches [][]string
	err     error
	calls   int
}

func (f *fakeSource) PopDue(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

type recordingProcessor struct {
	mu    sync.Mutex
	wg    sync.WaitGroup
	names []string
}

func (p *recordingProcessor) ProcessWorkItem(ctx context.Context, name string) {
	defer p.wg.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
}

func TestWorkerDispatchesDueItems(t *testing.T) {
	source := &fakeSource{batches: [][]string{{"site-a", "site-b"}}}
	processor := &recordingProcessor{}
	processor.wg.Add(2)
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	worker := NewWorker(source, processor, time.Second, logger)
	worker.runIteration(context.Background())

	done := make(chan struct{})
	go func() {
		processor.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	processor.mu.Lock()
	defer processor.mu.Unlock()
	sort.Strings(processor.names)
	if len(processor.names) != 2 || processor.names[0] != "site-a" || processor.names[1] != "site-b" {
		t.Fatalf("dispatched %v, want [site-a site-b]", processor.names)
	}
}

func TestWorkerSurvivesSourceErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("redis down")}
	processor := &recordingProcessor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	worker := NewWorker(source, processor, time.Second, logger)
	worker.runIteration(context.Background())

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.names) != 0 {
		t.Fatalf("expected no dispatches, got %v", processor.names)
	}
}
