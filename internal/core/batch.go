package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 500
)

var (
	ErrValidation = errors.New("invalid batch size")
	ErrBusy       = errors.New("batch already in progress")
	ErrRender     = errors.New("render failed")
	ErrTransport  = errors.New("transport failed")
)

const (
	StageRender    = "render"
	StageTransport = "transport"
)

// LabelError reports the label a batch stopped at. Index is 1-based.
type LabelError struct {
	Index int
	Count int
	Stage string
	Err   error
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("label %d/%d: %s: %v", e.Index, e.Count, e.Stage, e.Err)
}

func (e *LabelError) Unwrap() []error {
	kind := ErrTransport
	if e.Stage == StageRender {
		kind = ErrRender
	}
	return []error{kind, e.Err}
}

// BatchPrinter prints labels one at a time. A second batch requested while
// one is running is rejected, never queued.
type BatchPrinter struct {
	ids       Identities
	renderer  Renderer
	transport Transport
	recorder  Recorder
	notifier  Notifier
	logger    *slog.Logger

	mu       sync.Mutex
	printing bool
}

type BatchOption func(*BatchPrinter)

func WithRecorder(r Recorder) BatchOption {
	return func(p *BatchPrinter) { p.recorder = r }
}

func WithNotifier(n Notifier) BatchOption {
	return func(p *BatchPrinter) { p.notifier = n }
}

func WithLogger(l *slog.Logger) BatchOption {
	return func(p *BatchPrinter) { p.logger = l }
}

func NewBatchPrinter(ids Identities, r Renderer, t Transport, opts ...BatchOption) *BatchPrinter {
	p := &BatchPrinter{
		ids:       ids,
		renderer:  r,
		transport: t,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "batch")
	return p
}

// Printing reports whether a batch is underway.
func (p *BatchPrinter) Printing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printing
}

func (p *BatchPrinter) PrintBatch(ctx context.Context, count int) error {
	if count < MinBatchSize || count > MaxBatchSize {
		return fmt.Errorf("%w: %d (must be between %d and %d)", ErrValidation, count, MinBatchSize, MaxBatchSize)
	}

	p.mu.Lock()
	if p.printing {
		p.mu.Unlock()
		return ErrBusy
	}
	p.printing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.printing = false
		p.mu.Unlock()
	}()

	rec := &BatchRecord{
		Requested: count,
		StartedAt: time.Now(),
	}

	p.logger.Info("batch started", "count", count)

	err := p.printLabels(ctx, count, rec)

	now := time.Now()
	rec.CompletedAt = &now

	if err != nil {
		var le *LabelError
		if errors.As(err, &le) {
			rec.FailedIndex = le.Index
			rec.Stage = le.Stage
		}
		rec.Error = err.Error()
		p.logger.Error("batch aborted",
			"printed", rec.Printed,
			"requested", count,
			"failed_index", rec.FailedIndex,
			"undelivered", rec.Undelivered(),
			"error", err,
		)
	} else {
		p.logger.Info("batch completed", "count", count, "duration", now.Sub(rec.StartedAt))
	}

	p.finish(ctx, rec)

	return err
}

func (p *BatchPrinter) printLabels(ctx context.Context, count int, rec *BatchRecord) error {
	for i := 1; i <= count; i++ {
		id := p.ids.Next()

		artifact, err := p.renderer.Render(ctx, id)
		if err != nil {
			return &LabelError{Index: i, Count: count, Stage: StageRender, Err: err}
		}

		if err := p.transport.Print(ctx, artifact); err != nil {
			return &LabelError{Index: i, Count: count, Stage: StageTransport, Err: err}
		}

		rec.Printed = i
		p.logger.Info("label printed", "progress", fmt.Sprintf("%d/%d", i, count), "code", id.Code, "id", id.ID.String())
	}
	return nil
}

func (p *BatchPrinter) finish(ctx context.Context, rec *BatchRecord) {
	if p.recorder != nil {
		// the batch context may already be spent; history is still worth writing
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := p.recorder.RecordBatch(rctx, rec); err != nil {
			p.logger.Warn("failed to record batch", "error", err)
		}
		cancel()
	}

	if p.notifier != nil {
		p.notifier.SendBatchEvent(rec)
	}
}
