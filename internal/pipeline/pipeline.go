package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
)

// BatchExtractor reads up to batchSize raw events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Assessor turns decoded readings into assessments.
type Assessor interface {
	Assess(ctx context.Context, readings []domain.PollutantReading) []Assessment
}

// BatchLoader writes assessments to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, assessments []Assessment) error
}

// Pipeline orchestrates the extract-assess-load loop.
type Pipeline struct {
	extractor BatchExtractor
	assessor  Assessor
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int

	// pending holds a batch whose load failed. It is retried before anything
	// new is extracted so its alert transitions are not lost.
	pending *pendingBatch
}

type pendingBatch struct {
	assessments []Assessment
	raw         []domain.RawEvent
	attempts    int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, a Assessor, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		assessor:  a,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil if the pipeline has processed at least one batch,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any readings yet")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-assess-load cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	if p.pending != nil {
		if err := p.flush(ctx); err != nil {
			return p.backoffOrStop(ctx, backoff, maxBackoff)
		}
		*backoff = 200 * time.Millisecond
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
		return true
	}

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.ReadingsConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))
	*backoff = 200 * time.Millisecond

	readings := p.decodeBatch(rawBatch)
	if len(readings) == 0 {
		p.commitAll(ctx, rawBatch)
		return true
	}

	p.pending = &pendingBatch{
		assessments: p.assessor.Assess(ctx, readings),
		raw:         rawBatch,
	}
	if err := p.flush(ctx); err != nil {
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return true
}

// flush loads the pending batch and commits its offsets. On failure the batch
// stays pending and its offsets stay uncommitted.
func (p *Pipeline) flush(ctx context.Context) error {
	b := p.pending
	b.attempts++

	if len(b.assessments) > 0 {
		if err := p.loader.LoadBatch(ctx, b.assessments); err != nil {
			p.logger.Error("load batch failed", "error", err,
				"batch_size", len(b.assessments), "attempt", b.attempts)
			return err
		}
		p.metrics.ObservationsProduced.Add(float64(len(b.assessments)))
	}

	p.commitAll(ctx, b.raw)
	p.pending = nil
	return nil
}

// decodeBatch decodes each message in the batch. Messages that fail to decode
// are poison pills: they are logged and counted, and their offsets are
// committed along with the rest of the batch so the consumer moves past them.
func (p *Pipeline) decodeBatch(rawBatch []domain.RawEvent) []domain.PollutantReading {
	readings := make([]domain.PollutantReading, 0, len(rawBatch))

	for _, raw := range rawBatch {
		r, err := DecodeReading(raw)
		if err != nil {
			p.logger.Warn("invalid reading, skipping message",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.InvalidReadings.Inc()
			continue
		}
		readings = append(readings, r)
	}
	return readings
}

func (p *Pipeline) commitAll(ctx context.Context, rawBatch []domain.RawEvent) {
	for _, raw := range rawBatch {
		p.commitOffset(ctx, raw)
	}
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
