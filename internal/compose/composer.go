// Package compose turns streams of extracted facts into the graph store.
//
// Composition runs in two phases. Entity streams are chunked and upserted
// by natural key, concurrently across streams. Only once every entity batch
// has committed do relationship streams run, each batch matching both
// endpoints and creating the edge. Every write is idempotent, so a run that
// is cancelled or fails midway converges when repeated.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/jward/cskg/internal/graph"
	"github.com/jward/cskg/internal/metrics"
)

const (
	phaseEntities      = "entities"
	phaseRelationships = "relationships"
)

var tracer = otel.Tracer("github.com/jward/cskg/internal/compose")

// Store is the write side of a graph store.
type Store interface {
	// EnsureSchema creates the (label, qualified_name) index or
	// constraint. Idempotent.
	EnsureSchema(ctx context.Context) error
	// Reset deletes the whole graph.
	Reset(ctx context.Context) error
	// UpsertEntities writes one batch in one transaction.
	UpsertEntities(ctx context.Context, entities []graph.Entity) (graph.WriteResult, error)
	// CreateRelationships writes one batch in one transaction, skipping
	// entries whose endpoints do not exist.
	CreateRelationships(ctx context.Context, rels []graph.Relationship) (graph.WriteResult, error)
}

// Option configures a Composer.
type Option func(*Composer)

// WithBatchSize sets the number of records per transaction. Default 1000.
func WithBatchSize(n int) Option {
	return func(c *Composer) { c.batchSize = n }
}

// WithMaxRetries sets how often a failed batch is retried. Default 3.
func WithMaxRetries(n int) Option {
	return func(c *Composer) { c.maxRetries = n }
}

// WithBatchTimeout bounds each batch attempt. Default 30s; zero disables.
func WithBatchTimeout(d time.Duration) Option {
	return func(c *Composer) { c.batchTimeout = d }
}

// WithConcurrency bounds the entity streams written at once. Default 4.
func WithConcurrency(n int) Option {
	return func(c *Composer) { c.concurrency = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Composer) { c.metrics = m }
}

// WithReset wipes the graph before composing.
func WithReset() Option {
	return func(c *Composer) { c.reset = true }
}

// WithBackOff sets the retry schedule. The factory is called once per
// retried batch.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Composer) { c.newBackOff = f }
}

// Composer writes fact streams into a Store.
type Composer struct {
	store        Store
	batchSize    int
	maxRetries   int
	batchTimeout time.Duration
	concurrency  int
	reset        bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
	newBackOff   func() backoff.BackOff
}

func New(store Store, opts ...Option) *Composer {
	c := &Composer{
		store:        store,
		batchSize:    1000,
		maxRetries:   3,
		batchTimeout: 30 * time.Second,
		concurrency:  4,
		logger:       slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	c.batchSize = max(c.batchSize, 1)
	c.concurrency = max(c.concurrency, 1)
	c.maxRetries = max(c.maxRetries, 0)
	return c
}

// Compose writes every entity stream, waits for all of them to commit, then
// writes every relationship stream. The report is returned even when
// composition fails; a *BatchError identifies the batch that exhausted its
// retries. Invalid facts abort the run with graph.ErrStructural.
func (c *Composer) Compose(ctx context.Context, entities []graph.EntityStream, relationships []graph.RelationshipStream) (*Report, error) {
	start := time.Now()
	report := newReport()
	ctx, span := tracer.Start(ctx, "compose.Compose")
	defer span.End()

	fail := func(err error) (*Report, error) {
		report.Duration = time.Since(start)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	if err := c.retry(ctx, report, "schema", func(ctx context.Context) error {
		return c.store.EnsureSchema(ctx)
	}); err != nil {
		return fail(fmt.Errorf("ensure schema: %w", err))
	}
	if c.reset {
		c.logger.Info("resetting graph before compose")
		if err := c.store.Reset(ctx); err != nil {
			return fail(fmt.Errorf("reset graph: %w", err))
		}
	}

	// Phase 1: entity streams share no natural key across kinds, so they
	// run concurrently. Wait is the barrier before any edge is written.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, s := range entities {
		g.Go(func() error {
			return c.composeEntities(gctx, report, s)
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	// Phase 2.
	for _, s := range relationships {
		if err := c.composeRelationships(ctx, report, s); err != nil {
			return fail(err)
		}
	}

	report.Duration = time.Since(start)
	ents, rels := report.Totals()
	c.logger.Info("compose complete",
		"entities_written", ents.Written,
		"entities_merged", ents.Merged,
		"relationships_written", rels.Written,
		"relationships_merged", rels.Merged,
		"relationships_skipped", rels.Skipped,
		"batches", report.Batches,
		"retries", report.Retries,
		"duration", report.Duration)
	span.SetAttributes(
		attribute.Int("entities_written", ents.Written),
		attribute.Int("relationships_written", rels.Written),
		attribute.Int("batches", report.Batches),
	)
	return report, nil
}

func (c *Composer) composeEntities(ctx context.Context, report *Report, s graph.EntityStream) error {
	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := graph.NextChunk(ctx, s, c.batchSize)
		if err != nil {
			return fmt.Errorf("read entity stream: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}
		for _, e := range chunk {
			if err := e.Validate(); err != nil {
				return err
			}
		}
		kind := batchKind(chunk, func(e graph.Entity) string { return e.Kind.String() })

		var res graph.WriteResult
		attempts, err := c.writeBatch(ctx, report, phaseEntities, kind, batch, len(chunk), func(ctx context.Context) error {
			var err error
			res, err = c.store.UpsertEntities(ctx, chunk)
			return err
		})
		if err != nil {
			report.record(phaseEntities, kind, Counts{Failed: len(chunk)}, false)
			return &BatchError{Phase: phaseEntities, Kind: kind, Batch: batch, Size: len(chunk), Attempts: attempts, Err: err}
		}
		report.record(phaseEntities, kind, countsFrom(res), true)
		c.metrics.EntitiesWritten(res.Created, res.Merged)
	}
}

func (c *Composer) composeRelationships(ctx context.Context, report *Report, s graph.RelationshipStream) error {
	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := graph.NextChunk(ctx, s, c.batchSize)
		if err != nil {
			return fmt.Errorf("read relationship stream: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}
		for _, r := range chunk {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		kind := batchKind(chunk, func(r graph.Relationship) string { return r.Kind.Type() })

		var res graph.WriteResult
		attempts, err := c.writeBatch(ctx, report, phaseRelationships, kind, batch, len(chunk), func(ctx context.Context) error {
			var err error
			res, err = c.store.CreateRelationships(ctx, chunk)
			return err
		})
		if err != nil {
			report.record(phaseRelationships, kind, Counts{Failed: len(chunk)}, false)
			return &BatchError{Phase: phaseRelationships, Kind: kind, Batch: batch, Size: len(chunk), Attempts: attempts, Err: err}
		}
		if res.Skipped > 0 {
			c.logger.Debug("skipped relationships with missing endpoints", "kind", kind, "batch", batch, "skipped", res.Skipped)
		}
		report.record(phaseRelationships, kind, countsFrom(res), true)
		c.metrics.RelationshipsWritten(res.Created, res.Merged, res.Skipped)
	}
}

// writeBatch runs one batch with retries and returns the attempts made.
func (c *Composer) writeBatch(ctx context.Context, report *Report, phase, kind string, batch, size int, write func(ctx context.Context) error) (int, error) {
	ctx, span := tracer.Start(ctx, "compose.batch")
	span.SetAttributes(
		attribute.String("phase", phase),
		attribute.String("kind", kind),
		attribute.Int("batch", batch),
		attribute.Int("size", size),
	)
	defer span.End()

	start := time.Now()
	attempts := 0
	err := c.retry(ctx, report, phase, func(ctx context.Context) error {
		attempts++
		return write(ctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("batch failed", "phase", phase, "kind", kind, "batch", batch, "attempts", attempts, "error", err)
		return attempts, err
	}
	c.metrics.BatchCommitted(phase, kind, time.Since(start).Seconds())
	c.logger.Debug("batch committed", "phase", phase, "kind", kind, "batch", batch, "size", size)
	return attempts, nil
}

// retry runs op with a per-attempt timeout, retrying up to maxRetries times.
// Structural violations and cancellation of the parent context are not
// retried.
func (c *Composer) retry(ctx context.Context, report *Report, phase string, op func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		attemptCtx, cancel := c.attemptContext(ctx)
		defer cancel()
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, graph.ErrStructural) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		report.retried()
		c.metrics.BatchRetried(phase)
		c.logger.Warn("retrying batch", "phase", phase, "error", err, "wait", wait)
	})
}

func (c *Composer) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.batchTimeout > 0 {
		return context.WithTimeout(ctx, c.batchTimeout)
	}
	return context.WithCancel(ctx)
}

// batchKind names a batch by its records' kind, or "mixed".
func batchKind[T any](chunk []T, kindOf func(T) string) string {
	kind := kindOf(chunk[0])
	for _, v := range chunk[1:] {
		if kindOf(v) != kind {
			return "mixed"
		}
	}
	return kind
}
