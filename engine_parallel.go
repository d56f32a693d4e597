package cskg

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jward/cskg/internal/compose"
	"github.com/jward/cskg/internal/extract"
	"github.com/jward/cskg/internal/store"
)

// IndexOption configures a single IndexDirectory call.
type IndexOption func(*indexOptions)

type indexOptions struct {
	reset bool
}

// ResetGraph wipes the graph store before composing.
func ResetGraph() IndexOption {
	return func(o *indexOptions) { o.reset = true }
}

// IndexReport summarises an IndexDirectory run.
type IndexReport struct {
	Files         int             `json:"files"`
	Failed        int             `json:"failed"`
	Entities      int             `json:"entities"`
	Relationships int             `json:"relationships"`
	Externals     int             `json:"externals"`
	Compose       *compose.Report `json:"compose"`
	Duration      time.Duration   `json:"duration"`
}

// IndexDirectory extracts every Python source under root and composes the
// facts into the graph store. It runs in three phases:
//
//	Phase A (serial):   Discover source files.
//	Phase B (parallel): Parse and extract via worker pool, one staging
//	                    buffer per file.
//	Phase C (serial):   Merge the buffers, add External entities, compose.
//
// A file that fails to extract is skipped and the rest are still composed;
// the failures are returned together as one error alongside the report.
func (e *Engine) IndexDirectory(ctx context.Context, root string, opts ...IndexOption) (*IndexReport, error) {
	var o indexOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "cskg.IndexDirectory")
	defer span.End()

	// ---- Phase A: discovery ----
	paths, err := SourceFiles(root)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("cskg: discover files: %w", err)
	}
	rep := &IndexReport{Files: len(paths)}
	e.logger.Info("indexing", "root", root, "files", len(paths))

	// ---- Phase B + C: parallel extraction, serial merge ----
	staging, extractErrs := e.extractFiles(ctx, root, paths)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep.Failed = len(extractErrs)

	rep.Externals = staging.PopulateExternals()
	rep.Entities, rep.Relationships = staging.Len()

	copts := []compose.Option{
		compose.WithBatchSize(e.cfg.Compose.BatchSize),
		compose.WithMaxRetries(e.cfg.Compose.MaxRetries),
		compose.WithBatchTimeout(e.cfg.Compose.BatchTimeout),
		compose.WithConcurrency(e.cfg.Compose.Concurrency),
		compose.WithLogger(e.logger),
		compose.WithMetrics(e.metrics),
	}
	if o.reset {
		copts = append(copts, compose.WithReset())
	}
	rep.Compose, err = compose.New(e.graph, copts...).
		Compose(ctx, staging.EntityStreams(), staging.RelationshipStreams())
	rep.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("files", rep.Files),
		attribute.Int("entities", rep.Entities),
		attribute.Int("relationships", rep.Relationships),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return rep, fmt.Errorf("cskg: compose: %w", err)
	}

	if len(extractErrs) > 0 {
		err := fmt.Errorf("indexing had %d error(s): %w", len(extractErrs), extractErrs[0])
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}
	e.logger.Info("index complete",
		"files", rep.Files,
		"entities", rep.Entities,
		"relationships", rep.Relationships,
		"externals", rep.Externals,
		"duration", rep.Duration)
	return rep, nil
}

// extractFiles extracts paths with a worker pool. Each file is extracted
// into its own Staging so a failed file leaves nothing behind; the calling
// goroutine merges the successful ones. Errors are returned in path order.
func (e *Engine) extractFiles(ctx context.Context, root string, paths []string) (*store.Staging, []error) {
	merged := store.NewStaging()
	if len(paths) == 0 {
		return merged, nil
	}

	x := extract.New(
		extract.WithModulePrefix(e.cfg.Extract.ModulePrefix),
		extract.WithLogger(e.logger),
	)

	numWorkers := e.cfg.Extract.Workers
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, len(paths))

	workCh := make(chan int, len(paths))
	for i := range paths {
		workCh <- i
	}
	close(workCh)

	type result struct {
		index int
		batch *store.Staging
		err   error
	}
	resultCh := make(chan result, len(paths))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workCh {
				if ctx.Err() != nil {
					resultCh <- result{index: i, err: ctx.Err()}
					continue
				}
				batch := store.NewStaging()
				err := x.ExtractFile(ctx, root, paths[i], batch)
				resultCh <- result{index: i, batch: batch, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	batches := make([]*store.Staging, len(paths))
	errs := make([]error, len(paths))
	for res := range resultCh {
		if res.err != nil {
			e.logger.Warn("extract failed", "path", paths[res.index], "error", res.err)
			errs[res.index] = fmt.Errorf("extract %s: %w", paths[res.index], res.err)
			continue
		}
		batches[res.index] = res.batch
	}

	// Merge in path order so first-seen entities do not depend on worker
	// scheduling.
	var out []error
	for i, batch := range batches {
		if batch == nil {
			out = append(out, errs[i])
			continue
		}
		merged.Merge(batch)
	}
	return merged, out
}
