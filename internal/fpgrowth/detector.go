package fpgrowth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/jward/cskg/internal/metrics"
)

var tracer = otel.Tracer("github.com/jward/cskg/internal/fpgrowth")

// Config holds the detection thresholds.
type Config struct {
	// MinSupport is the minimum number of functions an itemset must occur in.
	MinSupport int
	// MinItemsetSize is the minimum number of qualifying items a function
	// needs to become a transaction, and the minimum itemset size emitted
	// (never below 2).
	MinItemsetSize int
	// MinFunctionCount is the frequency table threshold.
	MinFunctionCount int
	// Concurrency bounds the number of items mined at once.
	Concurrency int
	// MaxRetries bounds retries of a failed store call.
	MaxRetries int
	// Timeout bounds each store call. Zero disables it.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSupport:       3,
		MinItemsetSize:   3,
		MinFunctionCount: 2,
		Concurrency:      runtime.NumCPU(),
		MaxRetries:       3,
		Timeout:          30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinSupport < 1:
		return fmt.Errorf("min_support must be at least 1, got %d", c.MinSupport)
	case c.MinItemsetSize < 1:
		return fmt.Errorf("min_itemset_size must be at least 1, got %d", c.MinItemsetSize)
	case c.MinFunctionCount < 1:
		return fmt.Errorf("min_function_count must be at least 1, got %d", c.MinFunctionCount)
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// minSize is the smallest itemset worth reporting.
func (c Config) minSize() int {
	return max(2, c.MinItemsetSize)
}

// FailedItem records an item whose mining was aborted.
type FailedItem struct {
	Item Item
	Err  error
}

// Result is the outcome of one detection run.
type Result struct {
	RunID            string
	Findings         []Finding
	ItemsConsidered  int
	ItemsetsRejected int
	// PathsPruned counts conditional pattern base paths dropped because
	// their end-node support was below MinSupport.
	PathsPruned  int
	Transactions int
	FailedItems  []FailedItem
	Duration     time.Duration
}

// Option configures a Detector.
type Option func(*Detector)

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithBackOff sets the retry schedule. The factory is called once per
// retried call.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(d *Detector) { d.newBackOff = f }
}

// Detector runs data-clump detection against a Source, building its FP-tree
// in a Tree.
type Detector struct {
	src        Source
	tree       Tree
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
}

func NewDetector(src Source, tree Tree, cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	d := &Detector{
		src:    src,
		tree:   tree,
		cfg:    cfg,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			return b
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Detect clears the tree, builds it from the source, mines every item, and
// clears the tree again. Findings are ordered by support, highest first,
// then by itemset.
func (d *Detector) Detect(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	ctx, span := tracer.Start(ctx, "fpgrowth.Detect")
	span.SetAttributes(attribute.String("run_id", res.RunID))
	defer span.End()

	log := d.logger.With("run_id", res.RunID)

	if err := d.tree.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clear fp-tree: %w", err)
	}
	defer func() {
		if err := d.tree.Clear(context.WithoutCancel(ctx)); err != nil {
			log.Warn("clear fp-tree", "error", err)
		}
	}()

	n, err := d.BuildTree(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Transactions = n

	if err := d.Mine(ctx, res); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Duration = time.Since(start)

	log.Info("data clump detection complete",
		"transactions", res.Transactions,
		"items", res.ItemsConsidered,
		"findings", len(res.Findings),
		"rejected", res.ItemsetsRejected,
		"failed_items", len(res.FailedItems),
		"duration", res.Duration)
	return res, nil
}

// BuildTree inserts one transaction per qualifying function and checks the
// tree's support monotonicity. It returns the number of transactions.
func (d *Detector) BuildTree(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "fpgrowth.BuildTree")
	defer span.End()

	var table FrequencyTable
	err := d.retry(ctx, "frequency table", func(ctx context.Context) error {
		var err error
		table, err = BuildFrequencyTable(ctx, d.src, d.cfg.MinFunctionCount)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDetection, err)
	}

	var fns []FunctionParams
	err = d.retry(ctx, "function takes", func(ctx context.Context) error {
		var err error
		fns, err = d.src.FunctionTakes(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: function takes: %w", ErrDetection, err)
	}

	txs := Transactions(fns, table, d.cfg.MinItemsetSize)
	d.logger.Debug("fp-tree transactions", "frequent_items", len(table), "functions", len(fns), "transactions", len(txs))

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := d.retry(ctx, "insert "+tx.Function, func(ctx context.Context) error {
			return d.tree.Insert(ctx, tx.Items)
		})
		if err != nil {
			return 0, fmt.Errorf("%w: insert transaction for %s: %w", ErrDetection, tx.Function, err)
		}
		d.metrics.TransactionInserted()
	}

	nodes, err := d.tree.Nodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("read fp-tree: %w", err)
	}
	if err := CheckMonotonic(nodes); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("transactions", len(txs)), attribute.Int("nodes", len(nodes)))
	return len(txs), nil
}

// Mine runs the conditional pattern miner over every item in the tree,
// accumulating into res. Items are mined concurrently, each against its own
// scratch tree. A store failure for one item is recorded in res.FailedItems;
// a structural violation aborts the whole run.
func (d *Detector) Mine(ctx context.Context, res *Result) error {
	items, err := d.tree.Items(ctx)
	if err != nil {
		return fmt.Errorf("list fp-tree items: %w", err)
	}
	res.ItemsConsidered = len(items)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			findings, c, err := d.mineItem(gctx, item)
			if err != nil {
				if errors.Is(err, ErrStructural) || gctx.Err() != nil {
					return err
				}
				d.logger.Error("mining item failed", "item", item.String(), "error", err)
				d.metrics.ItemFailed()
				mu.Lock()
				res.FailedItems = append(res.FailedItems, FailedItem{Item: item, Err: fmt.Errorf("%w: %s: %w", ErrDetection, item, err)})
				mu.Unlock()
				return nil
			}
			d.metrics.ItemMined(len(findings), c.rejected, time.Since(start).Seconds())
			mu.Lock()
			res.Findings = append(res.Findings, findings...)
			res.ItemsetsRejected += c.rejected
			res.PathsPruned += c.pruned
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slices.SortFunc(res.Findings, func(a, b Finding) int {
		if a.Support != b.Support {
			return b.Support - a.Support
		}
		return strings.Compare(a.Key(), b.Key())
	})
	slices.SortFunc(res.FailedItems, func(a, b FailedItem) int {
		return a.Item.Compare(b.Item)
	})
	return nil
}

// mineItem collects item's conditional pattern base, builds the scratch
// tree, and emits its itemsets. The scratch tree does not outlive the call.
func (d *Detector) mineItem(ctx context.Context, item Item) ([]Finding, *conditional, error) {
	ctx, span := tracer.Start(ctx, "fpgrowth.mineItem")
	span.SetAttributes(attribute.String("item", item.String()))
	defer span.End()

	var paths []Path
	err := d.retry(ctx, "paths to "+item.String(), func(ctx context.Context) error {
		var err error
		paths, err = d.tree.PathsTo(ctx, item)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	c, err := buildConditional(item, paths, d.cfg.MinSupport, d.cfg.minSize())
	if err != nil {
		return nil, nil, err
	}
	findings, err := c.itemsets(d.cfg.MinSupport, d.cfg.minSize())
	if err != nil {
		return nil, nil, err
	}
	return findings, c, nil
}

// retry runs fn with a per-call timeout, retrying transient failures.
// Structural violations are never retried.
func (d *Detector) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		callCtx, cancel := d.callContext(ctx)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, ErrStructural) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		d.logger.Debug("retrying store call", "op", op, "error", err, "wait", wait)
	})
}

func (d *Detector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, d.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
