package cskg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jward/cskg/internal/compose"
	"github.com/jward/cskg/internal/config"
	"github.com/jward/cskg/internal/fpgrowth"
	"github.com/jward/cskg/internal/metrics"
	"github.com/jward/cskg/internal/runtime"
	"github.com/jward/cskg/internal/store"
	"github.com/jward/cskg/internal/store/neo4j"
	"github.com/jward/cskg/scripts"
)

var tracer = otel.Tracer("github.com/jward/cskg")

// ErrUnsupported is returned for operations the configured graph store
// cannot serve.
var ErrUnsupported = errors.New("not supported by graph store")

// GraphStore is the graph store boundary the Engine composes into and
// detects from.
type GraphStore interface {
	compose.Store
	fpgrowth.Source
	Stats(ctx context.Context) (*store.Stats, error)
	ContainmentViolations(ctx context.Context) ([]store.ContainmentViolation, error)
}

// Engine orchestrates the cskg pipeline: file discovery, extraction,
// composition into the graph store, and smell detection.
type Engine struct {
	cfg config.Config

	// local holds findings and run metadata. With the sqlite driver it is
	// also the graph store.
	local *store.Store
	graph GraphStore
	// storeTree is the graph store's persistent FP-tree.
	storeTree  fpgrowth.Tree
	closeGraph func(ctx context.Context) error

	runtime *runtime.Runtime
	scripts fs.FS
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records composer and detector metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithScriptsFS loads detector scripts from fsys instead of the embedded
// scripts.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) { e.scripts = fsys }
}

// WithScriptsDir loads detector scripts from dir on disk, replacing the
// embedded scripts.
func WithScriptsDir(dir string) Option {
	return func(e *Engine) { e.scripts = os.DirFS(dir) }
}

// Open creates an Engine for cfg. The local SQLite database at
// cfg.Store.Path is created and migrated; with the neo4j driver the graph
// itself lives on the Neo4j server and the local database keeps findings.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     *cfg,
		scripts: scripts.FS,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cskg: create store directory: %w", err)
		}
	}
	s, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("cskg: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("cskg: migrate: %w", err)
	}
	e.local = s

	switch cfg.Store.Driver {
	case config.DriverSQLite, "":
		e.graph = s
		e.storeTree = s.FPTree()
		e.closeGraph = func(context.Context) error { return nil }
	case config.DriverNeo4j:
		n := cfg.Store.Neo4j
		ns, err := neo4j.New(ctx, n.URI, n.Username, n.Password, n.Database)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("cskg: %w", err)
		}
		e.graph = ns
		e.storeTree = ns.FPTree()
		e.closeGraph = ns.Close
	default:
		s.Close()
		return nil, fmt.Errorf("cskg: unknown store driver %q", cfg.Store.Driver)
	}

	e.runtime = runtime.New(s, runtime.WithFS(e.scripts), runtime.WithLogger(e.logger))

	e.logger.Debug("engine open", "driver", e.driver(), "path", cfg.Store.Path)
	return e, nil
}

// Close releases the graph store and the local database.
func (e *Engine) Close() error {
	gerr := e.closeGraph(context.Background())
	return errors.Join(gerr, e.local.Close())
}

// Store returns the local SQLite store.
func (e *Engine) Store() *store.Store {
	return e.local
}

// Graph returns the graph store.
func (e *Engine) Graph() GraphStore {
	return e.graph
}

func (e *Engine) driver() string {
	if e.cfg.Store.Driver == "" {
		return config.DriverSQLite
	}
	return e.cfg.Store.Driver
}

// detectorTree returns the FP-tree implementation selected by
// detect.tree.
func (e *Engine) detectorTree() (fpgrowth.Tree, error) {
	switch e.cfg.Detect.Tree {
	case config.TreeMemory, "":
		return fpgrowth.NewArena(), nil
	case config.TreeStore:
		return e.storeTree, nil
	}
	return nil, fmt.Errorf("cskg: unknown detect tree %q", e.cfg.Detect.Tree)
}

// DetectDataClumps mines the graph's TAKES edges for parameter groups that
// recur across functions. Findings are returned, not saved.
func (e *Engine) DetectDataClumps(ctx context.Context) (*fpgrowth.Result, error) {
	tree, err := e.detectorTree()
	if err != nil {
		return nil, err
	}
	d := e.cfg.Detect
	det, err := fpgrowth.NewDetector(e.graph, tree, fpgrowth.Config{
		MinSupport:       d.MinSupport,
		MinItemsetSize:   d.MinItemsetSize,
		MinFunctionCount: d.MinFunctionCount,
		Concurrency:      d.Concurrency,
		MaxRetries:       d.MaxRetries,
		Timeout:          d.Timeout,
	}, fpgrowth.WithLogger(e.logger), fpgrowth.WithMetrics(e.metrics))
	if err != nil {
		return nil, fmt.Errorf("cskg: %w", err)
	}
	return det.Detect(ctx)
}

// DetectSmells runs every detector script and returns what they reported,
// in detector name order. Scripts query SQL, so only the sqlite driver
// supports them.
func (e *Engine) DetectSmells(ctx context.Context) ([]store.Finding, error) {
	if e.driver() != config.DriverSQLite {
		return nil, fmt.Errorf("cskg: smell detectors: %w", ErrUnsupported)
	}
	names, err := e.runtime.Detectors()
	if err != nil {
		return nil, err
	}
	var out []store.Finding
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := e.runtime.RunDetector(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("cskg: detector %s: %w", name, err)
		}
		e.logger.Debug("detector complete", "detector", name, "findings", len(found))
		out = append(out, found...)
	}
	return out, nil
}

// DetectReport summarises a Detect run.
type DetectReport struct {
	RunID string `json:"run_id"`
	// Clumps is the raw miner result, with errors intact.
	Clumps           *fpgrowth.Result  `json:"-"`
	Transactions     int               `json:"transactions"`
	ItemsConsidered  int               `json:"items_considered"`
	ItemsetsRejected int               `json:"itemsets_rejected"`
	PathsPruned      int               `json:"paths_pruned"`
	FailedItems      []FailedClumpItem `json:"failed_items"`
	Findings         []store.Finding   `json:"findings"`
	// SmellsSkipped is set when the graph store cannot run detector
	// scripts.
	SmellsSkipped bool          `json:"smells_skipped,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// FailedClumpItem is an item whose mining was abandoned, with its error
// rendered as text.
type FailedClumpItem struct {
	Item  fpgrowth.Item `json:"item"`
	Error string        `json:"error"`
}

func newDetectReport(res *fpgrowth.Result) *DetectReport {
	rep := &DetectReport{
		RunID:            res.RunID,
		Clumps:           res,
		Transactions:     res.Transactions,
		ItemsConsidered:  res.ItemsConsidered,
		ItemsetsRejected: res.ItemsetsRejected,
		PathsPruned:      res.PathsPruned,
		FailedItems:      make([]FailedClumpItem, 0, len(res.FailedItems)),
	}
	for _, f := range res.FailedItems {
		rep.FailedItems = append(rep.FailedItems, FailedClumpItem{Item: f.Item, Error: f.Err.Error()})
	}
	return rep
}

// Detect runs data-clump detection and the detector scripts, and saves all
// findings under one run ID, which becomes the latest run.
func (e *Engine) Detect(ctx context.Context) (*DetectReport, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "cskg.Detect")
	defer span.End()

	res, err := e.DetectDataClumps(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	runID := res.RunID
	rep := newDetectReport(res)
	rep.Findings = store.ClumpFindings(runID, res.Findings)

	smells, err := e.DetectSmells(ctx)
	switch {
	case errors.Is(err, ErrUnsupported):
		e.logger.Warn("skipping smell detectors", "driver", e.driver())
		rep.SmellsSkipped = true
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rep.Findings = append(rep.Findings, smells...)

	if err := e.local.SaveFindings(ctx, runID, rep.Findings); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("cskg: %w", err)
	}
	rep.Duration = time.Since(start)
	span.SetAttributes(attribute.String("run_id", runID), attribute.Int("findings", len(rep.Findings)))
	e.logger.Info("detection complete", "run_id", runID, "findings", len(rep.Findings), "duration", rep.Duration)
	return rep, nil
}

// Findings returns the findings of runID, or of the latest run when runID
// is empty, optionally filtered by kind. It returns the run ID it read.
func (e *Engine) Findings(ctx context.Context, runID, kind string) (string, []store.Finding, error) {
	if runID == "" {
		var err error
		runID, err = e.local.LatestRun(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("cskg: latest run: %w", err)
		}
		if runID == "" {
			return "", nil, nil
		}
	}
	found, err := e.local.Findings(ctx, runID, kind)
	if err != nil {
		return "", nil, fmt.Errorf("cskg: %w", err)
	}
	return runID, found, nil
}

// GraphStats combines the graph store's counts with the containment check.
type GraphStats struct {
	*store.Stats
	Driver                string                       `json:"driver"`
	ContainmentViolations []store.ContainmentViolation `json:"containment_violations"`
}

func (e *Engine) Stats(ctx context.Context) (*GraphStats, error) {
	st, err := e.graph.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cskg: %w", err)
	}
	if e.driver() != config.DriverSQLite {
		local, err := e.local.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("cskg: %w", err)
		}
		st.Findings = local.Findings
	}
	violations, err := e.graph.ContainmentViolations(ctx)
	if err != nil {
		return nil, fmt.Errorf("cskg: %w", err)
	}
	return &GraphStats{Stats: st, Driver: e.driver(), ContainmentViolations: violations}, nil
}
