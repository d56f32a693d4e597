package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jward/cskg"
	"github.com/jward/cskg/internal/config"
	"github.com/jward/cskg/internal/logging"
	"github.com/jward/cskg/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// app holds the state shared by every command: the viper instance flags
// are bound to and the persistent flag values viper does not own.
type app struct {
	v          *viper.Viper
	configPath string
	format     string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "cskg",
		Short: "Code-smell knowledge graph for Python codebases",
		Long: "cskg indexes Python sources into a typed property graph and mines it for " +
			"data clumps and other code smells.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return validateFormat(a.format)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (YAML)")
	pf.StringVar(&a.format, "format", "json", "output format: json|text")
	pf.String("db", "", "SQLite database path, relative to the repo root (default: .cskg/graph.db)")
	pf.String("driver", "", "graph store driver: sqlite|neo4j")
	pf.String("log-level", "", "log level: debug|info|warn|error")
	a.bind(pf, map[string]string{
		"store.path":   "db",
		"store.driver": "driver",
		"log.level":    "log-level",
	})

	root.AddCommand(a.indexCmd(), a.detectCmd(), a.findingsCmd(), a.statsCmd())
	return root
}

// bind binds each config key to the named flag.
func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", name, err))
		}
	}
}

// session is an open engine with the configuration and logger it was
// built from.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	engine  *cskg.Engine
}

// open loads configuration, resolves the database path against repoRoot,
// and opens an engine.
func (a *app) open(cmd *cobra.Command, repoRoot string) (*session, error) {
	cfg, err := config.FromViper(a.v, a.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	warnings, _ := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}
	cfg.Store.Path = resolveDBPath(repoRoot, cfg.Store.Path)

	m := metrics.New(prometheus.NewRegistry())
	engine, err := cskg.Open(cmd.Context(), cfg, cskg.WithLogger(logger), cskg.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return &session{cfg: cfg, logger: logger, metrics: m, engine: engine}, nil
}

// openCwd opens an engine for the repository containing the working
// directory.
func (a *app) openCwd(cmd *cobra.Command) (*session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return a.open(cmd, findRepoRoot(wd))
}

// serveMetrics starts the metrics endpoint when metrics.listen is set. The
// returned function shuts it down.
func (s *session) serveMetrics() func() {
	if s.cfg.Metrics.Listen == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server", "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", s.cfg.Metrics.Listen)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func (a *app) indexCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a Python codebase into the graph store",
		Long: "Parses Python sources with tree-sitter, extracts entities and relationships, " +
			"and composes them into the graph store.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			targetDir, err := resolveTargetDir(args)
			if err != nil {
				return err
			}
			s, err := a.open(cmd, findRepoRoot(targetDir))
			if err != nil {
				return err
			}
			defer s.engine.Close()
			defer s.serveMetrics()()

			var opts []cskg.IndexOption
			if reset {
				opts = append(opts, cskg.ResetGraph())
			}
			rep, err := s.engine.IndexDirectory(cmd.Context(), targetDir, opts...)
			if rep != nil {
				if werr := output(cmd.OutOrStdout(), a.format, rep); werr != nil {
					return werr
				}
			}
			if err != nil {
				return fmt.Errorf("indexing: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Indexed %s in %s\n", targetDir, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(cmd.ErrOrStderr(), "Database: %s\n", s.cfg.Store.Path)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&reset, "reset", false, "wipe the graph before composing")
	f.Int("workers", 0, "extraction workers (default: number of CPUs)")
	f.String("module-prefix", "", "prefix prepended to every module name")
	f.Int("batch-size", 0, "entities or relationships per store transaction")
	a.bind(f, map[string]string{
		"extract.workers":       "workers",
		"extract.module_prefix": "module-prefix",
		"compose.batch_size":    "batch-size",
	})
	return cmd
}

func (a *app) detectCmd() *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect data clumps and other smells in the indexed graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openCwd(cmd)
			if err != nil {
				return err
			}
			defer s.engine.Close()
			if serve && s.cfg.Metrics.Listen == "" {
				return fmt.Errorf("--serve-metrics needs metrics.listen (or --metrics-listen)")
			}
			defer s.serveMetrics()()

			rep, err := s.engine.Detect(cmd.Context())
			if err != nil {
				return fmt.Errorf("detecting: %w", err)
			}
			if err := output(cmd.OutOrStdout(), a.format, rep); err != nil {
				return err
			}
			if serve {
				s.logger.Info("detection done; serving metrics until interrupted")
				<-cmd.Context().Done()
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&serve, "serve-metrics", false, "keep serving metrics after detection until interrupted")
	f.String("metrics-listen", "", "address for the Prometheus metrics endpoint, e.g. :9090")
	f.Int("min-support", 0, "minimum number of functions sharing an itemset")
	f.Int("min-itemset-size", 0, "minimum itemset size")
	f.Int("min-function-count", 0, "minimum functions per frequent item")
	f.String("tree", "", "FP-tree location: memory|store")
	a.bind(f, map[string]string{
		"metrics.listen":            "metrics-listen",
		"detect.min_support":        "min-support",
		"detect.min_itemset_size":   "min-itemset-size",
		"detect.min_function_count": "min-function-count",
		"detect.tree":               "tree",
	})
	return cmd
}

func (a *app) findingsCmd() *cobra.Command {
	var runID, kind string
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List the findings of the latest (or a given) detection run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openCwd(cmd)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			run, found, err := s.engine.Findings(cmd.Context(), runID, kind)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), a.format, findingsResult{RunID: run, Findings: found})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID (default: latest)")
	cmd.Flags().StringVar(&kind, "kind", "", "only findings of this kind, e.g. data_clump")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node and edge counts and containment violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openCwd(cmd)
			if err != nil {
				return err
			}
			defer s.engine.Close()

			st, err := s.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), a.format, st)
		},
	}
}

// resolveTargetDir returns the absolute path of the directory to index.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath anchors a relative database path at the repo root.
func resolveDBPath(repoRoot, dbPath string) string {
	if dbPath == "" {
		dbPath = filepath.Join(".cskg", "graph.db")
	}
	if filepath.IsAbs(dbPath) {
		return dbPath
	}
	return filepath.Join(repoRoot, dbPath)
}
