// Package runtime runs Risor detector scripts against the SQLite graph
// store. Scripts read the graph with db_query and emit findings with
// report.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"

	"github.com/jward/cskg/internal/store"
)

// ErrNoScripts is returned when a script is requested from a Runtime that
// was built without a script source.
var ErrNoScripts = errors.New("runtime: no script source configured")

const scriptExt = ".risor"

// Runtime evaluates detector scripts. Scripts and the modules they import
// are read from a single fs.FS; db_query is bound to the store, when one is
// given.
type Runtime struct {
	store  *store.Store
	fsys   fs.FS
	logger *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFS reads scripts from fsys, e.g. the embedded scripts.FS.
func WithFS(fsys fs.FS) Option {
	return func(r *Runtime) { r.fsys = fsys }
}

// WithDir reads scripts from dir on disk.
func WithDir(dir string) Option {
	return func(r *Runtime) { r.fsys = os.DirFS(dir) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a Runtime. s may be nil, in which case scripts run without
// db_query.
func New(s *store.Store, opts ...Option) *Runtime {
	r := &Runtime{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detectors lists the detector scripts under detect/, by name.
func (r *Runtime) Detectors() ([]string, error) {
	if r.fsys == nil {
		return nil, ErrNoScripts
	}
	entries, err := fs.ReadDir(r.fsys, "detect")
	if err != nil {
		return nil, fmt.Errorf("runtime: listing detectors: %w", err)
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), scriptExt); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DetectorScriptPath returns the path of the named detector script within
// the script source.
func DetectorScriptPath(name string) string {
	return path.Join("detect", name+scriptExt)
}

// RunDetector runs the named detector and returns what it reported, in
// report order. RunID and CreatedAt are left for the caller.
func (r *Runtime) RunDetector(ctx context.Context, name string) ([]store.Finding, error) {
	src, err := r.LoadScript(DetectorScriptPath(name))
	if err != nil {
		return nil, err
	}
	var c collector
	err = r.eval(ctx, src, name, map[string]any{
		"report": makeReportFn(&c),
		"log":    newScriptLog(r.logger.With("detector", name)),
	})
	if err != nil {
		return nil, err
	}
	return c.findings, nil
}

// RunSource evaluates source with the standard globals plus extra.
func (r *Runtime) RunSource(ctx context.Context, source string, extra map[string]any) error {
	return r.eval(ctx, source, "<inline>", extra)
}

// LoadScript returns the source of the script at p. Leading slashes are
// ignored: every path is relative to the script source.
func (r *Runtime) LoadScript(p string) (string, error) {
	if r.fsys == nil {
		return "", ErrNoScripts
	}
	rel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
	data, err := fs.ReadFile(r.fsys, rel)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", rel, err)
	}
	return string(data), nil
}

func (r *Runtime) eval(ctx context.Context, source, label string, extra map[string]any) error {
	globals := map[string]any{"log": newScriptLog(r.logger)}
	if r.store != nil {
		globals["db_query"] = makeDBQueryFn(r.store)
	}
	for k, v := range extra {
		globals[k] = v
	}

	names := make([]string, 0, len(globals))
	opts := make([]risor.Option, 0, len(globals)+1)
	for name, val := range globals {
		names = append(names, name)
		opts = append(opts, risor.WithGlobal(name, val))
	}
	// Imported modules see the same globals as the importing script.
	if r.fsys != nil {
		opts = append(opts, risor.WithImporter(importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: names,
			SourceFS:    r.fsys,
			Extensions:  []string{scriptExt},
		})))
	}

	if _, err := risor.Eval(ctx, source, opts...); err != nil {
		return fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return nil
}

// scriptLog is the log global: log.Debug, log.Info, log.Warn and
// log.Error each take a message.
type scriptLog struct {
	logger *slog.Logger
}

func newScriptLog(l *slog.Logger) object.Object {
	p, err := object.NewProxy(&scriptLog{logger: l})
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}

func (l *scriptLog) Debug(msg string) { l.logger.Debug(msg) }
func (l *scriptLog) Info(msg string)  { l.logger.Info(msg) }
func (l *scriptLog) Warn(msg string)  { l.logger.Warn(msg) }
func (l *scriptLog) Error(msg string) { l.logger.Error(msg) }
