package cskg

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/cskg/internal/config"
	"github.com/jward/cskg/internal/fpgrowth"
	"github.com/jward/cskg/internal/metrics"
)

const authSrc = `def login(user_id: int, session_token: str):
    pass

def logout(user_id: int, session_token: str):
    pass

def refresh(user_id: int, session_token: str):
    pass
`

const cartSrc = `from abc import ABC, abstractmethod

class Shape(ABC):
    @abstractmethod
    def area(self) -> float:
        ...

class Circle(Shape):
    def area(self) -> float:
        return 3.14

class Cart:
    def add(self, user_id: int, session_token: str, qty: int = 1):
        pass

    def remove(self, user_id: int, session_token: str):
        pass

def lookup(user_id: int):
    pass

def audit(user_id: int):
    pass
`

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, src := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
}

// newTestProject writes the shop fixture and returns its root.
func newTestProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"shop/__init__.py": "",
		"shop/auth.py":     authSrc,
		"shop/cart.py":     cartSrc,
	})
	return root
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := config.NewViper()
	v.Set("store.path", filepath.Join(t.TempDir(), "graph.db"))
	v.Set("detect.min_itemset_size", 2)
	v.Set("extract.workers", 2)
	cfg, err := config.FromViper(v, "")
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	e, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpen_CreatesStoreDirectory(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "dir", "graph.db")
	e := newTestEngine(t, cfg)

	require.NotNil(t, e.Store())
	require.NotNil(t, e.Graph())
	_, err := os.Stat(cfg.Store.Path)
	assert.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store.Driver = "badger"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badger")
}

func TestClose(t *testing.T) {
	t.Parallel()
	e, err := Open(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestSourceFiles_Walk(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":          "build/\n*_pb2.py\n",
		"app.py":              "",
		"pkg/util.py":         "",
		"pkg/api_pb2.py":      "",
		"pkg/README.md":       "",
		"build/gen.py":        "",
		".venv/lib/site.py":   "",
		"__pycache__/c.py":    "",
		"node_modules/x/y.py": "",
	})

	paths, err := SourceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py", "pkg/util.py"}, paths)
}

func TestSourceFiles_WithoutGitignore(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"b.py": "", "a/c.py": ""})

	paths, err := SourceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/c.py", "b.py"}, paths)
}

func TestSourceFiles_MissingRoot(t *testing.T) {
	t.Parallel()
	_, err := SourceFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIndexDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))

	rep, err := e.IndexDirectory(ctx, newTestProject(t))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Files)
	assert.Zero(t, rep.Failed)
	assert.Positive(t, rep.Externals, "builtin parameter types become External classes")

	ents, rels := rep.Compose.Totals()
	assert.Equal(t, rep.Entities, ents.Written)
	assert.Zero(t, ents.Failed)
	assert.Zero(t, rels.Skipped)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Driver)
	assert.Equal(t, 3, st.Labels["Module"])
	assert.Equal(t, 13, st.Edges["TAKES"])
	assert.Equal(t, 2, st.Edges["INHERITS"], "Circle->Shape and Shape->abc.ABC")
	assert.Empty(t, st.ContainmentViolations)
}

func TestIndexDirectory_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	root := newTestProject(t)

	_, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	before, err := e.Stats(ctx)
	require.NoError(t, err)

	rep, err := e.IndexDirectory(ctx, root)
	require.NoError(t, err)
	ents, rels := rep.Compose.Totals()
	assert.Zero(t, ents.Written)
	assert.Equal(t, rep.Entities, ents.Merged)
	assert.Zero(t, rels.Written)

	after, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Edges, after.Edges)
}

func TestIndexDirectory_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))

	_, err := e.IndexDirectory(ctx, newTestProject(t))
	require.NoError(t, err)

	other := t.TempDir()
	writeFiles(t, other, map[string]string{"solo.py": "def f(x: int):\n    pass\n"})
	rep, err := e.IndexDirectory(ctx, other, ResetGraph())
	require.NoError(t, err)
	ents, _ := rep.Compose.Totals()
	assert.Equal(t, rep.Entities, ents.Written)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Labels["Module"])
}

func TestIndexDirectory_FileErrorsAreReported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	root := newTestProject(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "missing.py"), filepath.Join(root, "broken.py")))

	rep, err := e.IndexDirectory(ctx, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexing had 1 error(s)")
	assert.Contains(t, err.Error(), "broken.py")
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Failed)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Labels["Module"], "the other files are still composed")
}

func TestIndexDirectory_Cancelled(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.IndexDirectory(ctx, newTestProject(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tree := range []string{config.TreeMemory, config.TreeStore} {
		t.Run(tree, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.Detect.Tree = tree
			e := newTestEngine(t, cfg)
			_, err := e.IndexDirectory(ctx, newTestProject(t))
			require.NoError(t, err)

			rep, err := e.Detect(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, rep.RunID)
			assert.False(t, rep.SmellsSkipped)
			assert.Equal(t, 5, rep.Clumps.Transactions)

			runID, clumps, err := e.Findings(ctx, "", fpgrowth.FindingKind)
			require.NoError(t, err)
			assert.Equal(t, rep.RunID, runID)
			require.Len(t, clumps, 1)
			assert.Equal(t, 5, clumps[0].Support)
			assert.Equal(t, []fpgrowth.Item{
				{Type: "builtins.int", Param: "user_id"},
				{Type: "builtins.str", Param: "session_token"},
			}, clumps[0].Itemset)

			_, smells, err := e.Findings(ctx, runID, "speculative_generality")
			require.NoError(t, err)
			require.Len(t, smells, 1)
			assert.Equal(t, "shop.cart.Shape", smells[0].Subject)

			_, all, err := e.Findings(ctx, "", "")
			require.NoError(t, err)
			assert.Len(t, all, len(rep.Findings))

			st, err := e.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, st.FPTreeNodes, "tree is cleared after detection")
			assert.Equal(t, len(rep.Findings), st.Findings)
		})
	}
}

func TestDetect_ThresholdAboveSupport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Detect.MinSupport = 6
	e := newTestEngine(t, cfg)
	_, err := e.IndexDirectory(ctx, newTestProject(t))
	require.NoError(t, err)

	res, err := e.DetectDataClumps(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestDetect_EmptyGraph(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))

	rep, err := e.Detect(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Findings)

	runID, found, err := e.Findings(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, runID)
	assert.Empty(t, found)
}

func TestFindings_NoRuns(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t))
	runID, found, err := e.Findings(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Nil(t, found)
}

func TestDetectTree_Unknown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Detect.Tree = "disk"
	e := newTestEngine(t, cfg)
	_, err := e.DetectDataClumps(context.Background())
	assert.ErrorContains(t, err, "disk")
}

func TestWithScriptsDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"detect/custom.risor": `report("custom", "everything", {"ok": true})`,
	})
	e := newTestEngine(t, testConfig(t), WithScriptsDir(dir))

	found, err := e.DetectSmells(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "custom", found[0].Kind)
	assert.Equal(t, "everything", found[0].Subject)
	assert.JSONEq(t, `{"ok": true}`, found[0].Detail)
}

func TestWithMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	e := newTestEngine(t, testConfig(t), WithMetrics(m))

	_, err := e.IndexDirectory(ctx, newTestProject(t))
	require.NoError(t, err)
	_, err = e.Detect(ctx)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "cskg_detect_transactions_total 5")
	assert.Contains(t, body, "cskg_detect_findings_total 1")
	assert.Contains(t, body, "cskg_compose_batches_total")
}

func TestDetectReport_JSONCarriesCounts(t *testing.T) {
	t.Parallel()
	item := fpgrowth.Item{Type: "builtins.int", Param: "user_id"}
	rep := newDetectReport(&fpgrowth.Result{
		RunID:            "r",
		Transactions:     9,
		ItemsConsidered:  7,
		ItemsetsRejected: 3,
		PathsPruned:      4,
		FailedItems:      []fpgrowth.FailedItem{{Item: item, Err: errors.New("store unavailable")}},
	})

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"run_id": "r",
		"transactions": 9,
		"items_considered": 7,
		"itemsets_rejected": 3,
		"paths_pruned": 4,
		"failed_items": [{"item": {"type": "builtins.int", "param": "user_id"}, "error": "store unavailable"}],
		"findings": null,
		"duration": 0
	}`, string(b))
}
