package runtime

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/cskg/internal/graph"
	"github.com/jward/cskg/internal/store"
	"github.com/jward/cskg/scripts"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

// seedHierarchy writes a module with three class hierarchies:
//
//	Shape (abstract) <- Circle
//	Base (abstract)  <- A, B
//	Animal           <- Dog, where Animal.adopt takes a Dog
func seedHierarchy(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	cls := func(name string, abstract bool) graph.Entity {
		return graph.NewClass(name, "zoo."+name, "zoo.py", abstract)
	}
	ep := func(e graph.Entity) graph.Endpoint { return e.Endpoint() }

	mod := graph.NewModule("zoo", "zoo", "zoo.py")
	shape, circle := cls("Shape", true), cls("Circle", false)
	base, a, b := cls("Base", true), cls("A", false), cls("B", false)
	animal, dog := cls("Animal", false), cls("Dog", false)
	adopt := graph.NewMethod("adopt", "zoo.Animal.adopt", "zoo.py", graph.SubtypeMethod, "zoo.Animal", false)

	_, err := s.UpsertEntities(ctx, []graph.Entity{mod, shape, circle, base, a, b, animal, dog, adopt})
	require.NoError(t, err)

	rels := []graph.Relationship{
		graph.Inherits(ep(circle), ep(shape)),
		graph.Inherits(ep(a), ep(base)),
		graph.Inherits(ep(b), ep(base)),
		graph.Inherits(ep(dog), ep(animal)),
		graph.Contains(ep(animal), ep(adopt)),
		graph.Takes(ep(adopt), "zoo.Dog", "dog", nil),
	}
	for _, e := range []graph.Entity{shape, circle, base, a, b, animal, dog} {
		rels = append(rels, graph.Contains(ep(mod), ep(e)))
	}
	res, err := s.CreateRelationships(ctx, rels)
	require.NoError(t, err)
	require.Zero(t, res.Skipped)
}

// --- Detector scripts ---

func TestDetectors_Embedded(t *testing.T) {
	t.Parallel()
	rt := New(nil, WithFS(scripts.FS))

	names, err := rt.Detectors()
	require.NoError(t, err)
	assert.Equal(t, []string{"base_class_depends_on_subclass", "speculative_generality"}, names)
}

func TestRunDetector_SpeculativeGenerality(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seedHierarchy(t, s)
	rt := New(s, WithFS(scripts.FS))

	findings, err := rt.RunDetector(context.Background(), "speculative_generality")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "speculative_generality", findings[0].Kind)
	assert.Equal(t, "zoo.Shape", findings[0].Subject)

	var detail map[string]any
	require.NoError(t, json.Unmarshal([]byte(findings[0].Detail), &detail))
	assert.EqualValues(t, 1, detail["subclasses"])
}

func TestRunDetector_BaseClassDependsOnSubclass(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seedHierarchy(t, s)
	rt := New(s, WithFS(scripts.FS))

	findings, err := rt.RunDetector(context.Background(), "base_class_depends_on_subclass")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "zoo.Animal", findings[0].Subject)
	assert.JSONEq(t, `{"child": "zoo.Dog", "relationships": "TAKES"}`, findings[0].Detail)
}

func TestRunDetector_EmptyGraph(t *testing.T) {
	t.Parallel()
	rt := New(newTestStore(t), WithFS(scripts.FS))

	for _, name := range []string{"speculative_generality", "base_class_depends_on_subclass"} {
		findings, err := rt.RunDetector(context.Background(), name)
		require.NoError(t, err, name)
		assert.Empty(t, findings, name)
	}
}

func TestRunDetector_Unknown(t *testing.T) {
	t.Parallel()
	rt := New(newTestStore(t), WithFS(scripts.FS))

	_, err := rt.RunDetector(context.Background(), "no_such_detector")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

// --- Host functions ---

func TestRunSource_DBQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seedHierarchy(t, s)
	rt := New(s)

	script := `
rows := db_query("SELECT qualified_name FROM nodes WHERE label = ? AND is_abstract = ? ORDER BY qualified_name", "Class", true)
assert(len(rows) == 2, 'expected 2 abstract classes, got {len(rows)}')
assert(rows[0]["qualified_name"] == "zoo.Base")
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestRunSource_DBQueryRejectsWrites(t *testing.T) {
	t.Parallel()
	rt := New(newTestStore(t))

	err := rt.RunSource(context.Background(), `db_query("DELETE FROM nodes")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only SELECT")
}

func TestRunSource_DBQueryWithClauseCannotWrite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seedHierarchy(t, s)
	rt := New(s)
	ctx := context.Background()

	before, err := s.CountNodes(ctx)
	require.NoError(t, err)

	for _, stmt := range []string{
		"WITH x AS (SELECT 1) DELETE FROM nodes",
		"WITH x AS (SELECT 1) UPDATE nodes SET name = 'gone'",
	} {
		err := rt.RunSource(ctx, `db_query("`+stmt+`")`, nil)
		assert.ErrorContains(t, err, "readonly", stmt)
	}

	after, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	got, err := s.NodeByKey(ctx, graph.Key{Label: graph.LabelClass, QualifiedName: "zoo.Shape"})
	require.NoError(t, err)
	assert.Equal(t, "Shape", got.Name)
}

func TestCheckReadOnly(t *testing.T) {
	t.Parallel()
	tests := []struct {
		stmt    string
		wantErr string
	}{
		{stmt: "SELECT 1"},
		{stmt: "  select 1;"},
		{stmt: "WITH x AS (SELECT 1) SELECT * FROM x"},
		{stmt: "", wantErr: "empty query"},
		{stmt: "SELECT 1; DROP TABLE nodes", wantErr: "only one statement"},
		{stmt: "UPDATE nodes SET name = ''", wantErr: "only SELECT"},
	}
	for _, tt := range tests {
		err := checkReadOnly(tt.stmt)
		if tt.wantErr == "" {
			assert.NoError(t, err, tt.stmt)
		} else {
			assert.ErrorContains(t, err, tt.wantErr, tt.stmt)
		}
	}
}

func TestNoScriptSource(t *testing.T) {
	t.Parallel()
	rt := New(nil)

	_, err := rt.Detectors()
	assert.ErrorIs(t, err, ErrNoScripts)
	_, err = rt.RunDetector(context.Background(), "speculative_generality")
	assert.ErrorIs(t, err, ErrNoScripts)
}

func TestReport_Validation(t *testing.T) {
	t.Parallel()
	rt := New(nil)

	tests := map[string]string{
		"too few arguments": `report("kind")`,
		"non-string kind":   `report(1, "subject")`,
		"empty subject":     `report("kind", "")`,
	}
	for name, script := range tests {
		var c collector
		err := rt.RunSource(context.Background(), script, map[string]any{"report": makeReportFn(&c)})
		assert.Error(t, err, name)
		assert.Empty(t, c.findings, name)
	}
}

func TestReport_Collects(t *testing.T) {
	t.Parallel()
	rt := New(nil)

	var c collector
	script := `
report("smell", "a.B")
report("smell", "a.C", {"n": 2})
`
	require.NoError(t, rt.RunSource(context.Background(), script, map[string]any{"report": makeReportFn(&c)}))
	require.Len(t, c.findings, 2)
	assert.Equal(t, "a.B", c.findings[0].Subject)
	assert.Empty(t, c.findings[0].Detail)
	assert.JSONEq(t, `{"n": 2}`, c.findings[1].Detail)
}

func TestDetectorScriptPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "detect/speculative_generality.risor", DetectorScriptPath("speculative_generality"))
}

// --- fs.FS-based script loading tests ---

func TestLoadScript_FromFS(t *testing.T) {
	t.Parallel()

	content := `x := 42`
	mapFS := fstest.MapFS{
		"detect/custom.risor": &fstest.MapFile{Data: []byte(content)},
	}

	rt := New(nil, WithFS(mapFS))

	got, err := rt.LoadScript("detect/custom.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Leading slashes stay inside the script source.
	got, err = rt.LoadScript("/detect/custom.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLoadScript_FromDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `z := 7`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(content), 0644))

	rt := New(nil, WithDir(dir))

	got, err := rt.LoadScript("test.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDetectors_FromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "detect"), 0o755))
	for _, name := range []string{"zeta.risor", "alpha.risor", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "detect", name), []byte(`x := 1`), 0o644))
	}

	names, err := New(nil, WithDir(dir)).Detectors()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

// --- Importer wiring tests ---

func TestImport_GlobalsAvailableInImportedModules(t *testing.T) {
	t.Parallel()
	mapFS := fstest.MapFS{
		"helper.risor": &fstest.MapFile{Data: []byte(`
func flag(name) {
	report("helper", name)
}
`)},
	}

	rt := New(nil, WithFS(mapFS))

	var c collector
	script := `
import helper
helper.flag("m.X")
log.Info("flagged")
`
	err := rt.RunSource(context.Background(), script, map[string]any{"report": makeReportFn(&c)})
	require.NoError(t, err)
	require.Len(t, c.findings, 1)
	assert.Equal(t, "m.X", c.findings[0].Subject)
}
