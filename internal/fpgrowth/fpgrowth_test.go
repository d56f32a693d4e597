package fpgrowth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	userID = Item{Type: "builtins.int", Param: "user_id"}
	token  = Item{Type: "builtins.str", Param: "session_token"}
)

// memSource serves a fixed set of function parameter lists.
type memSource struct {
	fns []FunctionParams
}

func (s *memSource) TakesFrequencies(_ context.Context, minCount int) (FrequencyTable, error) {
	return CountFrequencies(s.fns, minCount), nil
}

func (s *memSource) FunctionTakes(context.Context) ([]FunctionParams, error) {
	return s.fns, nil
}

// clumpScenario is five functions taking (user_id: int, session_token: str)
// and two taking only user_id.
func clumpScenario() []FunctionParams {
	var fns []FunctionParams
	for i := range 5 {
		fns = append(fns, FunctionParams{
			Function: fmt.Sprintf("app.handlers.h%d", i),
			Items:    []Item{userID, token},
		})
	}
	for i := range 2 {
		fns = append(fns, FunctionParams{
			Function: fmt.Sprintf("app.lookup.l%d", i),
			Items:    []Item{userID},
		})
	}
	return fns
}

func testConfig(minSupport, minItemsetSize int) Config {
	cfg := DefaultConfig()
	cfg.MinSupport = minSupport
	cfg.MinItemsetSize = minItemsetSize
	cfg.Concurrency = 4
	cfg.MaxRetries = 2
	return cfg
}

func newTestDetector(t *testing.T, src Source, tree Tree, cfg Config) *Detector {
	t.Helper()
	d, err := NewDetector(src, tree, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	require.NoError(t, err)
	return d
}

// =============================================================================
// Frequency table and transactions
// =============================================================================

func TestCountFrequencies_DistinctFunctions(t *testing.T) {
	t.Parallel()
	fns := []FunctionParams{
		{Function: "m.f", Items: []Item{userID, userID}},
		{Function: "m.g", Items: []Item{userID, token}},
	}
	table := CountFrequencies(fns, 1)
	assert.Equal(t, FrequencyTable{userID: 2, token: 1}, table)

	table = CountFrequencies(fns, 2)
	assert.Equal(t, FrequencyTable{userID: 2}, table)
}

func TestBuildFrequencyTable_DropsBelowThreshold(t *testing.T) {
	t.Parallel()
	src := &memSource{fns: clumpScenario()}
	table, err := BuildFrequencyTable(context.Background(), src, 6)
	require.NoError(t, err)
	assert.Equal(t, FrequencyTable{userID: 7}, table)
}

func TestTransactions_OrderAndTieBreak(t *testing.T) {
	t.Parallel()
	a := Item{Type: "app.A", Param: "a"}
	b := Item{Type: "app.B", Param: "b"}
	b2 := Item{Type: "app.B", Param: "another"}
	c := Item{Type: "app.C", Param: "c"}
	table := FrequencyTable{a: 3, b: 3, b2: 3, c: 5}

	txs := Transactions([]FunctionParams{
		{Function: "m.z", Items: []Item{b, a, c, b2}},
		{Function: "m.y", Items: []Item{b, {Type: "x", Param: "rare"}}},
	}, table, 2)

	require.Len(t, txs, 1, "m.y has one qualifying item")
	assert.Equal(t, "m.z", txs[0].Function)
	assert.Equal(t, []Item{c, a, b2, b}, txs[0].Items)
}

func TestTransactions_MinItemsetSize(t *testing.T) {
	t.Parallel()
	fns := clumpScenario()
	table := CountFrequencies(fns, 2)

	assert.Len(t, Transactions(fns, table, 2), 5)
	assert.Len(t, Transactions(fns, table, 1), 7)
	assert.Empty(t, Transactions(fns, table, 3))
}

// =============================================================================
// Arena
// =============================================================================

func TestArena_MergesSharedPrefixes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewArena()
	require.NoError(t, a.Insert(ctx, []Item{userID, token}))
	require.NoError(t, a.Insert(ctx, []Item{userID, token}))
	require.NoError(t, a.Insert(ctx, []Item{userID}))

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, "user_id: builtins.int (3)\n  session_token: builtins.str (2)\n", a.Snapshot())

	paths, err := a.PathsTo(ctx, token)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []Item{userID, token}, paths[0].Items)
	assert.Equal(t, []int{3, 2}, paths[0].Supports)
	assert.Equal(t, 2, paths[0].Support())

	items, err := a.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Item{userID, token}, items)

	require.NoError(t, a.Clear(ctx))
	assert.Equal(t, 0, a.Len())
	assert.Empty(t, a.Snapshot())
}

func TestArena_ConcurrentInsertsConverge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewArena()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Insert(ctx, []Item{userID, token})
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, "user_id: builtins.int (50)\n  session_token: builtins.str (50)\n", a.Snapshot())
}

func TestArena_Monotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))
	pool := make([]Item, 8)
	for i := range pool {
		pool[i] = Item{Type: fmt.Sprintf("t%d", i%3), Param: fmt.Sprintf("p%d", i)}
	}

	a := NewArena()
	for range 200 {
		n := 1 + r.IntN(len(pool))
		items := slices.Clone(pool)
		r.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
		items = items[:n]
		slices.SortFunc(items, Item.Compare)
		require.NoError(t, a.Insert(ctx, items))
	}

	nodes, err := a.Nodes(ctx)
	require.NoError(t, err)
	require.NoError(t, CheckMonotonic(nodes))

	byID := map[int64]Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if p, ok := byID[n.Parent]; ok {
			assert.LessOrEqual(t, n.Support, p.Support)
		}
	}
}

func TestCheckMonotonic_Violation(t *testing.T) {
	t.Parallel()
	err := CheckMonotonic([]Node{
		{ID: 1, Parent: 0, Item: userID, Support: 2},
		{ID: 2, Parent: 1, Item: token, Support: 3},
	})
	assert.ErrorIs(t, err, ErrStructural)

	err = CheckMonotonic([]Node{{ID: 2, Parent: 9, Item: token, Support: 1}})
	assert.ErrorIs(t, err, ErrStructural)
}

func TestPath_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Path{Items: []Item{userID, token}, Supports: []int{5, 5}}.Validate(token))
	assert.ErrorIs(t, Path{}.Validate(token), ErrStructural)
	assert.ErrorIs(t, Path{Items: []Item{token, userID}, Supports: []int{5, 5}}.Validate(token), ErrStructural)
	assert.ErrorIs(t, Path{Items: []Item{userID, token}, Supports: []int{2, 3}}.Validate(token), ErrStructural)
}

// =============================================================================
// Conditional pattern miner
// =============================================================================

func TestConditional_LeafSupport(t *testing.T) {
	t.Parallel()
	a := Item{Type: "t", Param: "a"}
	b := Item{Type: "t", Param: "b"}
	c := Item{Type: "t", Param: "c"}
	x := Item{Type: "t", Param: "x"}
	paths := []Path{
		{Items: []Item{a, b, x}, Supports: []int{5, 3, 3}},
		{Items: []Item{a, c, x}, Supports: []int{5, 2, 2}},
	}

	cond, err := buildConditional(x, paths, 2, 3)
	require.NoError(t, err)
	findings, err := cond.itemsets(2, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Finding{
		{Kind: FindingKind, Itemset: []Item{a, b, x}, Support: 3},
		{Kind: FindingKind, Itemset: []Item{a, c, x}, Support: 2},
	}, findings)

	cond, err = buildConditional(x, paths, 3, 3)
	require.NoError(t, err)
	findings, err = cond.itemsets(3, 3)
	require.NoError(t, err)
	assert.Equal(t, []Finding{{Kind: FindingKind, Itemset: []Item{a, b, x}, Support: 3}}, findings)
	assert.Equal(t, 1, cond.pruned)
	assert.Equal(t, 1, cond.rejected)
}

func TestConditional_AggregateIsMinOverLeaves(t *testing.T) {
	t.Parallel()
	a := Item{Type: "t", Param: "a"}
	b := Item{Type: "t", Param: "b"}
	c := Item{Type: "t", Param: "c"}
	x := Item{Type: "t", Param: "x"}
	cond, err := buildConditional(x, []Path{
		{Items: []Item{a, b, x}, Supports: []int{9, 4, 4}},
		{Items: []Item{a, c, x}, Supports: []int{9, 2, 2}},
	}, 1, 2)
	require.NoError(t, err)

	agg, err := cond.aggregate()
	require.NoError(t, err)
	// Index 1 is a, the only child of the root.
	assert.Equal(t, 2, agg[1])
}

func TestConditional_StructuralViolation(t *testing.T) {
	t.Parallel()
	_, err := buildConditional(token, []Path{{Items: []Item{userID}, Supports: []int{3}}}, 1, 2)
	assert.ErrorIs(t, err, ErrStructural)
}

func TestConditional_ScratchIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := Item{Type: "t", Param: "a"}
	b := Item{Type: "t", Param: "b"}
	c := Item{Type: "u", Param: "c"}
	x := Item{Type: "t", Param: "x"}
	y := Item{Type: "u", Param: "y"}

	tree := NewArena()
	for range 3 {
		require.NoError(t, tree.Insert(ctx, []Item{a, b, x}))
		require.NoError(t, tree.Insert(ctx, []Item{c, y}))
	}

	pathsX, err := tree.PathsTo(ctx, x)
	require.NoError(t, err)
	condX, err := buildConditional(x, pathsX, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, "a: t (3)\n  b: t (3)\n", condX.tree.Snapshot())

	pathsY, err := tree.PathsTo(ctx, y)
	require.NoError(t, err)
	condY, err := buildConditional(y, pathsY, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, "c: u (3)\n", condY.tree.Snapshot())
	assert.NotSame(t, condX.tree, condY.tree)

	itemsY, err := condY.tree.Items(ctx)
	require.NoError(t, err)
	assert.NotContains(t, itemsY, a)
	assert.NotContains(t, itemsY, b)

	// The shared tree is never modified by mining.
	assert.Equal(t, 5, tree.Len())
}

// =============================================================================
// Detector
// =============================================================================

func TestDetect_DataClumpScenario(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t, &memSource{fns: clumpScenario()}, NewArena(), testConfig(3, 2))

	res, err := d.Detect(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, Finding{
		Kind:    FindingKind,
		Itemset: []Item{userID, token},
		Support: 5,
	}, res.Findings[0])
	assert.Equal(t, 5, res.Transactions)
	assert.Equal(t, 2, res.ItemsConsidered)
	assert.Empty(t, res.FailedItems)
	assert.NotEmpty(t, res.RunID)
}

func TestDetect_ThresholdBoundary(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t, &memSource{fns: clumpScenario()}, NewArena(), testConfig(6, 2))

	res, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 1, res.ItemsetsRejected)
}

func TestDetect_OrderIndependence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := newTestDetector(t, &memSource{fns: clumpScenario()}, NewArena(), testConfig(3, 2))
	want, err := base.Detect(ctx)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(7, 11))
	for i := range 10 {
		fns := clumpScenario()
		r.Shuffle(len(fns), func(i, j int) { fns[i], fns[j] = fns[j], fns[i] })
		for k := range fns {
			slices.Reverse(fns[k].Items)
		}
		d := newTestDetector(t, &memSource{fns: fns}, NewArena(), testConfig(3, 2))
		got, err := d.Detect(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.Findings, got.Findings, "permutation %d", i)
	}
}

func TestDetect_IncludesSingleParamFunctionsWhenAllowed(t *testing.T) {
	t.Parallel()
	tree := NewArena()
	d := newTestDetector(t, &memSource{fns: clumpScenario()}, tree, testConfig(3, 1))

	n, err := d.BuildTree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "user_id: builtins.int (7)\n  session_token: builtins.str (5)\n", tree.Snapshot())

	res := &Result{}
	require.NoError(t, d.Mine(context.Background(), res))
	require.Len(t, res.Findings, 1)
	assert.Equal(t, 5, res.Findings[0].Support)
}

func TestDetect_ClearsTree(t *testing.T) {
	t.Parallel()
	tree := NewArena()
	require.NoError(t, tree.Insert(context.Background(), []Item{{Type: "stale", Param: "x"}}))

	d := newTestDetector(t, &memSource{fns: clumpScenario()}, tree, testConfig(3, 2))
	res, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Findings, 1)
	assert.Equal(t, 0, tree.Len())
}

func TestDetect_LargerClumps(t *testing.T) {
	t.Parallel()
	street := Item{Type: "builtins.str", Param: "street"}
	city := Item{Type: "builtins.str", Param: "city"}
	zip := Item{Type: "builtins.str", Param: "zip_code"}
	var fns []FunctionParams
	for i := range 4 {
		fns = append(fns, FunctionParams{Function: fmt.Sprintf("geo.f%d", i), Items: []Item{street, city, zip}})
	}
	fns = append(fns, FunctionParams{Function: "geo.partial", Items: []Item{street, city, userID}})

	d := newTestDetector(t, &memSource{fns: fns}, NewArena(), testConfig(3, 3))
	res, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.ElementsMatch(t, []Item{street, city, zip}, res.Findings[0].Itemset)
	assert.Equal(t, 4, res.Findings[0].Support)
}

// flakyTree fails PathsTo for one item a fixed number of times.
type flakyTree struct {
	*Arena
	item     Item
	failures atomic.Int32
	err      error
}

func (f *flakyTree) PathsTo(ctx context.Context, item Item) ([]Path, error) {
	if item == f.item && f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.Arena.PathsTo(ctx, item)
}

func TestDetect_RetriesTransientPathErrors(t *testing.T) {
	t.Parallel()
	tree := &flakyTree{Arena: NewArena(), item: token, err: errors.New("database is locked")}
	tree.failures.Store(2)

	d := newTestDetector(t, &memSource{fns: clumpScenario()}, tree, testConfig(3, 2))
	res, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Findings, 1)
	assert.Empty(t, res.FailedItems)
}

func TestDetect_FailedItemDoesNotAbortRun(t *testing.T) {
	t.Parallel()
	street := Item{Type: "builtins.str", Param: "street"}
	fns := clumpScenario()
	for i := range 3 {
		fns = append(fns, FunctionParams{Function: fmt.Sprintf("geo.f%d", i), Items: []Item{userID, street}})
	}
	tree := &flakyTree{Arena: NewArena(), item: token, err: errors.New("connection reset")}
	tree.failures.Store(100)

	d := newTestDetector(t, &memSource{fns: fns}, tree, testConfig(3, 2))
	res, err := d.Detect(context.Background())
	require.NoError(t, err)

	require.Len(t, res.FailedItems, 1)
	assert.Equal(t, token, res.FailedItems[0].Item)
	assert.ErrorIs(t, res.FailedItems[0].Err, ErrDetection)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, []Item{userID, street}, res.Findings[0].Itemset)
}

// brokenTree reports a path whose support grows with depth.
type brokenTree struct {
	*Arena
}

func (b *brokenTree) PathsTo(ctx context.Context, item Item) ([]Path, error) {
	return []Path{{Items: []Item{userID, item}, Supports: []int{1, 9}}}, nil
}

func TestDetect_StructuralViolationAborts(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t, &memSource{fns: clumpScenario()}, &brokenTree{Arena: NewArena()}, testConfig(3, 2))
	_, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, ErrStructural)
}

func TestDetect_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newTestDetector(t, &memSource{fns: clumpScenario()}, NewArena(), testConfig(3, 2))
	_, err := d.Detect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDetector_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinSupport = 0
	_, err := NewDetector(&memSource{}, NewArena(), cfg)
	assert.Error(t, err)
}

func TestFinding_Key(t *testing.T) {
	t.Parallel()
	f := Finding{Itemset: []Item{userID, token}}
	assert.Equal(t, "builtins.int:user_id|builtins.str:session_token", f.Key())
}
