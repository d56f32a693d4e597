// Package fpgrowth detects data clumps: groups of (type, parameter name)
// pairs that travel together across many function signatures.
//
// Detection is FP-Growth over the graph's TAKES edges. A frequency table
// ranks every pair by the number of distinct functions taking it. Each
// function with enough frequent pairs becomes a transaction, sorted by rank,
// and is inserted into a shared prefix tree (the FP-tree). For every item in
// the tree, the root-to-item paths form the item's conditional pattern base,
// which is re-based into a scratch tree and walked for itemsets that meet
// the minimum support.
package fpgrowth

import (
	"cmp"
	"context"
	"errors"
	"strings"

	"github.com/jward/cskg/internal/graph"
)

// ErrDetection marks an item whose mining was aborted after exhausting
// retries. The run continues with the remaining items.
var ErrDetection = errors.New("detection failed")

// ErrStructural is the graph package's invariant violation sentinel, shared
// so callers test a single error.
var ErrStructural = graph.ErrStructural

// FindingKind is the kind recorded on every data clump finding.
const FindingKind = "data_clump"

// Item is one (type, parameter name) pair taken by a function.
type Item struct {
	Type  string `json:"type"`
	Param string `json:"param"`
}

func (i Item) String() string {
	return i.Param + ": " + i.Type
}

// Compare orders items by type then parameter name.
func (i Item) Compare(o Item) int {
	if c := cmp.Compare(i.Type, o.Type); c != 0 {
		return c
	}
	return cmp.Compare(i.Param, o.Param)
}

// FrequencyTable maps an item to the number of distinct functions taking it.
type FrequencyTable map[Item]int

// Compare ranks a before b when it is more frequent. Equal frequencies fall
// back to Item.Compare so transaction order is deterministic.
func (t FrequencyTable) Compare(a, b Item) int {
	if c := cmp.Compare(t[b], t[a]); c != 0 {
		return c
	}
	return a.Compare(b)
}

// FunctionParams lists the items one function takes.
type FunctionParams struct {
	Function string
	Items    []Item
}

// Transaction is a function's qualifying items in rank order.
type Transaction struct {
	Function string
	Items    []Item
}

// Finding is a detected data clump. Itemset is in FP-tree order: most
// frequent item first, the conditioned item last.
type Finding struct {
	Kind    string `json:"kind"`
	Itemset []Item `json:"itemset"`
	Support int    `json:"support_count"`
}

// Key is a stable identity for the itemset, e.g. "builtins.int:user_id|builtins.str:token".
func (f Finding) Key() string {
	parts := make([]string, len(f.Itemset))
	for i, it := range f.Itemset {
		parts[i] = it.Type + ":" + it.Param
	}
	return strings.Join(parts, "|")
}

// Source is the read side of the graph store the detector mines.
type Source interface {
	// TakesFrequencies counts distinct functions per (type, param) over
	// TAKES edges, keeping pairs with count >= minFunctionCount.
	TakesFrequencies(ctx context.Context, minFunctionCount int) (FrequencyTable, error)
	// FunctionTakes returns the items each function takes.
	FunctionTakes(ctx context.Context) ([]FunctionParams, error)
}
