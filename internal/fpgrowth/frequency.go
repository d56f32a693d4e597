package fpgrowth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// BuildFrequencyTable reads the global item ranking from src. Entries below
// minFunctionCount are dropped even if the source returned them.
func BuildFrequencyTable(ctx context.Context, src Source, minFunctionCount int) (FrequencyTable, error) {
	table, err := src.TakesFrequencies(ctx, minFunctionCount)
	if err != nil {
		return nil, fmt.Errorf("build frequency table: %w", err)
	}
	for item, n := range table {
		if n < minFunctionCount {
			delete(table, item)
		}
	}
	return table, nil
}

// CountFrequencies builds a frequency table from function parameter lists.
// It is the in-memory equivalent of a store's TakesFrequencies.
func CountFrequencies(fns []FunctionParams, minFunctionCount int) FrequencyTable {
	seen := make(map[string]map[Item]struct{})
	for _, fn := range fns {
		items := seen[fn.Function]
		if items == nil {
			items = make(map[Item]struct{})
			seen[fn.Function] = items
		}
		for _, it := range fn.Items {
			items[it] = struct{}{}
		}
	}
	table := make(FrequencyTable)
	for _, items := range seen {
		for it := range items {
			table[it]++
		}
	}
	for it, n := range table {
		if n < minFunctionCount {
			delete(table, it)
		}
	}
	return table
}

// Transactions keeps each function's items present in table, sorts them by
// rank, and returns those with at least minItemsetSize items. The result is
// ordered by function name.
func Transactions(fns []FunctionParams, table FrequencyTable, minItemsetSize int) []Transaction {
	var txs []Transaction
	for _, fn := range fns {
		items := make([]Item, 0, len(fn.Items))
		for _, it := range fn.Items {
			if _, ok := table[it]; ok {
				items = append(items, it)
			}
		}
		slices.SortFunc(items, table.Compare)
		items = slices.Compact(items)
		if len(items) < minItemsetSize || len(items) == 0 {
			continue
		}
		txs = append(txs, Transaction{Function: fn.Function, Items: items})
	}
	slices.SortFunc(txs, func(a, b Transaction) int {
		return strings.Compare(a.Function, b.Function)
	})
	return txs
}
