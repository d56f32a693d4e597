package store

import (
	"context"
	"fmt"

	"github.com/jward/cskg/internal/fpgrowth"
)

var _ fpgrowth.Source = (*Store)(nil)

// TakesFrequencies counts, per (type, parameter name), the distinct
// functions with a TAKES edge to that type under that name.
func (s *Store) TakesFrequencies(ctx context.Context, minFunctionCount int) (fpgrowth.FrequencyTable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.qualified_name, e.param_name, COUNT(DISTINCT e.from_id) AS functions
		FROM edges e
		JOIN nodes t ON t.id = e.to_id
		WHERE e.type = 'TAKES'
		GROUP BY t.qualified_name, e.param_name
		HAVING functions >= ?`, minFunctionCount)
	if err != nil {
		return nil, fmt.Errorf("takes frequencies: %w", err)
	}
	defer rows.Close()

	table := make(fpgrowth.FrequencyTable)
	for rows.Next() {
		var it fpgrowth.Item
		var n int
		if err := rows.Scan(&it.Type, &it.Param, &n); err != nil {
			return nil, fmt.Errorf("scan takes frequency: %w", err)
		}
		table[it] = n
	}
	return table, rows.Err()
}

// FunctionTakes lists the (type, parameter name) items of every function
// with at least one TAKES edge, ordered by function qualified name.
func (s *Store) FunctionTakes(ctx context.Context) ([]fpgrowth.FunctionParams, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.from_id, f.qualified_name, t.qualified_name, e.param_name
		FROM edges e
		JOIN nodes f ON f.id = e.from_id
		JOIN nodes t ON t.id = e.to_id
		WHERE e.type = 'TAKES'
		ORDER BY f.qualified_name, e.from_id, e.id`)
	if err != nil {
		return nil, fmt.Errorf("function takes: %w", err)
	}
	defer rows.Close()

	var fns []fpgrowth.FunctionParams
	lastID := int64(-1)
	for rows.Next() {
		var id int64
		var fn string
		var it fpgrowth.Item
		if err := rows.Scan(&id, &fn, &it.Type, &it.Param); err != nil {
			return nil, fmt.Errorf("scan function take: %w", err)
		}
		if id != lastID {
			fns = append(fns, fpgrowth.FunctionParams{Function: fn})
			lastID = id
		}
		fns[len(fns)-1].Items = append(fns[len(fns)-1].Items, it)
	}
	return fns, rows.Err()
}
