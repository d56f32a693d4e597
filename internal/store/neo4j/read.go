package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jward/cskg/internal/compose"
	"github.com/jward/cskg/internal/fpgrowth"
)

var (
	_ compose.Store   = (*Store)(nil)
	_ fpgrowth.Source = (*Store)(nil)
	_ fpgrowth.Tree   = (*FPTree)(nil)
)

// query runs cypher in a read transaction and returns every record.
func (s *Store) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

const takesFrequenciesCypher = `MATCH (f:Function)-[r:TAKES]->(t:Class)
WITH t.qualified_name AS type, r.param_name AS param, count(DISTINCT f) AS functions
WHERE functions >= $min
RETURN type, param, functions`

func (s *Store) TakesFrequencies(ctx context.Context, minFunctionCount int) (fpgrowth.FrequencyTable, error) {
	records, err := s.query(ctx, takesFrequenciesCypher, map[string]any{"min": minFunctionCount})
	if err != nil {
		return nil, fmt.Errorf("takes frequencies: %w", err)
	}
	table := make(fpgrowth.FrequencyTable, len(records))
	for _, rec := range records {
		it, err := recordItem(rec, "type", "param")
		if err != nil {
			return nil, fmt.Errorf("takes frequencies: %w", err)
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "functions")
		if err != nil {
			return nil, fmt.Errorf("takes frequencies: %w", err)
		}
		table[it] = int(n)
	}
	return table, nil
}

const functionTakesCypher = `MATCH (f:Function)-[r:TAKES]->(t:Class)
WITH f, t.qualified_name AS type, r.param_name AS param
ORDER BY type, param
RETURN f.qualified_name AS function, collect(type) AS types, collect(param) AS params
ORDER BY function`

func (s *Store) FunctionTakes(ctx context.Context) ([]fpgrowth.FunctionParams, error) {
	records, err := s.query(ctx, functionTakesCypher, nil)
	if err != nil {
		return nil, fmt.Errorf("function takes: %w", err)
	}
	fns := make([]fpgrowth.FunctionParams, 0, len(records))
	for _, rec := range records {
		fn, _, err := neo4j.GetRecordValue[string](rec, "function")
		if err != nil {
			return nil, fmt.Errorf("function takes: %w", err)
		}
		items, err := zipItems(rec, "types", "params")
		if err != nil {
			return nil, fmt.Errorf("function takes %s: %w", fn, err)
		}
		fns = append(fns, fpgrowth.FunctionParams{Function: fn, Items: items})
	}
	return fns, nil
}

func recordItem(rec *neo4j.Record, typeKey, paramKey string) (fpgrowth.Item, error) {
	typ, _, err := neo4j.GetRecordValue[string](rec, typeKey)
	if err != nil {
		return fpgrowth.Item{}, err
	}
	param, _, err := neo4j.GetRecordValue[string](rec, paramKey)
	if err != nil {
		return fpgrowth.Item{}, err
	}
	return fpgrowth.Item{Type: typ, Param: param}, nil
}

// zipItems pairs two parallel string lists from rec into items.
func zipItems(rec *neo4j.Record, typesKey, paramsKey string) ([]fpgrowth.Item, error) {
	types, _, err := neo4j.GetRecordValue[[]any](rec, typesKey)
	if err != nil {
		return nil, err
	}
	params, _, err := neo4j.GetRecordValue[[]any](rec, paramsKey)
	if err != nil {
		return nil, err
	}
	if len(types) != len(params) {
		return nil, fmt.Errorf("%w: %d types for %d params", fpgrowth.ErrStructural, len(types), len(params))
	}
	items := make([]fpgrowth.Item, len(types))
	for i := range types {
		t, ok1 := types[i].(string)
		p, ok2 := params[i].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: non-string item at %d", fpgrowth.ErrStructural, i)
		}
		items[i] = fpgrowth.Item{Type: t, Param: p}
	}
	return items, nil
}
