package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jward/cskg/internal/fpgrowth"
)

// FPTree is a fpgrowth.Tree stored as (:FPRoot)-[:FP_CHILD*]->(:FPNode)
// chains. Node IDs reported by Nodes are assigned per call in breadth-first
// order; they are not stable across calls.
type FPTree struct {
	s *Store
}

func (s *Store) FPTree() *FPTree {
	return &FPTree{s: s}
}

const (
	fpRootCypher = `MERGE (r:FPRoot {id: 0}) RETURN elementId(r) AS id`

	// Touching the parent takes its write lock, so concurrent inserts
	// extending the same prefix merge into one child.
	fpChildCypher = `MATCH (p) WHERE elementId(p) = $parent
SET p.touched = true
MERGE (p)-[:FP_CHILD]->(n:FPNode {type: $type, param: $param})
ON CREATE SET n.support = 1
ON MATCH SET n.support = n.support + 1
RETURN elementId(n) AS id`
)

// Insert walks items from the root in one transaction.
func (t *FPTree) Insert(ctx context.Context, items []fpgrowth.Item) error {
	_, err := t.s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		parent, err := single[string](ctx, tx, fpRootCypher, nil, "id")
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			parent, err = single[string](ctx, tx, fpChildCypher, map[string]any{
				"parent": parent, "type": it.Type, "param": it.Param,
			}, "id")
			if err != nil {
				return nil, fmt.Errorf("%s: %w", it, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fp-tree insert: %w", err)
	}
	return nil
}

func single[T neo4j.RecordValue](ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any, key string) (T, error) {
	var zero T
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return zero, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return zero, err
	}
	v, _, err := neo4j.GetRecordValue[T](rec, key)
	return v, err
}

func (t *FPTree) Items(ctx context.Context) ([]fpgrowth.Item, error) {
	records, err := t.s.query(ctx, `MATCH (n:FPNode)
RETURN DISTINCT n.type AS type, n.param AS param
ORDER BY type, param`, nil)
	if err != nil {
		return nil, fmt.Errorf("fp-tree items: %w", err)
	}
	items := make([]fpgrowth.Item, 0, len(records))
	for _, rec := range records {
		it, err := recordItem(rec, "type", "param")
		if err != nil {
			return nil, fmt.Errorf("fp-tree items: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

const pathsToCypher = `MATCH path = (:FPRoot)-[:FP_CHILD*]->(n:FPNode {type: $type, param: $param})
WITH n, tail(nodes(path)) AS steps
RETURN [x IN steps | x.type] AS types, [x IN steps | x.param] AS params, [x IN steps | x.support] AS supports
ORDER BY elementId(n)`

func (t *FPTree) PathsTo(ctx context.Context, item fpgrowth.Item) ([]fpgrowth.Path, error) {
	records, err := t.s.query(ctx, pathsToCypher, map[string]any{"type": item.Type, "param": item.Param})
	if err != nil {
		return nil, fmt.Errorf("fp-tree paths to %s: %w", item, err)
	}
	paths := make([]fpgrowth.Path, 0, len(records))
	for _, rec := range records {
		items, err := zipItems(rec, "types", "params")
		if err != nil {
			return nil, fmt.Errorf("fp-tree paths to %s: %w", item, err)
		}
		raw, _, err := neo4j.GetRecordValue[[]any](rec, "supports")
		if err != nil {
			return nil, fmt.Errorf("fp-tree paths to %s: %w", item, err)
		}
		supports, err := toInts(raw)
		if err != nil {
			return nil, fmt.Errorf("fp-tree paths to %s: %w", item, err)
		}
		paths = append(paths, fpgrowth.Path{Items: items, Supports: supports})
	}
	return paths, nil
}

func toInts(raw []any) ([]int, error) {
	out := make([]int, len(raw))
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: support %v is %T", fpgrowth.ErrStructural, v, v)
		}
		out[i] = int(n)
	}
	return out, nil
}

const nodesCypher = `MATCH path = (:FPRoot)-[:FP_CHILD*]->(n:FPNode)
WITH n, length(path) AS depth, nodes(path)[-2] AS p
RETURN elementId(n) AS id,
       CASE WHEN p:FPRoot THEN "" ELSE elementId(p) END AS parent,
       n.type AS type, n.param AS param, n.support AS support
ORDER BY depth, type, param`

func (t *FPTree) Nodes(ctx context.Context) ([]fpgrowth.Node, error) {
	records, err := t.s.query(ctx, nodesCypher, nil)
	if err != nil {
		return nil, fmt.Errorf("fp-tree nodes: %w", err)
	}
	ids := map[string]int64{"": 0}
	nodes := make([]fpgrowth.Node, 0, len(records))
	for _, rec := range records {
		eid, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, fmt.Errorf("fp-tree nodes: %w", err)
		}
		parent, _, err := neo4j.GetRecordValue[string](rec, "parent")
		if err != nil {
			return nil, fmt.Errorf("fp-tree nodes: %w", err)
		}
		it, err := recordItem(rec, "type", "param")
		if err != nil {
			return nil, fmt.Errorf("fp-tree nodes: %w", err)
		}
		support, _, err := neo4j.GetRecordValue[int64](rec, "support")
		if err != nil {
			return nil, fmt.Errorf("fp-tree nodes: %w", err)
		}
		pid, ok := ids[parent]
		if !ok {
			return nil, fmt.Errorf("%w: fp-tree node %s listed before its parent", fpgrowth.ErrStructural, it)
		}
		id := int64(len(nodes) + 1)
		ids[eid] = id
		nodes = append(nodes, fpgrowth.Node{ID: id, Parent: pid, Item: it, Support: int(support)})
	}
	return nodes, nil
}

func (t *FPTree) Clear(ctx context.Context) error {
	_, err := t.s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (n) WHERE n:FPRoot OR n:FPNode DETACH DELETE n", nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("fp-tree clear: %w", err)
	}
	return nil
}
