package store

import (
	"context"
	"fmt"

	"github.com/jward/cskg/internal/fpgrowth"
)

// FPTree is a fpgrowth.Tree kept in the fp_tree_nodes table. Each node is
// unique on (parent, type, param); insertion relies on SQLite's upsert, so
// concurrent inserts extending the same prefix converge on one chain.
type FPTree struct {
	s *Store
}

var _ fpgrowth.Tree = (*FPTree)(nil)

func (s *Store) FPTree() *FPTree {
	return &FPTree{s: s}
}

// Insert walks items from the root in one transaction, creating or
// incrementing each node on the way down.
func (t *FPTree) Insert(ctx context.Context, items []fpgrowth.Item) error {
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fp-tree insert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fp_tree_nodes (parent_id, type_qualified_name, param_name, support)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(parent_id, type_qualified_name, param_name) DO UPDATE SET support = support + 1
		RETURNING id`)
	if err != nil {
		return fmt.Errorf("fp-tree insert: prepare: %w", err)
	}
	defer stmt.Close()

	var parent int64
	for _, it := range items {
		var id int64
		if err := stmt.QueryRowContext(ctx, parent, it.Type, it.Param).Scan(&id); err != nil {
			return fmt.Errorf("fp-tree insert %s: %w", it, err)
		}
		parent = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fp-tree insert: commit: %w", err)
	}
	return nil
}

func (t *FPTree) Items(ctx context.Context) ([]fpgrowth.Item, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT DISTINCT type_qualified_name, param_name FROM fp_tree_nodes
		ORDER BY type_qualified_name, param_name`)
	if err != nil {
		return nil, fmt.Errorf("fp-tree items: %w", err)
	}
	defer rows.Close()
	var items []fpgrowth.Item
	for rows.Next() {
		var it fpgrowth.Item
		if err := rows.Scan(&it.Type, &it.Param); err != nil {
			return nil, fmt.Errorf("scan fp-tree item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PathsTo walks from every node holding item up to the root with a
// recursive query, one path per end node.
func (t *FPTree) PathsTo(ctx context.Context, item fpgrowth.Item) ([]fpgrowth.Path, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		WITH RECURSIVE up(end_id, id, parent_id, type_qualified_name, param_name, support, depth) AS (
		  SELECT id, id, parent_id, type_qualified_name, param_name, support, 0
		  FROM fp_tree_nodes
		  WHERE type_qualified_name = ? AND param_name = ?
		  UNION ALL
		  SELECT up.end_id, n.id, n.parent_id, n.type_qualified_name, n.param_name, n.support, up.depth + 1
		  FROM fp_tree_nodes n
		  JOIN up ON n.id = up.parent_id
		)
		SELECT end_id, type_qualified_name, param_name, support
		FROM up
		ORDER BY end_id, depth DESC`, item.Type, item.Param)
	if err != nil {
		return nil, fmt.Errorf("fp-tree paths to %s: %w", item, err)
	}
	defer rows.Close()

	var paths []fpgrowth.Path
	lastEnd := int64(-1)
	for rows.Next() {
		var end int64
		var it fpgrowth.Item
		var support int
		if err := rows.Scan(&end, &it.Type, &it.Param, &support); err != nil {
			return nil, fmt.Errorf("scan fp-tree path: %w", err)
		}
		if end != lastEnd {
			paths = append(paths, fpgrowth.Path{})
			lastEnd = end
		}
		p := &paths[len(paths)-1]
		p.Items = append(p.Items, it)
		p.Supports = append(p.Supports, support)
	}
	return paths, rows.Err()
}

func (t *FPTree) Nodes(ctx context.Context) ([]fpgrowth.Node, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT id, parent_id, type_qualified_name, param_name, support
		FROM fp_tree_nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("fp-tree nodes: %w", err)
	}
	defer rows.Close()
	var nodes []fpgrowth.Node
	for rows.Next() {
		var n fpgrowth.Node
		if err := rows.Scan(&n.ID, &n.Parent, &n.Item.Type, &n.Item.Param, &n.Support); err != nil {
			return nil, fmt.Errorf("scan fp-tree node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (t *FPTree) Clear(ctx context.Context) error {
	if _, err := t.s.db.ExecContext(ctx, "DELETE FROM fp_tree_nodes"); err != nil {
		return fmt.Errorf("fp-tree clear: %w", err)
	}
	return nil
}
