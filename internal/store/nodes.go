package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jward/cskg/internal/graph"
)

// Node is a stored graph node.
type Node struct {
	ID     int64
	Labels []graph.Label
	graph.Entity
}

// UpsertEntities writes entities in a single transaction, keyed on
// (primary label, qualified_name). A new key creates the node and its
// labels; an existing key is left untouched and counted as merged.
func (s *Store) UpsertEntities(ctx context.Context, entities []graph.Entity) (graph.WriteResult, error) {
	var res graph.WriteResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("upsert entities: begin: %w", err)
	}
	defer tx.Rollback()

	insNode, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (label, kind, name, qualified_name, file_path, subtype, is_abstract, access, class_name, class_qualified_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label, qualified_name) DO NOTHING`)
	if err != nil {
		return res, fmt.Errorf("upsert entities: prepare node: %w", err)
	}
	defer insNode.Close()

	insLabel, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO node_labels (node_id, label) VALUES (?, ?)")
	if err != nil {
		return res, fmt.Errorf("upsert entities: prepare label: %w", err)
	}
	defer insLabel.Close()

	for _, e := range entities {
		r, err := insNode.ExecContext(ctx,
			string(e.Kind.PrimaryLabel()), e.Kind.String(), e.Name, e.QualifiedName,
			nullString(e.FilePath), nullString(string(e.Subtype)), abstractValue(e),
			nullString(string(e.Access)), nullString(e.ClassName), nullString(e.ClassQualifiedName),
		)
		if err != nil {
			return res, fmt.Errorf("upsert entities: %s: %w", e.Key(), err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("upsert entities: rows affected: %w", err)
		}
		if n == 0 {
			res.Merged++
			continue
		}
		id, err := r.LastInsertId()
		if err != nil {
			return res, fmt.Errorf("upsert entities: last insert id: %w", err)
		}
		for _, l := range e.Labels() {
			if _, err := insLabel.ExecContext(ctx, id, string(l)); err != nil {
				return res, fmt.Errorf("upsert entities: label %s on %s: %w", l, e.Key(), err)
			}
		}
		res.Created++
	}

	if err := tx.Commit(); err != nil {
		return graph.WriteResult{}, fmt.Errorf("upsert entities: commit: %w", err)
	}
	return res, nil
}

// abstractValue stores is_abstract only for the kinds that carry it.
func abstractValue(e graph.Entity) any {
	switch e.Kind.Internal() {
	case graph.KindClass, graph.KindFunction, graph.KindMethod:
		return e.IsAbstract
	}
	return nil
}

const nodeColumns = "id, kind, name, qualified_name, file_path, subtype, is_abstract, access, class_name, class_qualified_name"

func scanNode(scanner interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var kind string
	var filePath, subtype, access, className, classQualName sql.NullString
	var abstract sql.NullBool
	if err := scanner.Scan(&n.ID, &kind, &n.Name, &n.QualifiedName, &filePath, &subtype, &abstract, &access, &className, &classQualName); err != nil {
		return nil, err
	}
	k, err := graph.ParseEntityKind(kind)
	if err != nil {
		return nil, err
	}
	n.Kind = k
	n.FilePath = filePath.String
	n.Subtype = graph.FunctionSubtype(subtype.String)
	n.IsAbstract = abstract.Bool
	n.Access = graph.Access(access.String)
	n.ClassName = className.String
	n.ClassQualifiedName = classQualName.String
	return &n, nil
}

// NodeByKey looks a node up by label and qualified name. The label may be
// any of the node's labels, so a Method is also found as a Function.
// Returns nil if not found.
func (s *Store) NodeByKey(ctx context.Context, key graph.Key) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+prefixColumns("n", nodeColumns)+` FROM nodes n
		 JOIN node_labels nl ON nl.node_id = n.id
		 WHERE nl.label = ? AND n.qualified_name = ?
		 ORDER BY n.id LIMIT 1`,
		string(key.Label), key.QualifiedName,
	)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("node by key %s: %w", key, err)
	}
	labels, err := s.nodeLabels(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	n.Labels = labels
	return n, nil
}

func (s *Store) nodeLabels(ctx context.Context, id int64) ([]graph.Label, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT label FROM node_labels WHERE node_id = ? ORDER BY label", id)
	if err != nil {
		return nil, fmt.Errorf("node labels: %w", err)
	}
	defer rows.Close()
	var labels []graph.Label
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, graph.Label(l))
	}
	return labels, rows.Err()
}

// NodesByLabel returns every node carrying label, ordered by qualified name.
func (s *Store) NodesByLabel(ctx context.Context, label graph.Label) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+prefixColumns("n", nodeColumns)+` FROM nodes n
		 JOIN node_labels nl ON nl.node_id = n.id
		 WHERE nl.label = ?
		 ORDER BY n.qualified_name, n.id`,
		string(label),
	)
	if err != nil {
		return nil, fmt.Errorf("nodes by label: %w", err)
	}
	defer rows.Close()
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CountNodes returns the number of stored nodes.
func (s *Store) CountNodes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}
