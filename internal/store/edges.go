package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jward/cskg/internal/graph"
)

// Edge is a stored relationship with its endpoints' qualified names.
type Edge struct {
	ID           int64
	Type         string
	From         string
	To           string
	ParamName    string
	DefaultValue *string
	ArgTypes     []string
}

// CreateRelationships writes relationships in a single transaction. Both
// endpoints are matched by (label, qualified_name), where the label may be
// any label the node carries. An entry with a missing endpoint is skipped;
// an edge that already exists is counted as merged.
func (s *Store) CreateRelationships(ctx context.Context, rels []graph.Relationship) (graph.WriteResult, error) {
	var res graph.WriteResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("create relationships: begin: %w", err)
	}
	defer tx.Rollback()

	lookup, err := tx.PrepareContext(ctx, `
		SELECT n.id FROM nodes n
		JOIN node_labels nl ON nl.node_id = n.id
		WHERE nl.label = ? AND n.qualified_name = ?
		ORDER BY n.id LIMIT 1`)
	if err != nil {
		return res, fmt.Errorf("create relationships: prepare lookup: %w", err)
	}
	defer lookup.Close()

	insEdge, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO edges (type, from_id, to_id, param_name, default_value, arg_types)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("create relationships: prepare edge: %w", err)
	}
	defer insEdge.Close()

	ids := make(map[graph.Key]int64)
	resolve := func(ep graph.Endpoint) (int64, bool, error) {
		key := ep.Key()
		if id, ok := ids[key]; ok {
			return id, id != 0, nil
		}
		var id int64
		err := lookup.QueryRowContext(ctx, string(key.Label), key.QualifiedName).Scan(&id)
		if err == sql.ErrNoRows {
			ids[key] = 0
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("lookup %s: %w", key, err)
		}
		ids[key] = id
		return id, true, nil
	}

	for _, r := range rels {
		fromID, ok, err := resolve(r.From)
		if err != nil {
			return res, fmt.Errorf("create relationships: %w", err)
		}
		if !ok {
			res.Skipped++
			continue
		}
		toID, ok, err := resolve(r.To)
		if err != nil {
			return res, fmt.Errorf("create relationships: %w", err)
		}
		if !ok {
			res.Skipped++
			continue
		}

		var dflt sql.NullString
		if r.DefaultValue != nil {
			dflt = sql.NullString{String: *r.DefaultValue, Valid: true}
		}
		var args sql.NullString
		if r.Kind == graph.RelCalls {
			args = marshalStrings(nonNil(r.ArgTypes))
		}
		out, err := insEdge.ExecContext(ctx, r.Kind.Type(), fromID, toID, r.ParamName, dflt, args)
		if err != nil {
			return res, fmt.Errorf("create relationships: %s: %w", r, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("create relationships: rows affected: %w", err)
		}
		if n == 0 {
			res.Merged++
		} else {
			res.Created++
		}
	}

	if err := tx.Commit(); err != nil {
		return graph.WriteResult{}, fmt.Errorf("create relationships: commit: %w", err)
	}
	return res, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// EdgesByType returns every edge of the given type ("CALLS", "TAKES", ...)
// ordered by source then target qualified name.
func (s *Store) EdgesByType(ctx context.Context, typ string) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.type, f.qualified_name, t.qualified_name, e.param_name, e.default_value, e.arg_types
		FROM edges e
		JOIN nodes f ON f.id = e.from_id
		JOIN nodes t ON t.id = e.to_id
		WHERE e.type = ?
		ORDER BY f.qualified_name, t.qualified_name, e.param_name`, typ)
	if err != nil {
		return nil, fmt.Errorf("edges by type: %w", err)
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		e := &Edge{}
		var dflt, args sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.From, &e.To, &e.ParamName, &dflt, &args); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if dflt.Valid {
			v := dflt.String
			e.DefaultValue = &v
		}
		if e.ArgTypes, err = unmarshalStrings(args.String); err != nil {
			return nil, fmt.Errorf("edge %d arg_types: %w", e.ID, err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CountEdges returns the number of stored edges.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&n); err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}
