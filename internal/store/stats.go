package store

import (
	"context"
	"fmt"
)

// Stats summarises the stored graph.
type Stats struct {
	// Labels counts nodes per label. A node is counted once per label it
	// carries, so Method nodes also count under Function.
	Labels map[string]int `json:"labels"`
	// Edges counts edges per type.
	Edges       map[string]int `json:"edges"`
	Nodes       int            `json:"nodes"`
	FPTreeNodes int            `json:"fp_tree_nodes"`
	Findings    int            `json:"findings"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Labels: map[string]int{}, Edges: map[string]int{}}
	if err := s.countGroups(ctx, "SELECT label, COUNT(*) FROM node_labels GROUP BY label", st.Labels); err != nil {
		return nil, fmt.Errorf("stats: labels: %w", err)
	}
	if err := s.countGroups(ctx, "SELECT type, COUNT(*) FROM edges GROUP BY type", st.Edges); err != nil {
		return nil, fmt.Errorf("stats: edges: %w", err)
	}
	for _, q := range []struct {
		sql string
		dst *int
	}{
		{"SELECT COUNT(*) FROM nodes", &st.Nodes},
		{"SELECT COUNT(*) FROM fp_tree_nodes", &st.FPTreeNodes},
		{"SELECT COUNT(*) FROM findings", &st.Findings},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func (s *Store) countGroups(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		dst[k] = n
	}
	return rows.Err()
}

// ContainmentViolation is an internal function or method that is not
// contained exactly once.
type ContainmentViolation struct {
	QualifiedName string `json:"qualified_name"`
	Containers    int    `json:"containers"`
}

// ContainmentViolations lists internal functions and methods with zero or
// several incoming CONTAINS edges.
func (s *Store) ContainmentViolations(ctx context.Context) ([]ContainmentViolation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.qualified_name, COUNT(e.id) AS containers
		FROM nodes n
		LEFT JOIN edges e ON e.to_id = n.id AND e.type = 'CONTAINS'
		WHERE n.kind IN ('function', 'method')
		GROUP BY n.id
		HAVING containers != 1
		ORDER BY n.qualified_name`)
	if err != nil {
		return nil, fmt.Errorf("containment violations: %w", err)
	}
	defer rows.Close()
	var out []ContainmentViolation
	for rows.Next() {
		var v ContainmentViolation
		if err := rows.Scan(&v.QualifiedName, &v.Containers); err != nil {
			return nil, fmt.Errorf("scan containment violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
