package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jward/cskg/internal/store"
)

const (
	labelCountsCypher = `MATCH (n) WHERE NOT n:FPNode AND NOT n:FPRoot
UNWIND labels(n) AS label
RETURN label AS key, count(*) AS n`
	edgeCountsCypher = `MATCH ()-[r]->() WHERE type(r) <> 'FP_CHILD'
RETURN type(r) AS key, count(*) AS n`
	nodeCountCypher   = `MATCH (n) WHERE NOT n:FPNode AND NOT n:FPRoot RETURN count(n) AS n`
	fpNodeCountCypher = `MATCH (n:FPNode) RETURN count(n) AS n`
)

// Stats counts graph nodes per label and edges per type. FP-tree nodes are
// counted separately. Findings live in the local store and are left at zero.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	st := &store.Stats{Labels: map[string]int{}, Edges: map[string]int{}}
	for _, q := range []struct {
		cypher string
		dst    map[string]int
	}{
		{labelCountsCypher, st.Labels},
		{edgeCountsCypher, st.Edges},
	} {
		records, err := s.query(ctx, q.cypher, nil)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		for _, rec := range records {
			key, _, err := neo4j.GetRecordValue[string](rec, "key")
			if err != nil {
				return nil, fmt.Errorf("stats: %w", err)
			}
			n, _, err := neo4j.GetRecordValue[int64](rec, "n")
			if err != nil {
				return nil, fmt.Errorf("stats: %w", err)
			}
			q.dst[key] = int(n)
		}
	}
	for _, q := range []struct {
		cypher string
		dst    *int
	}{
		{nodeCountCypher, &st.Nodes},
		{fpNodeCountCypher, &st.FPTreeNodes},
	} {
		n, err := s.count(ctx, q.cypher)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		*q.dst = n
	}
	return st, nil
}

func (s *Store) count(ctx context.Context, cypher string) (int, error) {
	records, err := s.query(ctx, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(records) != 1 {
		return 0, fmt.Errorf("expected one record, got %d", len(records))
	}
	n, _, err := neo4j.GetRecordValue[int64](records[0], "n")
	return int(n), err
}

const containmentViolationsCypher = `MATCH (f:Function) WHERE NOT f:External
OPTIONAL MATCH (c)-[r:CONTAINS]->(f)
WITH f, count(r) AS containers
WHERE containers <> 1
RETURN f.qualified_name AS qualified_name, containers
ORDER BY qualified_name`

// ContainmentViolations lists internal functions and methods with zero or
// several incoming CONTAINS edges.
func (s *Store) ContainmentViolations(ctx context.Context) ([]store.ContainmentViolation, error) {
	records, err := s.query(ctx, containmentViolationsCypher, nil)
	if err != nil {
		return nil, fmt.Errorf("containment violations: %w", err)
	}
	out := make([]store.ContainmentViolation, 0, len(records))
	for _, rec := range records {
		qn, _, err := neo4j.GetRecordValue[string](rec, "qualified_name")
		if err != nil {
			return nil, fmt.Errorf("containment violations: %w", err)
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "containers")
		if err != nil {
			return nil, fmt.Errorf("containment violations: %w", err)
		}
		out = append(out, store.ContainmentViolation{QualifiedName: qn, Containers: int(n)})
	}
	return out, nil
}
