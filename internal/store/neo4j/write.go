package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jward/cskg/internal/graph"
)

// entityGroup is a set of entities sharing one label set, written by one
// UNWIND statement. Labels cannot be parameters in Cypher.
type entityGroup struct {
	kind graph.EntityKind
	rows []map[string]any
}

func groupEntities(entities []graph.Entity) []entityGroup {
	idx := map[graph.EntityKind]int{}
	var groups []entityGroup
	for _, e := range entities {
		i, ok := idx[e.Kind]
		if !ok {
			i = len(groups)
			idx[e.Kind] = i
			groups = append(groups, entityGroup{kind: e.Kind})
		}
		groups[i].rows = append(groups[i].rows, map[string]any{
			"qualified_name": e.QualifiedName,
			"props":          e.Properties(),
		})
	}
	return groups
}

// mergeEntitiesCypher merges on the primary label and sets the extra labels
// only on creation, so an existing node is left untouched.
func mergeEntitiesCypher(kind graph.EntityKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UNWIND $rows AS row\nMERGE (n:%s {qualified_name: row.qualified_name})\nON CREATE SET n += row.props", kind.PrimaryLabel())
	for _, l := range kind.ExtraLabels() {
		fmt.Fprintf(&b, ", n:%s", l)
	}
	return b.String()
}

// UpsertEntities writes one batch in one transaction.
func (s *Store) UpsertEntities(ctx context.Context, entities []graph.Entity) (graph.WriteResult, error) {
	groups := groupEntities(entities)
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var res graph.WriteResult
		for _, g := range groups {
			result, err := tx.Run(ctx, mergeEntitiesCypher(g.kind), map[string]any{"rows": g.rows})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.kind, err)
			}
			summary, err := result.Consume(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.kind, err)
			}
			created := summary.Counters().NodesCreated()
			res.Created += created
			res.Merged += len(g.rows) - created
		}
		return res, nil
	})
	if err != nil {
		return graph.WriteResult{}, fmt.Errorf("upsert entities: %w", err)
	}
	return out.(graph.WriteResult), nil
}

type relGroupKey struct {
	kind     graph.RelationshipKind
	from, to graph.Label
}

type relGroup struct {
	key  relGroupKey
	rows []map[string]any
}

func groupRelationships(rels []graph.Relationship) []relGroup {
	idx := map[relGroupKey]int{}
	var groups []relGroup
	for _, r := range rels {
		k := relGroupKey{kind: r.Kind, from: r.From.Label(), to: r.To.Label()}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, relGroup{key: k})
		}
		groups[i].rows = append(groups[i].rows, map[string]any{
			"from":       r.From.QualifiedName,
			"to":         r.To.QualifiedName,
			"param_name": r.ParamName,
			"props":      r.Properties(),
		})
	}
	return groups
}

// createRelationshipsCypher matches both endpoints, drops rows missing
// either, and merges the edge. TAKES edges are distinguished by parameter
// name so two parameters of the same type stay two edges.
func createRelationshipsCypher(k relGroupKey) string {
	edge := fmt.Sprintf("(a)-[r:%s]->(b)", k.kind.Type())
	if k.kind == graph.RelTakes {
		edge = fmt.Sprintf("(a)-[r:%s {param_name: row.param_name}]->(b)", k.kind.Type())
	}
	return fmt.Sprintf(`UNWIND $rows AS row
OPTIONAL MATCH (a:%s {qualified_name: row.from})
OPTIONAL MATCH (b:%s {qualified_name: row.to})
WITH row, a, b WHERE a IS NOT NULL AND b IS NOT NULL
MERGE %s
ON CREATE SET r += row.props
RETURN count(*) AS matched`, k.from, k.to, edge)
}

// CreateRelationships writes one batch in one transaction. Rows whose
// endpoints are missing are counted as skipped.
func (s *Store) CreateRelationships(ctx context.Context, rels []graph.Relationship) (graph.WriteResult, error) {
	groups := groupRelationships(rels)
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var res graph.WriteResult
		for _, g := range groups {
			result, err := tx.Run(ctx, createRelationshipsCypher(g.key), map[string]any{"rows": g.rows})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.key.kind, err)
			}
			record, err := result.Single(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.key.kind, err)
			}
			matched, _, err := neo4j.GetRecordValue[int64](record, "matched")
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.key.kind, err)
			}
			summary, err := result.Consume(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", g.key.kind, err)
			}
			created := summary.Counters().RelationshipsCreated()
			res.Created += created
			res.Merged += int(matched) - created
			res.Skipped += len(g.rows) - int(matched)
		}
		return res, nil
	})
	if err != nil {
		return graph.WriteResult{}, fmt.Errorf("create relationships: %w", err)
	}
	return out.(graph.WriteResult), nil
}
