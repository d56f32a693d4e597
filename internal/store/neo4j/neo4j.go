// Package neo4j implements the graph store boundary on Neo4j. Nodes are
// merged on (label, qualified_name) under a uniqueness constraint per
// primary label, batches are written with UNWIND, and the detector's
// FP-tree lives under an :FPRoot marker node.
package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/jward/cskg/internal/graph"
)

// Store is a Neo4j-backed graph store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to uri and verifies connectivity. An empty database selects
// the server default.
func New(ctx context.Context, uri, username, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Store{driver: driver, database: database}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// write runs work in a managed write transaction.
func (s *Store) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

func (s *Store) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

// schemaStatements returns the constraint and index statements, one
// uniqueness constraint per primary label.
func schemaStatements() []string {
	seen := map[graph.Label]bool{}
	var stmts []string
	for _, k := range graph.EntityKinds() {
		l := k.PrimaryLabel()
		if seen[l] {
			continue
		}
		seen[l] = true
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT cskg_%s_qname IF NOT EXISTS FOR (n:%s) REQUIRE n.qualified_name IS UNIQUE",
			strings.ToLower(string(l)), l))
	}
	// Concurrent first inserts MERGE the root; the constraint keeps it single.
	stmts = append(stmts, "CREATE CONSTRAINT cskg_fproot_id IF NOT EXISTS FOR (r:FPRoot) REQUIRE r.id IS UNIQUE")
	stmts = append(stmts, "CREATE INDEX cskg_fpnode_item IF NOT EXISTS FOR (n:FPNode) ON (n.type, n.param)")
	return stmts
}

// EnsureSchema creates the natural-key constraints. Schema statements
// cannot share a transaction with each other, so each runs on its own.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, stmt, nil)
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		if err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Reset deletes every node and relationship.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("reset graph: %w", err)
	}
	return nil
}
