// Package cskg builds a typed property graph of a Python codebase and mines
// it for code smells, chiefly data clumps: groups of parameters that travel
// together across many function signatures.
//
// # Pipeline
//
// cskg operates in two phases:
//
//  1. Index: every Python source under a root is parsed with tree-sitter
//     and its modules, classes, functions, methods and variables are
//     extracted together with their CONTAINS, INHERITS, CALLS, TAKES,
//     RETURNS, YIELDS and INSTANTIATES relationships. The facts are
//     composed into the graph store in batched, idempotent transactions:
//     all entities first, then all relationships.
//
//  2. Detect: an FP-Growth miner builds a frequency table of
//     (type, parameter) pairs from TAKES edges, inserts one transaction per
//     function into an FP-tree, and mines each item's conditional pattern
//     base for itemsets that meet the minimum support. Embedded Risor
//     detector scripts report further smells from SQL queries over the
//     graph.
//
// # Usage
//
//	cfg, err := config.Load("cskg.yaml")
//	if err != nil { ... }
//	e, err := cskg.Open(ctx, cfg)
//	if err != nil { ... }
//	defer e.Close()
//
//	if _, err := e.IndexDirectory(ctx, "path/to/project"); err != nil { ... }
//	rep, err := e.Detect(ctx)
//
// # Stores
//
// The graph lives in a local SQLite database or, with store.driver set to
// neo4j, on a Neo4j server. Findings are always saved to the local
// database, keyed by run ID; [Engine.Findings] reads the latest run.
//
// # Scripts
//
// Detector scripts live under scripts/detect/ and are embedded at build
// time. Each receives a read-only db_query function and reports findings
// with report(kind, subject, detail). See the internal/runtime package for
// the full set of globals exposed to scripts.
package cskg
