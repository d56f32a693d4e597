// Package extract turns Python source into graph facts using tree-sitter.
//
// Extraction is syntactic. Names are resolved through the file's imports and
// its own top-level definitions; anything that cannot be resolved keeps its
// source text as its qualified name. Facts referring to constructs outside
// the analyzed files are completed later by store.Staging.PopulateExternals.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/jward/cskg/internal/graph"
)

// Sink receives extracted facts.
type Sink interface {
	AddEntity(e graph.Entity)
	AddRelationship(r graph.Relationship)
}

// Extractor extracts facts from Python files. It is safe for concurrent
// use; each call parses with its own parser.
type Extractor struct {
	prefix string
	logger *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithModulePrefix prepends prefix to every module name.
func WithModulePrefix(prefix string) Option {
	return func(x *Extractor) { x.prefix = strings.Trim(prefix, ".") }
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Extractor) { x.logger = l }
}

func New(opts ...Option) *Extractor {
	x := &Extractor{logger: slog.Default()}
	for _, o := range opts {
		o(x)
	}
	return x
}

// IsSource reports whether path is a file the extractor handles.
func IsSource(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".py")
}

// ModuleName maps a slash-separated path relative to the source root to a
// dotted module name. Package __init__ files name the package itself.
func (x *Extractor) ModuleName(relPath string) string {
	return ModuleName(x.prefix, relPath)
}

func ModuleName(prefix, relPath string) string {
	rel := strings.TrimSuffix(filepath.ToSlash(relPath), filepath.Ext(relPath))
	parts := strings.Split(rel, "/")
	if parts[len(parts)-1] == "__init__" && (len(parts) > 1 || prefix != "") {
		parts = parts[:len(parts)-1]
	}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

// ExtractFile reads root/relPath and extracts it.
func (x *Extractor) ExtractFile(ctx context.Context, root, relPath string, sink Sink) error {
	src, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return fmt.Errorf("reading %s: %w", relPath, err)
	}
	return x.Extract(ctx, relPath, src, sink)
}

// Extract parses src as the file at relPath and sends its facts to sink.
// Files with syntax errors are extracted as far as the parse tree allows.
func (x *Extractor) Extract(ctx context.Context, relPath string, src []byte, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", relPath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		x.logger.Warn("syntax errors in source file", "path", relPath)
	}

	relPath = filepath.ToSlash(relPath)
	module := x.ModuleName(relPath)
	m := newModuleCtx(src, relPath, module, sink)
	m.collectImports(root)
	m.prescan(root, module)

	name := module[strings.LastIndexByte(module, '.')+1:]
	mod := graph.NewModule(name, module, relPath)
	sink.AddEntity(mod)
	m.visitBlock(root, scope{qname: module, kind: graph.KindModule})
	return nil
}
