package extract

import (
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

const (
	anyType      = "builtins.Any"
	noneType     = "builtins.NoneType"
	builtinsPath = "builtins."
)

var builtinTypes = map[string]bool{
	"int": true, "float": true, "complex": true, "str": true, "bytes": true,
	"bytearray": true, "bool": true, "list": true, "dict": true, "set": true,
	"frozenset": true, "tuple": true, "object": true, "type": true,
	"range": true, "memoryview": true, "slice": true,
	"Exception": true, "BaseException": true, "ValueError": true,
	"TypeError": true, "KeyError": true, "IndexError": true,
	"RuntimeError": true, "NotImplementedError": true,
}

var builtinFuncs = map[string]bool{
	"print": true, "len": true, "abs": true, "all": true, "any": true,
	"enumerate": true, "filter": true, "getattr": true, "hasattr": true,
	"isinstance": true, "issubclass": true, "iter": true, "map": true,
	"max": true, "min": true, "next": true, "open": true, "repr": true,
	"round": true, "setattr": true, "sorted": true, "sum": true, "zip": true,
	"super": true, "id": true, "hash": true, "format": true, "input": true,
}

var generatorTypes = map[string]bool{
	"Generator": true, "Iterator": true, "Iterable": true,
	"AsyncGenerator": true, "AsyncIterator": true, "AsyncIterable": true,
}

// moduleCtx holds per-file resolution state.
type moduleCtx struct {
	src    []byte
	path   string
	module string
	pkg    string
	sink   Sink

	// imports maps a bound local name to the qualified name it refers to.
	imports map[string]string
	classes map[string]bool
	funcs   map[string]bool
	// methods maps a class qualified name to its method names.
	methods map[string]map[string]bool
}

func newModuleCtx(src []byte, path, module string, sink Sink) *moduleCtx {
	pkg := module
	if !strings.HasSuffix(path, "__init__.py") {
		if i := strings.LastIndexByte(module, '.'); i >= 0 {
			pkg = module[:i]
		} else {
			pkg = ""
		}
	}
	return &moduleCtx{
		src: src, path: path, module: module, pkg: pkg, sink: sink,
		imports: map[string]string{},
		classes: map[string]bool{},
		funcs:   map[string]bool{},
		methods: map[string]map[string]bool{},
	}
}

func (m *moduleCtx) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(m.src)
}

func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}

// collectImports records every import binding in the file.
func (m *moduleCtx) collectImports(n *sitter.Node) {
	switch n.Type() {
	case "import_statement":
		for _, c := range namedChildren(n) {
			switch c.Type() {
			case "dotted_name":
				full := m.text(c)
				head, _, _ := strings.Cut(full, ".")
				m.imports[head] = head
			case "aliased_import":
				m.imports[m.text(c.ChildByFieldName("alias"))] = m.text(c.ChildByFieldName("name"))
			}
		}
		return
	case "import_from_statement":
		children := namedChildren(n)
		if len(children) == 0 {
			return
		}
		from := m.fromModule(children[0])
		for _, c := range children[1:] {
			switch c.Type() {
			case "dotted_name":
				name := m.text(c)
				m.imports[name] = joinName(from, name)
			case "aliased_import":
				m.imports[m.text(c.ChildByFieldName("alias"))] = joinName(from, m.text(c.ChildByFieldName("name")))
			}
		}
		return
	}
	for _, c := range namedChildren(n) {
		m.collectImports(c)
	}
}

// fromModule resolves the module of a from-import, including relative
// imports against the file's package.
func (m *moduleCtx) fromModule(n *sitter.Node) string {
	if n.Type() != "relative_import" {
		return m.text(n)
	}
	var dots int
	var name string
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "import_prefix":
			dots = len(strings.TrimSpace(m.text(c)))
		case "dotted_name":
			name = m.text(c)
		}
	}
	base := m.pkg
	for i := 1; i < dots && base != ""; i++ {
		if j := strings.LastIndexByte(base, '.'); j >= 0 {
			base = base[:j]
		} else {
			base = ""
		}
	}
	return joinName(base, name)
}

func joinName(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "." + b
}

// prescan records the top-level classes and functions and every class's
// methods, so references can be resolved before the definition is visited.
func (m *moduleCtx) prescan(n *sitter.Node, container string) {
	for _, c := range namedChildren(n) {
		def := c
		if c.Type() == "decorated_definition" {
			def = c.ChildByFieldName("definition")
			if def == nil {
				continue
			}
		}
		name := m.text(def.ChildByFieldName("name"))
		switch def.Type() {
		case "class_definition":
			qn := container + "." + name
			if container == m.module {
				m.classes[name] = true
			}
			m.methods[qn] = map[string]bool{}
			m.prescan(def.ChildByFieldName("body"), qn)
		case "function_definition":
			if container == m.module {
				m.funcs[name] = true
			} else if ms, ok := m.methods[container]; ok {
				ms[name] = true
			}
		}
	}
}

// resolveName qualifies a bare name.
func (m *moduleCtx) resolveName(name string) string {
	if q, ok := m.imports[name]; ok {
		return q
	}
	if m.classes[name] || m.funcs[name] {
		return m.module + "." + name
	}
	if name == "None" {
		return noneType
	}
	if builtinTypes[name] || name == "Any" {
		return builtinsPath + name
	}
	return name
}

// resolveDotted qualifies a dotted reference through its first component.
func (m *moduleCtx) resolveDotted(ref string) string {
	head, rest, ok := strings.Cut(ref, ".")
	if !ok {
		return m.resolveName(ref)
	}
	if q, ok := m.imports[head]; ok {
		return q + "." + rest
	}
	if m.classes[head] {
		return m.module + "." + ref
	}
	return ref
}

func isClassName(name string) bool {
	name = name[strings.LastIndexByte(name, '.')+1:]
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

func unwrapType(n *sitter.Node) *sitter.Node {
	for n != nil && n.Type() == "type" && n.NamedChildCount() == 1 {
		n = n.NamedChild(0)
	}
	return n
}

// typeArgs splits a generic annotation into its head and arguments.
func typeArgs(n *sitter.Node) (head *sitter.Node, args []*sitter.Node, ok bool) {
	switch n.Type() {
	case "subscript":
		children := namedChildren(n)
		if len(children) < 2 {
			return nil, nil, false
		}
		return children[0], children[1:], true
	case "generic_type":
		children := namedChildren(n)
		if len(children) < 2 {
			return nil, nil, false
		}
		return children[0], namedChildren(children[1]), true
	}
	return nil, nil, false
}

// resolveType qualifies a type annotation. Optional[X] and X | None resolve
// to X; other generics resolve to their head.
func (m *moduleCtx) resolveType(n *sitter.Node) string {
	n = unwrapType(n)
	if n == nil {
		return anyType
	}
	switch n.Type() {
	case "identifier":
		return m.resolveName(m.text(n))
	case "attribute", "member_type":
		return m.resolveDotted(strings.Join(strings.Fields(m.text(n)), ""))
	case "none":
		return noneType
	case "string":
		ref := strings.Trim(m.text(n), `"'`)
		if ref == "" {
			return anyType
		}
		return m.resolveDotted(ref)
	case "subscript", "generic_type":
		head, args, ok := typeArgs(n)
		if !ok {
			break
		}
		h := m.resolveType(head)
		if (h == "typing.Optional" || h == "Optional") && len(args) == 1 {
			return m.resolveType(args[0])
		}
		return h
	case "binary_operator", "union_type":
		var members []*sitter.Node
		for _, c := range namedChildren(n) {
			if t := unwrapType(c); t.Type() != "none" {
				members = append(members, t)
			}
		}
		if len(members) == 1 {
			return m.resolveType(members[0])
		}
	}
	return strings.Join(strings.Fields(m.text(n)), " ")
}

// yieldType returns the element type of a generator return annotation.
func (m *moduleCtx) yieldType(n *sitter.Node) (string, bool) {
	n = unwrapType(n)
	if n == nil {
		return "", false
	}
	head, args, ok := typeArgs(n)
	if !ok || len(args) == 0 {
		return "", false
	}
	h := m.resolveType(head)
	if !generatorTypes[h[strings.LastIndexByte(h, '.')+1:]] {
		return "", false
	}
	return m.resolveType(args[0]), true
}

// literalType returns the builtin type of a literal expression.
func literalType(n *sitter.Node) (string, bool) {
	switch n.Type() {
	case "integer":
		return "builtins.int", true
	case "float":
		return "builtins.float", true
	case "string", "concatenated_string":
		return "builtins.str", true
	case "true", "false":
		return "builtins.bool", true
	case "none":
		return noneType, true
	case "list", "list_comprehension":
		return "builtins.list", true
	case "dictionary", "dictionary_comprehension":
		return "builtins.dict", true
	case "set", "set_comprehension":
		return "builtins.set", true
	case "tuple":
		return "builtins.tuple", true
	}
	return "", false
}

// instantiatedClass returns the class a call expression constructs.
func (m *moduleCtx) instantiatedClass(call *sitter.Node) (string, bool) {
	if call.Type() != "call" {
		return "", false
	}
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return "", false
	}
	switch fn.Type() {
	case "identifier":
		name := m.text(fn)
		if m.classes[name] || builtinTypes[name] {
			return m.resolveName(name), true
		}
		if q, ok := m.imports[name]; ok && isClassName(q) {
			return q, true
		}
	case "attribute":
		if ref := m.text(fn); isClassName(ref) {
			return m.resolveDotted(ref), true
		}
	}
	return "", false
}
