package extract

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/cskg/internal/graph"
)

// scope is the definition whose body is being visited.
type scope struct {
	qname string
	kind  graph.EntityKind
	// class is the enclosing class for methods, used to resolve self calls.
	class string
	// params maps parameter names to their resolved types.
	params map[string]string
}

func (sc scope) endpoint() graph.Endpoint {
	return graph.Endpoint{Kind: sc.kind, QualifiedName: sc.qname}
}

func (sc scope) isFunction() bool {
	return sc.kind == graph.KindFunction || sc.kind == graph.KindMethod
}

// visitBlock visits the statements of a module, class or function body.
// Compound statements are descended into; nested definitions open a new
// scope.
func (m *moduleCtx) visitBlock(n *sitter.Node, sc scope) {
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "class_definition":
			m.visitClass(c, sc)
		case "function_definition":
			m.visitFunction(c, nil, sc)
		case "decorated_definition":
			def := c.ChildByFieldName("definition")
			if def == nil {
				continue
			}
			decorators := m.decorators(c)
			switch def.Type() {
			case "class_definition":
				m.visitClass(def, sc)
			case "function_definition":
				m.visitFunction(def, decorators, sc)
			}
		case "expression_statement":
			for _, e := range namedChildren(c) {
				if e.Type() == "assignment" {
					m.visitAssignment(e, sc)
				}
			}
		case "block", "if_statement", "elif_clause", "else_clause", "for_statement",
			"while_statement", "with_statement", "try_statement", "except_clause",
			"finally_clause", "match_statement", "case_clause":
			m.visitBlock(c, sc)
		}
	}
}

// decorators returns the decorator names of a decorated definition, with
// any module path and call arguments stripped.
func (m *moduleCtx) decorators(n *sitter.Node) map[string]bool {
	out := map[string]bool{}
	for _, c := range namedChildren(n) {
		if c.Type() != "decorator" || c.NamedChildCount() == 0 {
			continue
		}
		expr := c.NamedChild(0)
		if expr.Type() == "call" {
			expr = expr.ChildByFieldName("function")
		}
		name := m.text(expr)
		for i := len(name) - 1; i >= 0; i-- {
			if name[i] == '.' {
				name = name[i+1:]
				break
			}
		}
		out[name] = true
	}
	return out
}

func (m *moduleCtx) visitClass(n *sitter.Node, sc scope) {
	name := m.text(n.ChildByFieldName("name"))
	if name == "" {
		return
	}
	qn := sc.qname + "." + name
	body := n.ChildByFieldName("body")

	var bases []string
	abstract := false
	for _, arg := range namedChildren(n.ChildByFieldName("superclasses")) {
		switch arg.Type() {
		case "identifier", "attribute":
			base := m.resolveDotted(m.text(arg))
			if base == "abc.ABC" {
				abstract = true
			}
			bases = append(bases, base)
		case "keyword_argument":
			if m.text(arg.ChildByFieldName("name")) == "metaclass" &&
				m.resolveDotted(m.text(arg.ChildByFieldName("value"))) == "abc.ABCMeta" {
				abstract = true
			}
		}
	}
	if !abstract {
		abstract = m.hasAbstractMember(body)
	}

	cls := graph.NewClass(name, qn, m.path, abstract)
	m.sink.AddEntity(cls)
	m.sink.AddRelationship(graph.Contains(sc.endpoint(), cls.Endpoint()))
	for _, base := range bases {
		m.sink.AddRelationship(graph.Inherits(cls.Endpoint(), graph.Endpoint{Kind: graph.KindClass, QualifiedName: base}))
	}
	if body != nil {
		m.visitBlock(body, scope{qname: qn, kind: graph.KindClass, class: qn})
	}
}

func (m *moduleCtx) hasAbstractMember(body *sitter.Node) bool {
	for _, c := range namedChildren(body) {
		if c.Type() == "decorated_definition" && m.decorators(c)["abstractmethod"] {
			return true
		}
	}
	return false
}

func (m *moduleCtx) visitFunction(n *sitter.Node, decorators map[string]bool, sc scope) {
	name := m.text(n.ChildByFieldName("name"))
	if name == "" {
		return
	}
	qn := sc.qname + "." + name
	abstract := decorators["abstractmethod"]

	var fn graph.Entity
	fsc := scope{qname: qn, params: map[string]string{}}
	skipFirst := false
	if sc.kind == graph.KindClass {
		subtype := graph.SubtypeMethod
		switch {
		case decorators["classmethod"]:
			subtype = graph.SubtypeClassMethod
		case decorators["staticmethod"]:
			subtype = graph.SubtypeStaticMethod
		}
		skipFirst = subtype != graph.SubtypeStaticMethod
		fn = graph.NewMethod(name, qn, m.path, subtype, sc.qname, abstract)
		fsc.class = sc.qname
	} else {
		fn = graph.NewFunction(name, qn, m.path, abstract)
	}
	fsc.kind = fn.Kind
	ep := fn.Endpoint()

	m.sink.AddEntity(fn)
	m.sink.AddRelationship(graph.Contains(sc.endpoint(), ep))
	m.visitParams(n.ChildByFieldName("parameters"), ep, skipFirst, fsc.params)

	body := n.ChildByFieldName("body")
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		if m.isGenerator(body) {
			if typ, ok := m.yieldType(ret); ok {
				m.sink.AddRelationship(graph.Yields(ep, typ))
			}
		}
		m.sink.AddRelationship(graph.Returns(ep, m.resolveType(ret)))
	}
	if body == nil {
		return
	}
	m.visitCalls(body, fsc)
	m.visitBlock(body, fsc)
}

// visitParams emits a TAKES edge per named parameter. Splat parameters
// are skipped, as is the receiver of instance and class methods.
func (m *moduleCtx) visitParams(n *sitter.Node, fn graph.Endpoint, skipFirst bool, types map[string]string) {
	first := true
	for _, p := range namedChildren(n) {
		var name string
		var typ, value *sitter.Node
		switch p.Type() {
		case "identifier":
			name = m.text(p)
		case "typed_parameter":
			if id := p.NamedChild(0); id != nil && id.Type() == "identifier" {
				name = m.text(id)
			}
			typ = p.ChildByFieldName("type")
		case "default_parameter":
			name = m.text(p.ChildByFieldName("name"))
			value = p.ChildByFieldName("value")
		case "typed_default_parameter":
			name = m.text(p.ChildByFieldName("name"))
			typ = p.ChildByFieldName("type")
			value = p.ChildByFieldName("value")
		case "list_splat_pattern", "dictionary_splat_pattern":
			first = false
			continue
		default:
			continue
		}
		if first && skipFirst {
			first = false
			continue
		}
		first = false
		if name == "" {
			continue
		}

		typeName := anyType
		if typ != nil {
			typeName = m.resolveType(typ)
		}
		var dflt *string
		if value != nil {
			v := m.text(value)
			dflt = &v
		}
		types[name] = typeName
		m.sink.AddRelationship(graph.Takes(fn, typeName, name, dflt))
	}
}

// walkBody calls visit for n and its descendants, not descending into
// nested definitions or lambdas.
func walkBody(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "function_definition", "class_definition", "decorated_definition", "lambda":
			continue
		}
		walkBody(c, visit)
	}
}

func (m *moduleCtx) isGenerator(body *sitter.Node) bool {
	found := false
	if body != nil {
		walkBody(body, func(n *sitter.Node) {
			if n.Type() == "yield" {
				found = true
			}
		})
	}
	return found
}

func (m *moduleCtx) visitCalls(body *sitter.Node, fsc scope) {
	walkBody(body, func(n *sitter.Node) {
		if n.Type() != "call" {
			return
		}
		callee, ok := m.resolveCallee(n.ChildByFieldName("function"), fsc)
		if !ok {
			return
		}
		m.sink.AddRelationship(graph.Calls(fsc.endpoint(), callee, m.argTypes(n.ChildByFieldName("arguments"), fsc)))
	})
}

// resolveCallee resolves the function a call invokes. Constructor calls
// resolve to the class's __init__ when the file defines it.
func (m *moduleCtx) resolveCallee(fn *sitter.Node, fsc scope) (graph.Endpoint, bool) {
	if fn == nil {
		return graph.Endpoint{}, false
	}
	switch fn.Type() {
	case "identifier":
		name := m.text(fn)
		switch {
		case m.funcs[name]:
			return graph.Endpoint{Kind: graph.KindFunction, QualifiedName: m.module + "." + name}, true
		case m.classes[name]:
			return m.method(m.module+"."+name, "__init__")
		case name == "cls" && fsc.class != "":
			return m.method(fsc.class, "__init__")
		}
		if q, ok := m.imports[name]; ok && !isClassName(q) {
			return graph.Endpoint{Kind: graph.KindFunction, QualifiedName: q}, true
		}
		if builtinFuncs[name] {
			return graph.Endpoint{Kind: graph.KindFunction, QualifiedName: builtinsPath + name}, true
		}
	case "attribute":
		obj := fn.ChildByFieldName("object")
		attr := m.text(fn.ChildByFieldName("attribute"))
		if obj == nil || obj.Type() != "identifier" || attr == "" {
			return graph.Endpoint{}, false
		}
		name := m.text(obj)
		switch {
		case (name == "self" || name == "cls") && fsc.class != "":
			return m.method(fsc.class, attr)
		case m.classes[name]:
			return m.method(m.module+"."+name, attr)
		}
		if q, ok := m.imports[name]; ok && !isClassName(attr) {
			return graph.Endpoint{Kind: graph.KindFunction, QualifiedName: q + "." + attr}, true
		}
	}
	return graph.Endpoint{}, false
}

func (m *moduleCtx) method(class, name string) (graph.Endpoint, bool) {
	if !m.methods[class][name] {
		return graph.Endpoint{}, false
	}
	return graph.Endpoint{Kind: graph.KindMethod, QualifiedName: class + "." + name}, true
}

// argTypes resolves the type of each argument in call order. Keyword
// arguments render as "name=type"; unknown types render as "Any".
func (m *moduleCtx) argTypes(args *sitter.Node, fsc scope) []string {
	out := []string{}
	if args == nil || args.Type() != "argument_list" {
		return out
	}
	for _, a := range namedChildren(args) {
		switch a.Type() {
		case "keyword_argument":
			out = append(out, m.text(a.ChildByFieldName("name"))+"="+m.exprType(a.ChildByFieldName("value"), fsc))
		case "list_splat", "dictionary_splat", "comment":
		default:
			out = append(out, m.exprType(a, fsc))
		}
	}
	return out
}

func (m *moduleCtx) exprType(n *sitter.Node, fsc scope) string {
	if n == nil {
		return anyType
	}
	if t, ok := literalType(n); ok {
		return t
	}
	switch n.Type() {
	case "identifier":
		if t, ok := fsc.params[m.text(n)]; ok && t != anyType {
			return t
		}
	case "call":
		if t, ok := m.instantiatedClass(n); ok {
			return t
		}
	}
	return anyType
}

// visitAssignment emits a Variable per assigned name, plus an INSTANTIATES
// edge from its type when the annotation or value reveals one.
func (m *moduleCtx) visitAssignment(n *sitter.Node, sc scope) {
	right := n.ChildByFieldName("right")
	if right != nil && right.Type() == "assignment" {
		m.visitAssignment(right, sc)
		right = nil
	}

	left := n.ChildByFieldName("left")
	if left == nil {
		return
	}
	var names []string
	switch left.Type() {
	case "identifier":
		names = []string{m.text(left)}
	case "pattern_list", "tuple_pattern":
		for _, c := range namedChildren(left) {
			if c.Type() == "identifier" {
				names = append(names, m.text(c))
			}
		}
	}

	var typeName string
	if typ := n.ChildByFieldName("type"); typ != nil {
		typeName = m.resolveType(typ)
	} else if right != nil && len(names) == 1 {
		if t, ok := literalType(right); ok {
			typeName = t
		} else if t, ok := m.instantiatedClass(right); ok {
			typeName = t
		}
	}

	for _, name := range names {
		if _, isParam := sc.params[name]; isParam && sc.isFunction() {
			continue
		}
		v := graph.NewVariable(name, sc.qname+"."+name, m.path)
		m.sink.AddEntity(v)
		m.sink.AddRelationship(graph.Contains(sc.endpoint(), v.Endpoint()))
		if typeName != "" {
			m.sink.AddRelationship(graph.Instantiates(graph.Endpoint{Kind: graph.KindClass, QualifiedName: typeName}, v.Endpoint()))
		}
	}
}
