// Package graph defines the typed vocabulary of the code graph: entity and
// relationship kinds, their labels, and the fields each kind may carry.
//
// Kinds form closed sets. Every table in this package is indexed by kind, so
// adding a kind without extending the tables fails validation rather than
// silently producing untyped nodes.
package graph

import (
	"fmt"
	"slices"
)

// Label is a node label in the property graph.
type Label string

const (
	LabelModule   Label = "Module"
	LabelClass    Label = "Class"
	LabelFunction Label = "Function"
	LabelMethod   Label = "Method"
	LabelVariable Label = "Variable"
	LabelExternal Label = "External"
)

// EntityKind tags an entity. The zero value is invalid.
type EntityKind int

const (
	KindModule EntityKind = iota + 1
	KindClass
	KindFunction
	KindMethod
	KindVariable
	KindExternalModule
	KindExternalClass
	KindExternalFunction
	KindExternalMethod
	KindExternalVariable
)

type entityKindInfo struct {
	name     string
	primary  Label
	extra    []Label
	internal EntityKind
}

// entityKinds is the static label table. extra labels are fixed per kind.
var entityKinds = map[EntityKind]entityKindInfo{
	KindModule:           {"module", LabelModule, nil, KindModule},
	KindClass:            {"class", LabelClass, nil, KindClass},
	KindFunction:         {"function", LabelFunction, nil, KindFunction},
	KindMethod:           {"method", LabelMethod, []Label{LabelFunction}, KindMethod},
	KindVariable:         {"variable", LabelVariable, nil, KindVariable},
	KindExternalModule:   {"external_module", LabelModule, []Label{LabelExternal}, KindModule},
	KindExternalClass:    {"external_class", LabelClass, []Label{LabelExternal}, KindClass},
	KindExternalFunction: {"external_function", LabelFunction, []Label{LabelExternal}, KindFunction},
	KindExternalMethod:   {"external_method", LabelMethod, []Label{LabelFunction, LabelExternal}, KindMethod},
	KindExternalVariable: {"external_variable", LabelVariable, []Label{LabelExternal}, KindVariable},
}

// EntityKinds returns every entity kind in composition order: internal kinds
// first, containers before members.
func EntityKinds() []EntityKind {
	return []EntityKind{
		KindModule, KindClass, KindFunction, KindMethod, KindVariable,
		KindExternalModule, KindExternalClass, KindExternalFunction,
		KindExternalMethod, KindExternalVariable,
	}
}

func (k EntityKind) Valid() bool {
	_, ok := entityKinds[k]
	return ok
}

func (k EntityKind) String() string {
	if info, ok := entityKinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("EntityKind(%d)", int(k))
}

// PrimaryLabel is the label that scopes the qualified-name natural key.
func (k EntityKind) PrimaryLabel() Label {
	return entityKinds[k].primary
}

// ExtraLabels returns the labels a kind carries besides its primary label.
func (k EntityKind) ExtraLabels() []Label {
	return slices.Clone(entityKinds[k].extra)
}

// Labels returns the primary label followed by the extra labels.
func (k EntityKind) Labels() []Label {
	info := entityKinds[k]
	return append([]Label{info.primary}, info.extra...)
}

// IsExternal reports whether the kind marks an entity defined outside the
// analyzed codebase.
func (k EntityKind) IsExternal() bool {
	info, ok := entityKinds[k]
	return ok && info.internal != k
}

// Internal maps an External kind to its internal counterpart. Internal
// kinds map to themselves.
func (k EntityKind) Internal() EntityKind {
	return entityKinds[k].internal
}

// External maps an internal kind to its External variant.
func (k EntityKind) External() EntityKind {
	switch k.Internal() {
	case KindModule:
		return KindExternalModule
	case KindClass:
		return KindExternalClass
	case KindFunction:
		return KindExternalFunction
	case KindMethod:
		return KindExternalMethod
	case KindVariable:
		return KindExternalVariable
	}
	return 0
}

// ParseEntityKind is the inverse of EntityKind.String.
func ParseEntityKind(s string) (EntityKind, error) {
	for k, info := range entityKinds {
		if info.name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown entity kind %q", ErrStructural, s)
}

// RelationshipKind tags a relationship. The zero value is invalid.
type RelationshipKind int

const (
	RelContains RelationshipKind = iota + 1
	RelInherits
	RelCalls
	RelTakes
	RelReturns
	RelYields
	RelInstantiates
)

type relKindInfo struct {
	typ  string
	from []EntityKind
	to   []EntityKind
}

var functionKinds = []EntityKind{KindFunction, KindMethod}

// relKinds lists, per relationship kind, the internal entity kinds allowed
// at each end. External variants are accepted wherever their internal kind
// is, except as Contains members.
var relKinds = map[RelationshipKind]relKindInfo{
	RelContains: {
		typ:  "CONTAINS",
		from: []EntityKind{KindModule, KindClass, KindFunction, KindMethod},
		to:   []EntityKind{KindClass, KindFunction, KindMethod, KindVariable},
	},
	RelInherits:     {typ: "INHERITS", from: []EntityKind{KindClass}, to: []EntityKind{KindClass}},
	RelCalls:        {typ: "CALLS", from: functionKinds, to: functionKinds},
	RelTakes:        {typ: "TAKES", from: functionKinds, to: []EntityKind{KindClass}},
	RelReturns:      {typ: "RETURNS", from: functionKinds, to: []EntityKind{KindClass}},
	RelYields:       {typ: "YIELDS", from: functionKinds, to: []EntityKind{KindClass}},
	RelInstantiates: {typ: "INSTANTIATES", from: []EntityKind{KindClass}, to: []EntityKind{KindVariable}},
}

// RelationshipKinds returns every relationship kind in composition order.
func RelationshipKinds() []RelationshipKind {
	return []RelationshipKind{
		RelContains, RelInherits, RelCalls, RelTakes, RelReturns, RelYields, RelInstantiates,
	}
}

func (k RelationshipKind) Valid() bool {
	_, ok := relKinds[k]
	return ok
}

// Type returns the edge type name used by the stores, e.g. "TAKES".
func (k RelationshipKind) Type() string {
	if info, ok := relKinds[k]; ok {
		return info.typ
	}
	return ""
}

func (k RelationshipKind) String() string {
	if t := k.Type(); t != "" {
		return t
	}
	return fmt.Sprintf("RelationshipKind(%d)", int(k))
}

// ParseRelationshipKind accepts the edge type name, e.g. "CALLS".
func ParseRelationshipKind(s string) (RelationshipKind, error) {
	for k, info := range relKinds {
		if info.typ == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown relationship kind %q", ErrStructural, s)
}

// allows reports whether an edge of kind k may connect from -> to.
func (k RelationshipKind) allows(from, to EntityKind) bool {
	info, ok := relKinds[k]
	if !ok {
		return false
	}
	return slices.Contains(info.from, from.Internal()) && slices.Contains(info.to, to.Internal())
}
