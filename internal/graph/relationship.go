package graph

import (
	"fmt"
	"strings"
)

// Endpoint addresses an entity by kind and qualified name. Stores match it
// through the kind's primary label.
type Endpoint struct {
	Kind          EntityKind
	QualifiedName string
}

func (ep Endpoint) Label() Label {
	return ep.Kind.PrimaryLabel()
}

func (ep Endpoint) Key() Key {
	return Key{Label: ep.Label(), QualifiedName: ep.QualifiedName}
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	Kind RelationshipKind
	From Endpoint
	To   Endpoint

	// Calls only: resolved argument types, in call order.
	ArgTypes []string
	// Takes only.
	ParamName    string
	DefaultValue *string
}

func Contains(container, member Endpoint) Relationship {
	return Relationship{Kind: RelContains, From: container, To: member}
}

func Inherits(child, parent Endpoint) Relationship {
	return Relationship{Kind: RelInherits, From: child, To: parent}
}

func Calls(caller, callee Endpoint, argTypes []string) Relationship {
	return Relationship{Kind: RelCalls, From: caller, To: callee, ArgTypes: argTypes}
}

func Takes(function Endpoint, typeQualifiedName, paramName string, defaultValue *string) Relationship {
	return Relationship{
		Kind: RelTakes, From: function,
		To:        Endpoint{Kind: KindClass, QualifiedName: typeQualifiedName},
		ParamName: paramName, DefaultValue: defaultValue,
	}
}

func Returns(function Endpoint, typeQualifiedName string) Relationship {
	return Relationship{Kind: RelReturns, From: function, To: Endpoint{Kind: KindClass, QualifiedName: typeQualifiedName}}
}

func Yields(function Endpoint, typeQualifiedName string) Relationship {
	return Relationship{Kind: RelYields, From: function, To: Endpoint{Kind: KindClass, QualifiedName: typeQualifiedName}}
}

func Instantiates(class, variable Endpoint) Relationship {
	return Relationship{Kind: RelInstantiates, From: class, To: variable}
}

func (r Relationship) String() string {
	return fmt.Sprintf("(%s)-[%s]->(%s)", r.From.Key(), r.Kind, r.To.Key())
}

// Validate checks the kind, the endpoint kinds, and the per-kind fields.
func (r Relationship) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: relationship has unknown kind %d", ErrStructural, int(r.Kind))
	}
	if !r.From.Kind.Valid() || !r.To.Kind.Valid() {
		return fmt.Errorf("%w: %s references unknown entity kind", ErrStructural, r)
	}
	if r.From.QualifiedName == "" || r.To.QualifiedName == "" {
		return fmt.Errorf("%w: %s has an empty endpoint", ErrStructural, r)
	}
	if !r.Kind.allows(r.From.Kind, r.To.Kind) {
		return fmt.Errorf("%w: %s cannot connect %s to %s", ErrStructural, r.Kind, r.From.Kind, r.To.Kind)
	}
	if r.Kind == RelContains && r.To.Kind.IsExternal() && !r.From.Kind.IsExternal() {
		return fmt.Errorf("%w: internal %s cannot contain external %s", ErrStructural, r.From.Kind, r.To.Kind)
	}
	if r.Kind == RelTakes {
		if strings.TrimSpace(r.ParamName) == "" {
			return fmt.Errorf("%w: %s missing param_name", ErrStructural, r)
		}
	} else if r.ParamName != "" || r.DefaultValue != nil {
		return fmt.Errorf("%w: %s cannot carry parameter fields", ErrStructural, r)
	}
	if r.Kind != RelCalls && len(r.ArgTypes) > 0 {
		return fmt.Errorf("%w: %s cannot carry argument types", ErrStructural, r)
	}
	return nil
}

// Properties returns the stored edge properties.
func (r Relationship) Properties() map[string]any {
	props := map[string]any{}
	switch r.Kind {
	case RelCalls:
		args := r.ArgTypes
		if args == nil {
			args = []string{}
		}
		props["arg_types"] = args
	case RelTakes:
		props["param_name"] = r.ParamName
		if r.DefaultValue != nil {
			props["default_value"] = *r.DefaultValue
		}
	}
	return props
}
