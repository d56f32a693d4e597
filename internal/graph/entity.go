package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStructural marks a taxonomy or invariant violation. It indicates a
// logic defect and aborts the run.
var ErrStructural = errors.New("structural invariant violation")

// FunctionSubtype distinguishes plain functions from the method flavours.
type FunctionSubtype string

const (
	SubtypeFunction     FunctionSubtype = "function"
	SubtypeMethod       FunctionSubtype = "method"
	SubtypeClassMethod  FunctionSubtype = "classmethod"
	SubtypeStaticMethod FunctionSubtype = "staticmethod"
)

// Access is a variable's visibility, derived from its name.
type Access string

const (
	AccessPublic    Access = "public"
	AccessProtected Access = "protected"
	AccessPrivate   Access = "private"
)

// AccessFor derives visibility from the name-mangling convention: "__x"
// is private unless it also ends in "__", any other leading underscore
// (dunders included) is protected, and everything else is public.
func AccessFor(name string) Access {
	if strings.HasPrefix(name, "__") && !strings.HasSuffix(name, "__") {
		return AccessPrivate
	}
	if strings.HasPrefix(name, "_") {
		return AccessProtected
	}
	return AccessPublic
}

// Key is the natural key of a node: primary label plus qualified name.
type Key struct {
	Label         Label
	QualifiedName string
}

func (k Key) String() string {
	return string(k.Label) + ":" + k.QualifiedName
}

// Entity is a graph node. Which optional fields are meaningful depends on
// Kind; Validate rejects fields a kind does not carry.
type Entity struct {
	Kind          EntityKind
	Name          string
	QualifiedName string
	FilePath      string

	// Function and Method.
	Subtype FunctionSubtype
	// Function, Method and Class.
	IsAbstract bool
	// Method only.
	ClassName          string
	ClassQualifiedName string
	// Variable only.
	Access Access
}

func NewModule(name, qualifiedName, filePath string) Entity {
	return Entity{Kind: KindModule, Name: name, QualifiedName: qualifiedName, FilePath: filePath}
}

func NewClass(name, qualifiedName, filePath string, abstract bool) Entity {
	return Entity{Kind: KindClass, Name: name, QualifiedName: qualifiedName, FilePath: filePath, IsAbstract: abstract}
}

func NewFunction(name, qualifiedName, filePath string, abstract bool) Entity {
	return Entity{
		Kind: KindFunction, Name: name, QualifiedName: qualifiedName, FilePath: filePath,
		Subtype: SubtypeFunction, IsAbstract: abstract,
	}
}

func NewMethod(name, qualifiedName, filePath string, subtype FunctionSubtype, classQualifiedName string, abstract bool) Entity {
	className := classQualifiedName
	if i := strings.LastIndexByte(className, '.'); i >= 0 {
		className = className[i+1:]
	}
	return Entity{
		Kind: KindMethod, Name: name, QualifiedName: qualifiedName, FilePath: filePath,
		Subtype: subtype, IsAbstract: abstract,
		ClassName: className, ClassQualifiedName: classQualifiedName,
	}
}

func NewVariable(name, qualifiedName, filePath string) Entity {
	return Entity{Kind: KindVariable, Name: name, QualifiedName: qualifiedName, FilePath: filePath, Access: AccessFor(name)}
}

// NewExternal builds the External variant of kind for a construct defined
// outside the analyzed codebase. The name defaults to the qualified name.
func NewExternal(kind EntityKind, qualifiedName string) Entity {
	e := Entity{Kind: kind.External(), Name: qualifiedName, QualifiedName: qualifiedName}
	switch kind.Internal() {
	case KindFunction:
		e.Subtype = SubtypeFunction
	case KindMethod:
		e.Subtype = SubtypeMethod
	case KindVariable:
		e.Access = AccessFor(qualifiedName[strings.LastIndexByte(qualifiedName, '.')+1:])
	}
	return e
}

// Labels returns the full label set: primary label first.
func (e Entity) Labels() []Label {
	return e.Kind.Labels()
}

func (e Entity) Key() Key {
	return Key{Label: e.Kind.PrimaryLabel(), QualifiedName: e.QualifiedName}
}

// Endpoint returns the reference relationships use to address e.
func (e Entity) Endpoint() Endpoint {
	return Endpoint{Kind: e.Kind, QualifiedName: e.QualifiedName}
}

// Validate checks e against its kind's field table.
func (e Entity) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: entity %q has unknown kind %d", ErrStructural, e.QualifiedName, int(e.Kind))
	}
	if e.QualifiedName == "" || e.Name == "" {
		return fmt.Errorf("%w: %s entity missing name or qualified_name", ErrStructural, e.Kind)
	}
	if e.Kind.IsExternal() && e.FilePath != "" {
		return fmt.Errorf("%w: external entity %q carries file_path", ErrStructural, e.QualifiedName)
	}

	base := e.Kind.Internal()
	isFunc := base == KindFunction || base == KindMethod
	switch {
	case isFunc:
		switch e.Subtype {
		case SubtypeFunction, SubtypeMethod, SubtypeClassMethod, SubtypeStaticMethod:
		default:
			return fmt.Errorf("%w: %s %q has invalid subtype %q", ErrStructural, e.Kind, e.QualifiedName, e.Subtype)
		}
	case e.Subtype != "":
		return fmt.Errorf("%w: %s %q cannot carry subtype", ErrStructural, e.Kind, e.QualifiedName)
	}
	if e.IsAbstract && !isFunc && base != KindClass {
		return fmt.Errorf("%w: %s %q cannot be abstract", ErrStructural, e.Kind, e.QualifiedName)
	}
	if base != KindMethod && (e.ClassName != "" || e.ClassQualifiedName != "") {
		return fmt.Errorf("%w: %s %q cannot carry class fields", ErrStructural, e.Kind, e.QualifiedName)
	}
	switch {
	case base == KindVariable:
		switch e.Access {
		case AccessPublic, AccessProtected, AccessPrivate:
		default:
			return fmt.Errorf("%w: variable %q has invalid access %q", ErrStructural, e.QualifiedName, e.Access)
		}
	case e.Access != "":
		return fmt.Errorf("%w: %s %q cannot carry access", ErrStructural, e.Kind, e.QualifiedName)
	}
	return nil
}

// Properties returns the stored node properties. Fields a kind does not
// carry are omitted.
func (e Entity) Properties() map[string]any {
	props := map[string]any{
		"kind":           e.Kind.String(),
		"name":           e.Name,
		"qualified_name": e.QualifiedName,
	}
	if e.FilePath != "" {
		props["file_path"] = e.FilePath
	}
	base := e.Kind.Internal()
	if base == KindFunction || base == KindMethod {
		props["subtype"] = string(e.Subtype)
		props["is_abstract"] = e.IsAbstract
	}
	if base == KindClass {
		props["is_abstract"] = e.IsAbstract
	}
	if base == KindMethod {
		props["class_name"] = e.ClassName
		props["class_qualified_name"] = e.ClassQualifiedName
	}
	if base == KindVariable {
		props["access"] = string(e.Access)
	}
	return props
}
