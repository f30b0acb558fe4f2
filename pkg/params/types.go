// Package params defines the typed parameter model of zengraph nodes: declared param
// types, the closed Value sum type used for primitive literals and results, keyframed
// curves, socket ownership modes and link propagation modes.
package params

import "fmt"

// Type is the declared type of a node param.
type Type string

const (
	TypeNull    Type = "null"
	TypeBool    Type = "bool"
	TypeInt     Type = "int"
	TypeFloat   Type = "float"
	TypeString  Type = "string"
	TypeVec2i   Type = "vec2i"
	TypeVec3i   Type = "vec3i"
	TypeVec4i   Type = "vec4i"
	TypeVec2f   Type = "vec2f"
	TypeVec3f   Type = "vec3f"
	TypeVec4f   Type = "vec4f"
	TypePrim    Type = "prim"
	TypeDict    Type = "dict"
	TypeList    Type = "list"
	TypeCurve   Type = "curve"
	TypeHeatmap Type = "heatmap"
)

// Validate checks if the type is one of the declared param types.
func (t Type) Validate() error {
	switch t {
	case TypeNull, TypeBool, TypeInt, TypeFloat, TypeString,
		TypeVec2i, TypeVec3i, TypeVec4i, TypeVec2f, TypeVec3f, TypeVec4f,
		TypePrim, TypeDict, TypeList, TypeCurve, TypeHeatmap:
		return nil
	default:
		return fmt.Errorf("invalid param type: %q", string(t))
	}
}

// IsObject returns true if values of this type travel as objects rather than primitives.
func (t Type) IsObject() bool {
	switch t {
	case TypePrim, TypeDict, TypeList, TypeHeatmap:
		return true
	default:
		return false
	}
}

// IsCollection returns true for types that accept keyed fan-in from several links.
func (t Type) IsCollection() bool {
	return t == TypeDict || t == TypeList
}

// IsNumeric returns true for scalar and vector numeric types.
func (t Type) IsNumeric() bool {
	return t.family() == familyScalar || t.family() == familyVector
}

// VectorLen returns the component count of a vector type, or 0 for non-vectors.
func (t Type) VectorLen() int {
	switch t {
	case TypeVec2i, TypeVec2f:
		return 2
	case TypeVec3i, TypeVec3f:
		return 3
	case TypeVec4i, TypeVec4f:
		return 4
	default:
		return 0
	}
}

type family int

const (
	familyOther family = iota
	familyScalar
	familyVector
	familyString
	familyObject
	familyNull
)

func (t Type) family() family {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeCurve:
		return familyScalar
	case TypeVec2i, TypeVec3i, TypeVec4i, TypeVec2f, TypeVec3f, TypeVec4f:
		return familyVector
	case TypeString:
		return familyString
	case TypePrim, TypeDict, TypeList, TypeHeatmap:
		return familyObject
	case TypeNull:
		return familyNull
	default:
		return familyOther
	}
}

// Compatible reports whether a link from a param of type from may feed a param of type to.
// Null is the primitive wildcard and prim the object wildcard. Whether a link joins two
// object params or two primitive params is checked by the graph, not here.
func Compatible(from, to Type) bool {
	if from == to {
		return true
	}
	ff, tf := from.family(), to.family()
	if ff == familyNull || tf == familyNull {
		return true
	}
	switch {
	case ff == familyObject && tf == familyObject:
		// prim is the generic object slot; dict/list gather any object.
		return from == TypePrim || to == TypePrim || to.IsCollection()
	case ff == familyScalar && (tf == familyScalar || tf == familyVector):
		return true
	case ff == familyVector && tf == familyVector:
		return from.VectorLen() == to.VectorLen()
	default:
		return false
	}
}

// SocketMode governs how an object value crosses a link into an input param.
type SocketMode string

const (
	// SocketReadOnly hands the consumer a shared alias that it must not mutate.
	SocketReadOnly SocketMode = "readonly"

	// SocketClone hands the consumer a private deep copy.
	SocketClone SocketMode = "clone"

	// SocketOwning moves the value into the consumer; the producer loses access.
	SocketOwning SocketMode = "owning"
)

// Validate checks if the socket mode is valid.
func (m SocketMode) Validate() error {
	switch m {
	case SocketReadOnly, SocketClone, SocketOwning:
		return nil
	default:
		return fmt.Errorf("invalid socket mode: %q", string(m))
	}
}

// LinkMode tells the formula layer whether a linked value is re-resolved on every pull.
type LinkMode string

const (
	LinkCopy      LinkMode = "copy"
	LinkReference LinkMode = "reference"
)

// Validate checks if the link mode is valid.
func (m LinkMode) Validate() error {
	switch m {
	case LinkCopy, LinkReference:
		return nil
	default:
		return fmt.Errorf("invalid link mode: %q", string(m))
	}
}
