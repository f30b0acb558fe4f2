package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a primitive param value. The set of implementations is closed:
// Null, Bool, Int, Float, String, Vec2i, Vec3i, Vec4i, Vec2f, Vec3f, Vec4f and *Curve.
type Value interface {
	Type() Type
	String() string
	isValue()
}

type (
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
	Vec2i  [2]int64
	Vec3i  [3]int64
	Vec4i  [4]int64
	Vec2f  [2]float64
	Vec3f  [3]float64
	Vec4f  [4]float64
)

func (Null) Type() Type   { return TypeNull }
func (Bool) Type() Type   { return TypeBool }
func (Int) Type() Type    { return TypeInt }
func (Float) Type() Type  { return TypeFloat }
func (String) Type() Type { return TypeString }
func (Vec2i) Type() Type  { return TypeVec2i }
func (Vec3i) Type() Type  { return TypeVec3i }
func (Vec4i) Type() Type  { return TypeVec4i }
func (Vec2f) Type() Type  { return TypeVec2f }
func (Vec3f) Type() Type  { return TypeVec3f }
func (Vec4f) Type() Type  { return TypeVec4f }

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Int) isValue()    {}
func (Float) isValue()  {}
func (String) isValue() {}
func (Vec2i) isValue()  {}
func (Vec3i) isValue()  {}
func (Vec4i) isValue()  {}
func (Vec2f) isValue()  {}
func (Vec3f) isValue()  {}
func (Vec4f) isValue()  {}

func (Null) String() string     { return "null" }
func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (v Int) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v String) String() string { return string(v) }
func (v Vec2i) String() string  { return joinInts(v[:]) }
func (v Vec3i) String() string  { return joinInts(v[:]) }
func (v Vec4i) String() string  { return joinInts(v[:]) }
func (v Vec2f) String() string  { return joinFloats(v[:]) }
func (v Vec3f) String() string  { return joinFloats(v[:]) }
func (v Vec4f) String() string  { return joinFloats(v[:]) }

func joinInts(xs []int64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.FormatInt(x, 10)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func joinFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FormulaMarker prefixes a string literal that must be resolved by the formula interpreter.
const FormulaMarker = "="

// IsFormula reports whether v is a string literal carrying a formula.
func IsFormula(v Value) bool {
	s, ok := v.(String)
	return ok && strings.HasPrefix(string(s), FormulaMarker)
}

// FormulaBody returns the expression text of a formula literal without its marker.
func FormulaBody(v Value) string {
	s, _ := v.(String)
	return strings.TrimSpace(strings.TrimPrefix(string(s), FormulaMarker))
}

// Components returns the numeric components of a scalar or vector value.
func Components(v Value) ([]float64, bool) {
	switch x := v.(type) {
	case Bool:
		if x {
			return []float64{1}, true
		}
		return []float64{0}, true
	case Int:
		return []float64{float64(x)}, true
	case Float:
		return []float64{float64(x)}, true
	case Vec2i:
		return intsToFloats(x[:]), true
	case Vec3i:
		return intsToFloats(x[:]), true
	case Vec4i:
		return intsToFloats(x[:]), true
	case Vec2f:
		return append([]float64(nil), x[:]...), true
	case Vec3f:
		return append([]float64(nil), x[:]...), true
	case Vec4f:
		return append([]float64(nil), x[:]...), true
	case Null, String, *Curve:
		return nil, false
	default:
		return nil, false
	}
}

func intsToFloats(xs []int64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

// Convert coerces v into a value of type to. Conversions stay within a family:
// scalars convert among bool/int/float, scalars broadcast to vectors, vectors of equal
// length convert between int and float. Anything else is a type mismatch.
func Convert(v Value, to Type) (Value, error) {
	if v == nil {
		return Zero(to), nil
	}
	if v.Type() == to || to == TypeNull {
		return v, nil
	}
	if _, ok := v.(Null); ok {
		return Zero(to), nil
	}
	if _, ok := v.(*Curve); ok {
		return nil, fmt.Errorf("curve literal must be resolved before converting to %s", to)
	}

	comps, numeric := Components(v)
	switch to {
	case TypeBool, TypeInt, TypeFloat:
		if !numeric || len(comps) != 1 {
			return nil, fmt.Errorf("cannot convert %s to %s", v.Type(), to)
		}
		return scalarOf(comps[0], to), nil
	case TypeVec2i, TypeVec3i, TypeVec4i, TypeVec2f, TypeVec3f, TypeVec4f:
		if !numeric {
			return nil, fmt.Errorf("cannot convert %s to %s", v.Type(), to)
		}
		n := to.VectorLen()
		if len(comps) == 1 {
			comps = broadcast(comps[0], n)
		}
		if len(comps) != n {
			return nil, fmt.Errorf("cannot convert %s to %s: length mismatch", v.Type(), to)
		}
		return vectorOf(comps, to), nil
	case TypeString, TypeCurve:
		return nil, fmt.Errorf("cannot convert %s to %s", v.Type(), to)
	default:
		return nil, fmt.Errorf("cannot convert %s to object type %s", v.Type(), to)
	}
}

func broadcast(x float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = x
	}
	return out
}

func scalarOf(x float64, to Type) Value {
	switch to {
	case TypeBool:
		return Bool(x != 0)
	case TypeInt:
		return Int(int64(math.Round(x)))
	default:
		return Float(x)
	}
}

func vectorOf(c []float64, to Type) Value {
	r := func(x float64) int64 { return int64(math.Round(x)) }
	switch to {
	case TypeVec2i:
		return Vec2i{r(c[0]), r(c[1])}
	case TypeVec3i:
		return Vec3i{r(c[0]), r(c[1]), r(c[2])}
	case TypeVec4i:
		return Vec4i{r(c[0]), r(c[1]), r(c[2]), r(c[3])}
	case TypeVec2f:
		return Vec2f{c[0], c[1]}
	case TypeVec3f:
		return Vec3f{c[0], c[1], c[2]}
	default:
		return Vec4f{c[0], c[1], c[2], c[3]}
	}
}

// FromComponents rebuilds a numeric value of type t from its components.
func FromComponents(t Type, comps []float64) (Value, error) {
	switch {
	case t == TypeBool || t == TypeInt || t == TypeFloat:
		if len(comps) != 1 {
			return nil, fmt.Errorf("%s needs 1 component, got %d", t, len(comps))
		}
		return scalarOf(comps[0], t), nil
	case t.VectorLen() > 0:
		if len(comps) != t.VectorLen() {
			return nil, fmt.Errorf("%s needs %d components, got %d", t, t.VectorLen(), len(comps))
		}
		return vectorOf(comps, t), nil
	default:
		return nil, fmt.Errorf("%s is not numeric", t)
	}
}

// Zero returns the zero value of a primitive type. Object types yield Null.
func Zero(t Type) Value {
	switch t {
	case TypeBool:
		return Bool(false)
	case TypeInt:
		return Int(0)
	case TypeFloat:
		return Float(0)
	case TypeString:
		return String("")
	case TypeVec2i:
		return Vec2i{}
	case TypeVec3i:
		return Vec3i{}
	case TypeVec4i:
		return Vec4i{}
	case TypeVec2f:
		return Vec2f{}
	case TypeVec3f:
		return Vec3f{}
	case TypeVec4f:
		return Vec4f{}
	case TypeCurve:
		return &Curve{}
	default:
		return Null{}
	}
}

// Equal reports whether two values have the same type and content.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	if ca, ok := a.(*Curve); ok {
		return ca.Equal(b.(*Curve))
	}
	return a == b
}
