package params

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// FormulaResolver resolves formula literals to a scalar at a frame.
// Implementations call out to an external expression interpreter.
type FormulaResolver interface {
	ResolveFormula(ctx context.Context, expr string, frame int) (Value, error)
}

// Resolve turns a literal into a concrete value at the given frame and coerces it to the
// declared type. Formula strings go through r, curves are sampled in-core, everything else
// is taken as-is.
func Resolve(ctx context.Context, literal Value, frame int, r FormulaResolver, declared Type) (Value, error) {
	var v Value
	switch x := literal.(type) {
	case nil:
		return Zero(declared), nil
	case String:
		if !IsFormula(x) {
			v = x
			break
		}
		if r == nil {
			return nil, fmt.Errorf("formula %q: no formula resolver configured", string(x))
		}
		res, err := r.ResolveFormula(ctx, FormulaBody(x), frame)
		if err != nil {
			return nil, fmt.Errorf("formula %q: %w", string(x), err)
		}
		v = res
	case *Curve:
		if declared == TypeCurve {
			return x, nil
		}
		v = Float(x.Eval(float64(frame)))
	case Null, Bool, Int, Float, Vec2i, Vec3i, Vec4i, Vec2f, Vec3f, Vec4f:
		v = x
	default:
		return nil, fmt.Errorf("unsupported literal %T", literal)
	}
	if declared == "" {
		return v, nil
	}
	return Convert(v, declared)
}

// FromAny builds a Value from generic document data (YAML/CUE decoded into interface{}).
// Numeric arrays of length 2..4 become vectors; a map with a "keys" list becomes a Curve.
func FromAny(x interface{}) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", v)
		}
		return Int(int64(v)), nil
	case float64:
		return Float(v), nil
	case float32:
		return Float(float64(v)), nil
	case string:
		return String(v), nil
	case []interface{}:
		return vectorFromAny(v)
	case map[string]interface{}:
		return curveFromAny(v)
	default:
		return nil, fmt.Errorf("unsupported literal %T", x)
	}
}

func vectorFromAny(xs []interface{}) (Value, error) {
	if len(xs) < 2 || len(xs) > 4 {
		return nil, fmt.Errorf("vector literal must have 2 to 4 components, got %d", len(xs))
	}
	comps := make([]float64, len(xs))
	allInts := true
	for i, x := range xs {
		switch n := x.(type) {
		case int:
			comps[i] = float64(n)
		case int64:
			comps[i] = float64(n)
		case uint64:
			comps[i] = float64(n)
		case float64:
			comps[i] = n
			allInts = false
		default:
			return nil, fmt.Errorf("vector component %d: unsupported %T", i, x)
		}
	}
	t := map[int]Type{2: TypeVec2f, 3: TypeVec3f, 4: TypeVec4f}[len(xs)]
	if allInts {
		t = map[int]Type{2: TypeVec2i, 3: TypeVec3i, 4: TypeVec4i}[len(xs)]
	}
	return vectorOf(comps, t), nil
}

func curveFromAny(m map[string]interface{}) (Value, error) {
	raw, ok := m["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("map literal must be a curve with a keys list")
	}
	keys := make([]Keyframe, 0, len(raw))
	for i, item := range raw {
		km, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("curve key %d: expected map", i)
		}
		frame, err := toFloat(km["frame"])
		if err != nil {
			return nil, fmt.Errorf("curve key %d frame: %w", i, err)
		}
		value, err := toFloat(km["value"])
		if err != nil {
			return nil, fmt.Errorf("curve key %d value: %w", i, err)
		}
		interp, _ := km["interp"].(string)
		keys = append(keys, Keyframe{Frame: frame, Value: value, Interp: Interp(interp)})
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Frame < keys[j].Frame })
	c := &Curve{Keys: keys}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func toFloat(x interface{}) (float64, error) {
	switch n := x.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", x)
	}
}

// ToAny converts a Value into plain document data accepted by FromAny.
func ToAny(v Value) interface{} {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case Vec2i:
		return intsToAny(x[:])
	case Vec3i:
		return intsToAny(x[:])
	case Vec4i:
		return intsToAny(x[:])
	case Vec2f:
		return floatsToAny(x[:])
	case Vec3f:
		return floatsToAny(x[:])
	case Vec4f:
		return floatsToAny(x[:])
	case *Curve:
		keys := make([]interface{}, len(x.Keys))
		for i, k := range x.Keys {
			m := map[string]interface{}{"frame": k.Frame, "value": k.Value}
			if k.Interp != "" {
				m["interp"] = string(k.Interp)
			}
			keys[i] = m
		}
		return map[string]interface{}{"keys": keys}
	default:
		return nil
	}
}

func intsToAny(xs []int64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func floatsToAny(xs []float64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
