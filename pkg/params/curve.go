package params

import (
	"fmt"
	"sort"
	"strings"
)

// Interp is the interpolation used between a keyframe and the next one.
type Interp string

const (
	InterpConstant Interp = "constant"
	InterpLinear   Interp = "linear"
	InterpSmooth   Interp = "smooth"
)

// Keyframe is one control point of a Curve.
type Keyframe struct {
	Frame  float64 `json:"frame" yaml:"frame"`
	Value  float64 `json:"value" yaml:"value"`
	Interp Interp  `json:"interp,omitempty" yaml:"interp,omitempty"`
}

// Curve is a keyframed-curve literal. It resolves in-core to a Float at a given frame.
type Curve struct {
	Keys []Keyframe `json:"keys" yaml:"keys"`
}

func (*Curve) Type() Type { return TypeCurve }
func (*Curve) isValue()   {}

func (c *Curve) String() string {
	if c == nil || len(c.Keys) == 0 {
		return "curve()"
	}
	parts := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		parts[i] = fmt.Sprintf("%g:%g", k.Frame, k.Value)
	}
	return "curve(" + strings.Join(parts, " ") + ")"
}

// NewCurve builds a curve with keys sorted by frame.
func NewCurve(keys ...Keyframe) *Curve {
	c := &Curve{Keys: append([]Keyframe(nil), keys...)}
	sort.SliceStable(c.Keys, func(i, j int) bool { return c.Keys[i].Frame < c.Keys[j].Frame })
	return c
}

// Eval samples the curve. Frames outside the key range clamp to the end values.
// The interpolation of a key governs the segment that starts at it.
func (c *Curve) Eval(frame float64) float64 {
	if c == nil || len(c.Keys) == 0 {
		return 0
	}
	keys := c.Keys
	if frame <= keys[0].Frame {
		return keys[0].Value
	}
	last := keys[len(keys)-1]
	if frame >= last.Frame {
		return last.Value
	}
	i := sort.Search(len(keys), func(i int) bool { return keys[i].Frame > frame }) - 1
	a, b := keys[i], keys[i+1]
	span := b.Frame - a.Frame
	if span <= 0 {
		return b.Value
	}
	t := (frame - a.Frame) / span
	switch a.Interp {
	case InterpConstant:
		return a.Value
	case InterpSmooth:
		t = t * t * (3 - 2*t)
	}
	return a.Value + (b.Value-a.Value)*t
}

// Equal reports whether two curves have identical keys.
func (c *Curve) Equal(o *Curve) bool {
	if c == nil || o == nil {
		return c == o
	}
	if len(c.Keys) != len(o.Keys) {
		return false
	}
	for i := range c.Keys {
		if c.Keys[i] != o.Keys[i] {
			return false
		}
	}
	return true
}

// Validate checks key ordering and interpolation names.
func (c *Curve) Validate() error {
	for i, k := range c.Keys {
		switch k.Interp {
		case "", InterpConstant, InterpLinear, InterpSmooth:
		default:
			return fmt.Errorf("curve key %d: invalid interpolation %q", i, k.Interp)
		}
		if i > 0 && k.Frame < c.Keys[i-1].Frame {
			return fmt.Errorf("curve key %d: frames must be ascending", i)
		}
	}
	return nil
}
