// Package objects defines the values that travel along object links between nodes,
// the opaque codec boundary used by the frame cache and the process-wide object registry.
package objects

import (
	"sort"

	"github.com/zengraph/zengraph/pkg/params"
)

// Object is a value produced by a node output and consumed through an object link.
type Object interface {
	// Clone returns a deep copy that shares no mutable state with the receiver.
	Clone() Object

	// Meta returns descriptive metadata. The "kind" key drives cache classification and
	// "viewport"="hidden" keeps the object out of the viewport index.
	Meta() map[string]string
}

// Metadata keys and values understood by the engine.
const (
	MetaKind     = "kind"
	MetaViewport = "viewport"

	KindLight    = "light"
	KindCamera   = "camera"
	KindMaterial = "material"

	ViewportHidden = "hidden"
)

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Geometry is the generic "prim" object: a point cloud with named per-point attributes.
type Geometry struct {
	Points   [][3]float64
	Attrs    map[string][]float64
	Metadata map[string]string
}

// NewGeometry returns an empty geometry.
func NewGeometry() *Geometry {
	return &Geometry{Attrs: make(map[string][]float64)}
}

func (g *Geometry) Meta() map[string]string { return g.Metadata }

// SetMeta sets one metadata entry.
func (g *Geometry) SetMeta(key, value string) {
	if g.Metadata == nil {
		g.Metadata = make(map[string]string)
	}
	g.Metadata[key] = value
}

func (g *Geometry) Clone() Object {
	out := &Geometry{
		Points:   append([][3]float64(nil), g.Points...),
		Attrs:    make(map[string][]float64, len(g.Attrs)),
		Metadata: cloneMeta(g.Metadata),
	}
	for k, v := range g.Attrs {
		out.Attrs[k] = append([]float64(nil), v...)
	}
	return out
}

// Dict is a string-keyed collection of objects. It is the fan-in target of dict params.
type Dict struct {
	Items    map[string]Object
	Metadata map[string]string
}

func NewDict() *Dict {
	return &Dict{Items: make(map[string]Object)}
}

func (d *Dict) Meta() map[string]string { return d.Metadata }

// Set stores obj under key, replacing any previous entry.
func (d *Dict) Set(key string, obj Object) {
	if d.Items == nil {
		d.Items = make(map[string]Object)
	}
	d.Items[key] = obj
}

// Get returns the object stored under key.
func (d *Dict) Get(key string) (Object, bool) {
	obj, ok := d.Items[key]
	return obj, ok
}

// Keys returns the dict keys in sorted order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, len(d.Items))
	for k := range d.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Dict) Len() int { return len(d.Items) }

func (d *Dict) Clone() Object {
	out := &Dict{Items: make(map[string]Object, len(d.Items)), Metadata: cloneMeta(d.Metadata)}
	for k, v := range d.Items {
		if v != nil {
			v = v.Clone()
		}
		out.Items[k] = v
	}
	return out
}

// List is an ordered collection of objects. It is the fan-in target of list params.
type List struct {
	Items    []Object
	Metadata map[string]string
}

func NewList(items ...Object) *List {
	return &List{Items: items}
}

func (l *List) Meta() map[string]string { return l.Metadata }

func (l *List) Append(obj Object) { l.Items = append(l.Items, obj) }

func (l *List) Len() int { return len(l.Items) }

func (l *List) Clone() Object {
	out := &List{Items: make([]Object, len(l.Items)), Metadata: cloneMeta(l.Metadata)}
	for i, v := range l.Items {
		if v != nil {
			v = v.Clone()
		}
		out.Items[i] = v
	}
	return out
}

// Number boxes a primitive value so it can be stored in a Dict or List.
type Number struct {
	Value params.Value
}

func NewNumber(v params.Value) *Number { return &Number{Value: v} }

func (n *Number) Meta() map[string]string { return nil }

// Clone copies the box. Primitive values are immutable except curves, which are copied.
func (n *Number) Clone() Object {
	if c, ok := n.Value.(*params.Curve); ok {
		return &Number{Value: params.NewCurve(c.Keys...)}
	}
	return &Number{Value: n.Value}
}

// HeatStop is one color stop of a Heatmap ramp.
type HeatStop struct {
	Pos   float64
	Color [3]float64
}

// Heatmap is a color ramp used to map scalar attributes to colors.
type Heatmap struct {
	Stops []HeatStop
}

func (h *Heatmap) Meta() map[string]string { return nil }

func (h *Heatmap) Clone() Object {
	return &Heatmap{Stops: append([]HeatStop(nil), h.Stops...)}
}

// Sample returns the ramp color at position t, clamping outside the stop range.
func (h *Heatmap) Sample(t float64) [3]float64 {
	if len(h.Stops) == 0 {
		return [3]float64{}
	}
	stops := append([]HeatStop(nil), h.Stops...)
	sort.Slice(stops, func(i, j int) bool { return stops[i].Pos < stops[j].Pos })
	if t <= stops[0].Pos {
		return stops[0].Color
	}
	for i := 1; i < len(stops); i++ {
		if t <= stops[i].Pos {
			a, b := stops[i-1], stops[i]
			f := (t - a.Pos) / (b.Pos - a.Pos)
			var c [3]float64
			for j := range c {
				c[j] = a.Color[j] + (b.Color[j]-a.Color[j])*f
			}
			return c
		}
	}
	return stops[len(stops)-1].Color
}

// KindOf returns the metadata kind of obj, or "" when unset.
func KindOf(obj Object) string {
	if obj == nil {
		return ""
	}
	return obj.Meta()[MetaKind]
}

// Hidden reports whether obj opted out of the viewport index.
func Hidden(obj Object) bool {
	if obj == nil {
		return false
	}
	return obj.Meta()[MetaViewport] == ViewportHidden
}
