package objects

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zengraph/zengraph/pkg/params"
)

// Codec converts a single object to and from bytes. The frame cache treats it as opaque.
type Codec interface {
	Encode(obj Object) ([]byte, error)
	Decode(data []byte) (Object, error)
}

// Envelope kinds written by MsgpackCodec.
const (
	kindGeometry = "geometry"
	kindDict     = "dict"
	kindList     = "list"
	kindNumber   = "number"
	kindHeatmap  = "heatmap"
)

// wireObject is the tagged envelope for every built-in object kind.
type wireObject struct {
	Kind   string               `msgpack:"k"`
	Meta   map[string]string    `msgpack:"m,omitempty"`
	Points [][3]float64         `msgpack:"p,omitempty"`
	Attrs  map[string][]float64 `msgpack:"a,omitempty"`
	Keys   []string             `msgpack:"ks,omitempty"`
	Items  []*wireObject        `msgpack:"i,omitempty"`
	Type   string               `msgpack:"t,omitempty"`
	Comps  []float64            `msgpack:"c,omitempty"`
	Text   string               `msgpack:"s,omitempty"`
	Curve  []params.Keyframe    `msgpack:"cv,omitempty"`
	Stops  []HeatStop           `msgpack:"hs,omitempty"`
}

// MsgpackCodec is the reference Codec for the built-in object kinds.
type MsgpackCodec struct{}

// NewMsgpackCodec returns a codec for Geometry, Dict, List, Number and Heatmap objects.
func NewMsgpackCodec() *MsgpackCodec { return &MsgpackCodec{} }

func (MsgpackCodec) Encode(obj Object) ([]byte, error) {
	w, err := toWire(obj)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

func (MsgpackCodec) Decode(data []byte) (Object, error) {
	var w wireObject
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object: %w", err)
	}
	return fromWire(&w)
}

func toWire(obj Object) (*wireObject, error) {
	switch o := obj.(type) {
	case nil:
		return nil, fmt.Errorf("cannot encode nil object")
	case *Geometry:
		return &wireObject{Kind: kindGeometry, Meta: o.Metadata, Points: o.Points, Attrs: o.Attrs}, nil
	case *Dict:
		w := &wireObject{Kind: kindDict, Meta: o.Metadata}
		for _, k := range o.Keys() {
			item, err := toWire(o.Items[k])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", k, err)
			}
			w.Keys = append(w.Keys, k)
			w.Items = append(w.Items, item)
		}
		return w, nil
	case *List:
		w := &wireObject{Kind: kindList, Meta: o.Metadata}
		for i, v := range o.Items {
			item, err := toWire(v)
			if err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
			w.Items = append(w.Items, item)
		}
		return w, nil
	case *Number:
		return numberToWire(o.Value)
	case *Heatmap:
		return &wireObject{Kind: kindHeatmap, Stops: o.Stops}, nil
	default:
		return nil, fmt.Errorf("unsupported object type %T", obj)
	}
}

func numberToWire(v params.Value) (*wireObject, error) {
	w := &wireObject{Kind: kindNumber}
	switch x := v.(type) {
	case nil, params.Null:
		w.Type = string(params.TypeNull)
	case params.String:
		w.Type = string(params.TypeString)
		w.Text = string(x)
	case *params.Curve:
		w.Type = string(params.TypeCurve)
		w.Curve = x.Keys
	case params.Bool, params.Int, params.Float,
		params.Vec2i, params.Vec3i, params.Vec4i,
		params.Vec2f, params.Vec3f, params.Vec4f:
		comps, _ := params.Components(x)
		w.Type = string(x.Type())
		w.Comps = comps
	default:
		return nil, fmt.Errorf("unsupported number value %T", v)
	}
	return w, nil
}

func fromWire(w *wireObject) (Object, error) {
	if w == nil {
		return nil, fmt.Errorf("missing object envelope")
	}
	switch w.Kind {
	case kindGeometry:
		g := &Geometry{Points: w.Points, Attrs: w.Attrs, Metadata: w.Meta}
		if g.Attrs == nil {
			g.Attrs = make(map[string][]float64)
		}
		return g, nil
	case kindDict:
		if len(w.Keys) != len(w.Items) {
			return nil, fmt.Errorf("dict has %d keys but %d items", len(w.Keys), len(w.Items))
		}
		d := &Dict{Items: make(map[string]Object, len(w.Keys)), Metadata: w.Meta}
		for i, k := range w.Keys {
			item, err := fromWire(w.Items[i])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", k, err)
			}
			d.Items[k] = item
		}
		return d, nil
	case kindList:
		l := &List{Items: make([]Object, 0, len(w.Items)), Metadata: w.Meta}
		for i, raw := range w.Items {
			item, err := fromWire(raw)
			if err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
			l.Items = append(l.Items, item)
		}
		return l, nil
	case kindNumber:
		return numberFromWire(w)
	case kindHeatmap:
		return &Heatmap{Stops: w.Stops}, nil
	default:
		return nil, fmt.Errorf("unknown object kind %q", w.Kind)
	}
}

func numberFromWire(w *wireObject) (Object, error) {
	switch params.Type(w.Type) {
	case params.TypeNull:
		return &Number{Value: params.Null{}}, nil
	case params.TypeString:
		return &Number{Value: params.String(w.Text)}, nil
	case params.TypeCurve:
		return &Number{Value: params.NewCurve(w.Curve...)}, nil
	default:
		v, err := params.FromComponents(params.Type(w.Type), w.Comps)
		if err != nil {
			return nil, fmt.Errorf("number: %w", err)
		}
		return &Number{Value: v}, nil
	}
}
