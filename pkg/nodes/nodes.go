package nodes

import (
	"fmt"
	"math"

	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
)

// Class names of the reference library.
const (
	ClassMakeBox         = "MakeBox"
	ClassTransform       = "Transform"
	ClassMakeDict        = "MakeDict"
	ClassMakeList        = "MakeList"
	ClassNumericFloat    = "NumericFloat"
	ClassNumericOperator = "NumericOperator"
	ClassLight           = "Light"
	ClassCamera          = "Camera"
	ClassMaterial        = "Material"
	ClassPrint           = "Print"
)

// Descriptors returns the class descriptors of the reference library.
func Descriptors() []graph.Descriptor {
	zero3 := params.Vec3f{0, 0, 0}
	one3 := params.Vec3f{1, 1, 1}

	return []graph.Descriptor{
		{
			Name:     ClassMakeBox,
			Category: "primitive",
			Schema: graph.SimpleSchema(
				graph.In("size", params.TypeFloat, params.Float(1)),
				graph.In("center", params.TypeVec3f, zero3),
				graph.Out("out", params.TypePrim),
			),
			New: body(makeBox),
		},
		{
			Name:     ClassTransform,
			Category: "primitive",
			Schema: graph.Schema{Tabs: []graph.Tab{{
				Name: "Transform",
				Groups: []graph.Group{
					{Name: "Input", Params: []graph.ParamSpec{
						graph.InSocket("in", params.TypePrim, params.SocketClone),
					}},
					{Name: "Transform", Params: []graph.ParamSpec{
						graph.In("translate", params.TypeVec3f, zero3),
						graph.In("scale", params.TypeVec3f, one3),
					}},
					{Name: "Output", Params: []graph.ParamSpec{
						graph.Out("out", params.TypePrim),
					}},
				},
			}}},
			New: body(transform),
		},
		{
			Name:     ClassMakeDict,
			Category: "container",
			Schema: graph.SimpleSchema(
				graph.In("items", params.TypeDict, nil),
				graph.Out("out", params.TypeDict),
				graph.Out("count", params.TypeInt),
			),
			New: body(makeDict),
		},
		{
			Name:     ClassMakeList,
			Category: "container",
			Schema: graph.SimpleSchema(
				graph.In("items", params.TypeList, nil),
				graph.Out("out", params.TypeList),
				graph.Out("count", params.TypeInt),
			),
			New: body(makeList),
		},
		{
			Name:     ClassNumericFloat,
			Category: "numeric",
			Schema: graph.SimpleSchema(
				graph.In("value", params.TypeFloat, params.Float(0)),
				graph.Out("value", params.TypeFloat),
			),
			New: body(numericFloat),
		},
		{
			Name:     ClassNumericOperator,
			Category: "numeric",
			Schema: graph.SimpleSchema(
				graph.In("op_type", params.TypeString, params.String("add")),
				graph.In("lhs", params.TypeFloat, params.Float(0)),
				graph.In("rhs", params.TypeFloat, params.Float(0)),
				graph.Out("ret", params.TypeFloat),
			),
			New: body(numericOperator),
		},
		{
			Name:     ClassLight,
			Category: "scene",
			Schema: graph.SimpleSchema(
				graph.In("position", params.TypeVec3f, params.Vec3f{0, 10, 0}),
				graph.In("color", params.TypeVec3f, one3),
				graph.In("intensity", params.TypeFloat, params.Float(1)),
				graph.Out("out", params.TypePrim),
			),
			New: body(light),
		},
		{
			Name:     ClassCamera,
			Category: "scene",
			Schema: graph.SimpleSchema(
				graph.In("position", params.TypeVec3f, params.Vec3f{0, 0, 10}),
				graph.In("target", params.TypeVec3f, zero3),
				graph.In("fov", params.TypeFloat, params.Float(45)),
				graph.Out("out", params.TypePrim),
			),
			New: body(camera),
		},
		{
			Name:     ClassMaterial,
			Category: "scene",
			Schema: graph.SimpleSchema(
				graph.In("mtlid", params.TypeString, params.String("default")),
				graph.In("base_color", params.TypeVec3f, params.Vec3f{0.8, 0.8, 0.8}),
				graph.In("roughness", params.TypeFloat, params.Float(0.5)),
				graph.Out("out", params.TypePrim),
			),
			New: body(material),
		},
		{
			Name:     ClassPrint,
			Category: "debug",
			Schema: graph.SimpleSchema(
				graph.InSocket("in", params.TypePrim, params.SocketReadOnly),
				graph.In("label", params.TypeString, params.String("")),
			),
			New: body(printObject),
		},
	}
}

// Register adds the reference library to reg.
func Register(reg *graph.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func body(f func(*graph.ApplyContext) error) func() graph.Body {
	return func() graph.Body { return graph.BodyFunc(f) }
}

func vec3(ac *graph.ApplyContext, name string) [3]float64 {
	var out [3]float64
	if c, ok := params.Components(ac.InputValue(name)); ok {
		copy(out[:], c)
	}
	return out
}

func makeBox(ac *graph.ApplyContext) error {
	half := ac.Float("size") / 2
	c := vec3(ac, "center")
	geo := objects.NewGeometry()
	for _, x := range []float64{-half, half} {
		for _, y := range []float64{-half, half} {
			for _, z := range []float64{-half, half} {
				geo.Points = append(geo.Points, [3]float64{c[0] + x, c[1] + y, c[2] + z})
			}
		}
	}
	return ac.SetOutput("out", geo)
}

// transform edits its input in place; the clone socket guarantees the copy is private.
func transform(ac *graph.ApplyContext) error {
	geo, ok := ac.Input("in").(*objects.Geometry)
	if !ok {
		geo = objects.NewGeometry()
	}
	t := vec3(ac, "translate")
	s := vec3(ac, "scale")
	for i, p := range geo.Points {
		for j := range p {
			p[j] = p[j]*s[j] + t[j]
		}
		geo.Points[i] = p
	}
	return ac.SetOutput("out", geo)
}

func makeDict(ac *graph.ApplyContext) error {
	d, ok := ac.Input("items").(*objects.Dict)
	if !ok {
		d = objects.NewDict()
	}
	if err := ac.SetOutput("out", d); err != nil {
		return err
	}
	return ac.SetOutputValue("count", params.Int(d.Len()))
}

func makeList(ac *graph.ApplyContext) error {
	l, ok := ac.Input("items").(*objects.List)
	if !ok {
		l = objects.NewList()
	}
	if err := ac.SetOutput("out", l); err != nil {
		return err
	}
	return ac.SetOutputValue("count", params.Int(l.Len()))
}

func numericFloat(ac *graph.ApplyContext) error {
	return ac.SetOutputValue("value", params.Float(ac.Float("value")))
}

func numericOperator(ac *graph.ApplyContext) error {
	lhs, rhs := ac.Float("lhs"), ac.Float("rhs")
	var ret float64
	switch op := ac.Str("op_type"); op {
	case "add":
		ret = lhs + rhs
	case "sub":
		ret = lhs - rhs
	case "mul":
		ret = lhs * rhs
	case "div":
		if rhs == 0 {
			return fmt.Errorf("division by zero")
		}
		ret = lhs / rhs
	case "min":
		ret = math.Min(lhs, rhs)
	case "max":
		ret = math.Max(lhs, rhs)
	case "pow":
		ret = math.Pow(lhs, rhs)
	default:
		return fmt.Errorf("unknown operator %q", op)
	}
	return ac.SetOutputValue("ret", params.Float(ret))
}

func light(ac *graph.ApplyContext) error {
	geo := objects.NewGeometry()
	geo.SetMeta(objects.MetaKind, objects.KindLight)
	geo.Points = [][3]float64{vec3(ac, "position")}
	c := vec3(ac, "color")
	geo.Attrs["color"] = c[:]
	geo.Attrs["intensity"] = []float64{ac.Float("intensity")}
	return ac.SetOutput("out", geo)
}

func camera(ac *graph.ApplyContext) error {
	geo := objects.NewGeometry()
	geo.SetMeta(objects.MetaKind, objects.KindCamera)
	geo.SetMeta(objects.MetaViewport, objects.ViewportHidden)
	geo.Points = [][3]float64{vec3(ac, "position"), vec3(ac, "target")}
	geo.Attrs["fov"] = []float64{ac.Float("fov")}
	return ac.SetOutput("out", geo)
}

func material(ac *graph.ApplyContext) error {
	geo := objects.NewGeometry()
	geo.SetMeta(objects.MetaKind, objects.KindMaterial)
	geo.SetMeta("mtlid", ac.Str("mtlid"))
	c := vec3(ac, "base_color")
	geo.Attrs["base_color"] = c[:]
	geo.Attrs["roughness"] = []float64{ac.Float("roughness")}
	return ac.SetOutput("out", geo)
}

func printObject(ac *graph.ApplyContext) error {
	logger := ac.Logger()
	ev := logger.Info().Str("label", ac.Str("label"))
	switch obj := ac.Input("in").(type) {
	case nil:
		ev.Msg("Print: no input")
	case *objects.Geometry:
		ev.Int("points", len(obj.Points)).Int("attrs", len(obj.Attrs)).Msg("Print")
	default:
		ev.Str("type", fmt.Sprintf("%T", obj)).Msg("Print")
	}
	return nil
}
