package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/zengraph/zengraph/pkg/params"
)

// ResultVar is the global a multi-statement formula assigns its value to.
const ResultVar = "result"

// Config holds resolver configuration.
type Config struct {
	// Timeout bounds a single evaluation.
	Timeout time.Duration

	// MaxSteps bounds the Starlark execution steps of a single evaluation.
	MaxSteps uint64

	// FPS converts frame ids to seconds for the "time" variable.
	FPS float64
}

// Resolver evaluates formula literals with Starlark. The current frame is bound to
// "frame" (and "F"), seconds to "time" (and "T"); session variables set with SetVar
// are visible as globals.
type Resolver struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.RWMutex
	vars map[string]starlark.Value
}

// NewResolver creates a formula resolver.
func NewResolver(cfg Config, logger zerolog.Logger) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 1_000_000
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 24
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger.With().Str("component", "formula").Logger(),
		vars:   make(map[string]starlark.Value),
	}
}

// SetVar binds a session variable visible to every formula.
func (r *Resolver) SetVar(name string, v params.Value) error {
	sv, err := toStarlark(params.ToAny(v))
	if err != nil {
		return fmt.Errorf("failed to convert variable %s: %w", name, err)
	}
	sv.Freeze()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[name] = sv
	return nil
}

// Vars returns the names of the bound session variables.
func (r *Resolver) Vars() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveFormula implements params.FormulaResolver. expr is either a single expression
// or a script assigning ResultVar.
func (r *Resolver) ResolveFormula(ctx context.Context, expr string, frame int) (params.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "formula",
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Debug().Int("frame", frame).Str("msg", msg).Msg("Formula print")
		},
	}
	thread.SetMaxExecutionSteps(r.cfg.MaxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	env := r.predeclared(frame)
	v, err := r.eval(thread, expr, env)
	if err != nil {
		return nil, err
	}
	return fromStarlark(v)
}

func (r *Resolver) eval(thread *starlark.Thread, expr string, env starlark.StringDict) (starlark.Value, error) {
	if _, err := syntax.ParseExpr("formula", expr, 0); err == nil {
		v, err := starlark.Eval(thread, "formula", expr, env)
		if err != nil {
			return nil, fmt.Errorf("formula evaluation failed: %w", err)
		}
		return v, nil
	}

	globals, err := starlark.ExecFile(thread, "formula.star", expr, env)
	if err != nil {
		return nil, fmt.Errorf("formula execution failed: %w", err)
	}
	v, ok := globals[ResultVar]
	if !ok {
		return nil, fmt.Errorf("formula script does not assign %q", ResultVar)
	}
	return v, nil
}

func (r *Resolver) predeclared(frame int) starlark.StringDict {
	seconds := starlark.Float(float64(frame) / r.cfg.FPS)
	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"math":   math.Module,
		"frame":  starlark.MakeInt(frame),
		"F":      starlark.MakeInt(frame),
		"time":   seconds,
		"T":      seconds,
		"fps":    starlark.Float(r.cfg.FPS),
		"clamp":  starlark.NewBuiltin("clamp", builtinClamp),
		"lerp":   starlark.NewBuiltin("lerp", builtinLerp),
		"fit":    starlark.NewBuiltin("fit", builtinFit),
	}
	r.mu.RLock()
	for name, v := range r.vars {
		env[name] = v
	}
	r.mu.RUnlock()
	return env
}

// toStarlark converts a params.ToAny value to a Starlark value.
func toStarlark(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make(starlark.Tuple, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return items, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlark converts a formula result to a scalar or vector value.
func fromStarlark(v starlark.Value) (params.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return params.Null{}, nil
	case starlark.Bool:
		return params.Bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return params.Int(i), nil
	case starlark.Float:
		return params.Float(val), nil
	case starlark.String:
		return params.String(val), nil
	case starlark.Indexable:
		return vectorFromStarlark(val)
	default:
		return nil, fmt.Errorf("formula result of type %s is not a scalar", v.Type())
	}
}

func vectorFromStarlark(seq starlark.Indexable) (params.Value, error) {
	n := seq.Len()
	if n < 2 || n > 4 {
		return nil, fmt.Errorf("formula result has %d components, want 2 to 4", n)
	}
	comps := make([]float64, n)
	allInts := true
	for i := 0; i < n; i++ {
		x, ok := starlark.AsFloat(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("component %d of type %s is not numeric", i, seq.Index(i).Type())
		}
		if _, isInt := seq.Index(i).(starlark.Int); !isInt {
			allInts = false
		}
		comps[i] = x
	}
	t := []params.Type{params.TypeVec2f, params.TypeVec3f, params.TypeVec4f}[n-2]
	if allInts {
		t = []params.Type{params.TypeVec2i, params.TypeVec3i, params.TypeVec4i}[n-2]
	}
	return params.FromComponents(t, comps)
}

// Built-in formula helpers

// floatArgs unpacks positional or keyword numeric arguments, accepting ints and floats.
func floatArgs(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, names ...string) ([]float64, error) {
	raw := make([]starlark.Value, len(names))
	pairs := make([]interface{}, 0, 2*len(names))
	for i, name := range names {
		pairs = append(pairs, name, &raw[i])
	}
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, pairs...); err != nil {
		return nil, err
	}
	out := make([]float64, len(names))
	for i, v := range raw {
		f, ok := starlark.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a number, got %s", b.Name(), names[i], v.Type())
		}
		out[i] = f
	}
	return out, nil
}

func builtinClamp(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	v, err := floatArgs(b, args, kwargs, "x", "lo", "hi")
	if err != nil {
		return nil, err
	}
	x, lo, hi := v[0], v[1], v[2]
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}
	return starlark.Float(x), nil
}

func builtinLerp(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	v, err := floatArgs(b, args, kwargs, "a", "b", "t")
	if err != nil {
		return nil, err
	}
	return starlark.Float(v[0] + (v[1]-v[0])*v[2]), nil
}

// builtinFit remaps x from [src_lo, src_hi] to [dst_lo, dst_hi], clamping to the source range.
func builtinFit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	v, err := floatArgs(b, args, kwargs, "x", "src_lo", "src_hi", "dst_lo", "dst_hi")
	if err != nil {
		return nil, err
	}
	x, srcLo, srcHi, dstLo, dstHi := v[0], v[1], v[2], v[3], v[4]
	if srcHi == srcLo {
		return starlark.Float(dstLo), nil
	}
	t := (x - srcLo) / (srcHi - srcLo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return starlark.Float(dstLo + (dstHi-dstLo)*t), nil
}
