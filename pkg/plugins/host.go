package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
)

// Config configures the WASM runtime shared by every plugin class.
type Config struct {
	// Timeout bounds one call of a plugin function. A call that times out closes its
	// module, so later applies of that class fail.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory per module in 64KiB pages.
	MemoryLimitPages uint32
}

// Host compiles WASM plugin modules and turns them into node classes.
type Host struct {
	cfg     Config
	runtime wazero.Runtime
	logger  zerolog.Logger

	mu      sync.Mutex
	modules map[string]api.Module
}

// NewHost creates a runtime with WASI available to modules.
func NewHost(ctx context.Context, cfg Config, logger zerolog.Logger) (*Host, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Host{
		cfg:     cfg,
		runtime: rt,
		logger:  logger.With().Str("component", "plugin-host").Logger(),
		modules: make(map[string]api.Module),
	}, nil
}

// Load instantiates code for m and returns the class descriptor. The exported function
// must take one f64 per declared input and return a single f64.
func (h *Host) Load(ctx context.Context, m *Manifest, code []byte) (graph.Descriptor, error) {
	if err := m.Verify(code); err != nil {
		return graph.Descriptor{}, err
	}

	compiled, err := h.runtime.CompileModule(ctx, code)
	if err != nil {
		return graph.Descriptor{}, fmt.Errorf("failed to compile %s: %w", m.Class, err)
	}
	def, ok := compiled.ExportedFunctions()[m.Function]
	if !ok {
		compiled.Close(ctx)
		return graph.Descriptor{}, fmt.Errorf("module of %s does not export %q", m.Class, m.Function)
	}
	if err := checkSignature(def, len(m.Inputs)); err != nil {
		compiled.Close(ctx)
		return graph.Descriptor{}, fmt.Errorf("%s.%s: %w", m.Class, m.Function, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.modules[m.Class]; dup {
		compiled.Close(ctx)
		return graph.Descriptor{}, fmt.Errorf("plugin class %s is already loaded", m.Class)
	}
	mod, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(m.Class))
	if err != nil {
		compiled.Close(ctx)
		return graph.Descriptor{}, fmt.Errorf("failed to instantiate %s: %w", m.Class, err)
	}
	h.modules[m.Class] = mod

	h.logger.Info().
		Str("class", m.Class).
		Str("function", m.Function).
		Int("inputs", len(m.Inputs)).
		Msg("Plugin class loaded")
	return h.descriptor(m, mod.ExportedFunction(m.Function)), nil
}

func checkSignature(def api.FunctionDefinition, inputs int) error {
	if len(def.ParamTypes()) != inputs {
		return fmt.Errorf("takes %d params, manifest declares %d inputs", len(def.ParamTypes()), inputs)
	}
	for _, t := range def.ParamTypes() {
		if t != api.ValueTypeF64 {
			return fmt.Errorf("param type %s is not f64", api.ValueTypeName(t))
		}
	}
	if res := def.ResultTypes(); len(res) != 1 || res[0] != api.ValueTypeF64 {
		return fmt.Errorf("must return a single f64")
	}
	return nil
}

// descriptor builds the class. Calls into one module are serialized.
func (h *Host) descriptor(m *Manifest, fn api.Function) graph.Descriptor {
	specs := make([]graph.ParamSpec, 0, len(m.Inputs)+1)
	for _, in := range m.Inputs {
		specs = append(specs, graph.In(in.Name, params.TypeFloat, params.Float(in.Default)))
	}
	specs = append(specs, graph.Out(m.Output, params.TypeFloat))

	category := m.Category
	if category == "" {
		category = "plugin"
	}

	var callMu sync.Mutex
	apply := func(ac *graph.ApplyContext) error {
		args := make([]uint64, len(m.Inputs))
		for i, in := range m.Inputs {
			args[i] = api.EncodeF64(ac.Float(in.Name))
		}

		ctx, cancel := context.WithTimeout(ac.Ctx(), h.cfg.Timeout)
		defer cancel()
		callMu.Lock()
		res, err := fn.Call(ctx, args...)
		callMu.Unlock()
		if err != nil {
			return fmt.Errorf("plugin %s: %w", m.Class, err)
		}
		return ac.SetOutputValue(m.Output, params.Float(api.DecodeF64(res[0])))
	}

	return graph.Descriptor{
		Name:     m.Class,
		Category: category,
		Schema:   graph.SimpleSchema(specs...),
		New:      func() graph.Body { return graph.BodyFunc(apply) },
	}
}

// LoadDir loads every *.yaml manifest in dir, ordered by file name.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]graph.Descriptor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	descs := make([]graph.Descriptor, 0, len(paths))
	for _, path := range paths {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		code, err := os.ReadFile(m.ModulePath())
		if err != nil {
			return nil, fmt.Errorf("failed to read module of %s: %w", m.Class, err)
		}
		desc, err := h.Load(ctx, m, code)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Register loads dir and registers its classes with classes.
func (h *Host) Register(ctx context.Context, classes *graph.Registry, dir string) error {
	descs, err := h.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, desc := range descs {
		if err := classes.Register(desc); err != nil {
			return fmt.Errorf("failed to register plugin class %s: %w", desc.Name, err)
		}
	}
	return nil
}

// Close releases every module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.modules = make(map[string]api.Module)
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}
