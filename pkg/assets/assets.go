package assets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// ParamInfo declares one input or output of an asset.
type ParamInfo struct {
	Name    string            `yaml:"name" json:"name" validate:"required,excludesall=:/"`
	Type    params.Type       `yaml:"type" json:"type" validate:"required"`
	Socket  params.SocketMode `yaml:"socket,omitempty" json:"socket,omitempty"`
	Default params.Value      `yaml:"-" json:"-"`

	// OldName renames an existing param when used in a ParamChangeSet.
	OldName string `yaml:"old_name,omitempty" json:"old_name,omitempty"`
}

// IsObject reports whether the param carries objects.
func (p ParamInfo) IsObject() bool { return p.Type.IsObject() }

// Asset is a named template graph and its declared schema.
type Asset struct {
	Name    string
	Graph   *graph.Graph
	Inputs  []ParamInfo
	Outputs []ParamInfo
}

// ParamChangeSet is the requested schema of an asset. Params are matched by name, or by
// OldName for renames; current params that are not mentioned are removed.
type ParamChangeSet struct {
	Inputs  []ParamInfo
	Outputs []ParamInfo
}

// SchemaDiff is the outcome of comparing a requested schema with the current one.
type SchemaDiff struct {
	Added   []string
	Removed []string
	Renamed map[string]string
	Changed []string
}

// Empty reports whether the diff changes nothing.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Renamed) == 0 && len(d.Changed) == 0
}

// Manager keeps the asset table of a session and instantiates assets into graphs.
type Manager struct {
	mu     sync.Mutex
	env    *graph.Env
	logger zerolog.Logger

	assets map[string]*Asset

	// instances maps asset name to the uuids of subnet nodes created from it.
	instances map[string][]string
}

// NewManager creates an empty asset manager and installs it as the env asset provider.
func NewManager(env *graph.Env, logger zerolog.Logger) *Manager {
	m := &Manager{
		env:       env,
		logger:    logger.With().Str("component", "assets").Logger(),
		assets:    make(map[string]*Asset),
		instances: make(map[string][]string),
	}
	env.Assets = m
	return m
}

// CreateAsset creates an asset with an empty template graph holding one marker node per
// declared param. Marker nodes are named after their param.
func (m *Manager) CreateAsset(ctx context.Context, name string, inputs, outputs []ParamInfo) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		return nil, engine.NewStructuralError("asset name must not be empty", nil).WithCode(engine.ErrCodeValidation)
	}
	if _, exists := m.assets[name]; exists {
		return nil, engine.NewStructuralError(fmt.Sprintf("asset %q already exists", name), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	if _, isClass := m.env.Classes.Lookup(name); isClass {
		return nil, engine.NewStructuralError(fmt.Sprintf("asset %q shadows a node class", name), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	if err := checkSchema(inputs, outputs); err != nil {
		return nil, err
	}

	a := &Asset{Name: name, Graph: m.env.NewGraph(name)}
	for _, p := range inputs {
		if err := addMarker(ctx, a.Graph, graph.ClassSubInput, p); err != nil {
			m.env.DropGraph(a.Graph)
			return nil, err
		}
	}
	for _, p := range outputs {
		if err := addMarker(ctx, a.Graph, graph.ClassSubOutput, p); err != nil {
			m.env.DropGraph(a.Graph)
			return nil, err
		}
	}
	a.Inputs = cleanInfos(inputs)
	a.Outputs = cleanInfos(outputs)
	m.assets[name] = a

	m.logger.Info().Str("asset", name).Int("inputs", len(inputs)).Int("outputs", len(outputs)).Msg("Asset created")
	m.env.Observers.Notify(telemetry.Event{Topic: telemetry.TopicAssetCreated, Name: name})
	return a, nil
}

func checkSchema(inputs, outputs []ParamInfo) error {
	seen := make(map[string]bool)
	for _, p := range append(append([]ParamInfo(nil), inputs...), outputs...) {
		if p.Name == "" {
			return engine.NewStructuralError("asset param name must not be empty", nil).WithCode(engine.ErrCodeValidation)
		}
		if seen[p.Name] {
			return engine.NewStructuralError(fmt.Sprintf("duplicate asset param %q", p.Name), nil).
				WithCode(engine.ErrCodeAlreadyExists)
		}
		seen[p.Name] = true
		if err := p.Type.Validate(); err != nil {
			return engine.NewStructuralError(fmt.Sprintf("asset param %q", p.Name), err).WithCode(engine.ErrCodeValidation)
		}
		if p.Socket != "" {
			if err := p.Socket.Validate(); err != nil {
				return engine.NewStructuralError(fmt.Sprintf("asset param %q", p.Name), err).WithCode(engine.ErrCodeValidation)
			}
		}
	}
	return nil
}

func cleanInfos(in []ParamInfo) []ParamInfo {
	out := make([]ParamInfo, len(in))
	for i, p := range in {
		p.OldName = ""
		out[i] = p
	}
	return out
}

func addMarker(ctx context.Context, g *graph.Graph, class string, p ParamInfo) error {
	if _, err := g.CreateNode(ctx, class, p.Name); err != nil {
		return err
	}
	return configureMarker(g, class, p)
}

func configureMarker(g *graph.Graph, class string, p ParamInfo) error {
	if err := g.SetParam(p.Name, "type", params.String(string(p.Type))); err != nil {
		return err
	}
	if class != graph.ClassSubInput {
		return nil
	}
	socket := p.Socket
	if socket == "" {
		socket = params.SocketClone
	}
	if err := g.SetParam(p.Name, "socket", params.String(string(socket))); err != nil {
		return err
	}
	if p.Default != nil {
		return g.SetParam(p.Name, "default", p.Default)
	}
	return nil
}

// RemoveAsset deletes an asset. Forked instances keep their nested graphs; an asset with
// live shared instances cannot be removed.
func (m *Manager) RemoveAsset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.lookup(name)
	if err != nil {
		return err
	}
	for _, n := range m.liveInstances(name) {
		if n.Shared() {
			return engine.NewStructuralError(fmt.Sprintf("asset %q is shared by node %q", name, n.Name()), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	m.env.DropGraph(a.Graph)
	delete(m.assets, name)
	delete(m.instances, name)

	m.logger.Info().Str("asset", name).Msg("Asset removed")
	m.env.Observers.Notify(telemetry.Event{Topic: telemetry.TopicAssetRemoved, Name: name})
	return nil
}

// RenameAsset renames an asset and retags its live instances.
func (m *Manager) RenameAsset(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.lookup(oldName)
	if err != nil {
		return err
	}
	if _, exists := m.assets[newName]; exists || newName == "" {
		return engine.NewStructuralError(fmt.Sprintf("cannot rename asset %q to %q", oldName, newName), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	for _, n := range m.liveInstances(oldName) {
		if err := m.env.GraphOf(n).SetNodeClass(n.Name(), newName); err != nil {
			return err
		}
	}
	a.Name = newName
	m.assets[newName] = a
	delete(m.assets, oldName)
	m.instances[newName] = m.instances[oldName]
	delete(m.instances, oldName)

	m.env.Observers.Notify(telemetry.Event{Topic: telemetry.TopicAssetRenamed, Name: newName, OldName: oldName})
	return nil
}

// Asset returns the asset called name.
func (m *Manager) Asset(name string) (*Asset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[name]
	return a, ok
}

// Names returns the asset names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.assets))
	for name := range m.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAsset implements graph.AssetProvider.
func (m *Manager) IsAsset(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.assets[name]
	return ok
}

// InstantiateAsset implements graph.AssetProvider. Instances created inside a template
// graph share their own template so the definition is authored once; instances anywhere
// else are forks.
func (m *Manager) InstantiateAsset(ctx context.Context, g *graph.Graph, asset, nodeName string) (*graph.Node, error) {
	return m.NewInstance(ctx, g, asset, nodeName, m.isTemplate(g))
}

func (m *Manager) isTemplate(g *graph.Graph) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.Graph == g {
			return true
		}
	}
	return false
}

// NewInstance creates a subnet node in g for asset. With createInAsset the node shares the
// template graph; otherwise it owns a fork of it.
func (m *Manager) NewInstance(ctx context.Context, g *graph.Graph, asset, nodeName string, createInAsset bool) (*graph.Node, error) {
	m.mu.Lock()
	a, err := m.lookup(asset)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if a.Graph == g {
		return nil, engine.NewStructuralError(fmt.Sprintf("asset %q cannot contain itself", asset), nil).
			WithCode(engine.ErrCodeCycle)
	}

	n, err := g.NewSubnetInstance(ctx, asset, nodeName, a.Graph, createInAsset)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[asset] = append(m.instances[asset], n.UUID())
	m.mu.Unlock()

	m.logger.Debug().
		Str("asset", asset).
		Str("node", n.Name()).
		Bool("shared", createInAsset).
		Msg("Asset instantiated")
	return n, nil
}

// Instances returns the live nodes created from asset.
func (m *Manager) Instances(asset string) []*graph.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveInstances(asset)
}

// liveInstances drops uuids of removed nodes. Callers hold m.mu.
func (m *Manager) liveInstances(asset string) []*graph.Node {
	var out []*graph.Node
	var keep []string
	for _, id := range m.instances[asset] {
		n, ok := m.env.Node(id)
		if !ok || n.Class() != asset {
			continue
		}
		out = append(out, n)
		keep = append(keep, id)
	}
	m.instances[asset] = keep
	return out
}

func (m *Manager) lookup(name string) (*Asset, error) {
	a, ok := m.assets[name]
	if !ok {
		return nil, engine.NewStructuralError(fmt.Sprintf("asset %q not found", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return a, nil
}
