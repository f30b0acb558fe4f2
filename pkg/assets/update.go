package assets

import (
	"context"
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
)

// Diff compares a requested param list against the current one.
func Diff(current, requested []ParamInfo) SchemaDiff {
	d := SchemaDiff{Renamed: make(map[string]string)}
	have := make(map[string]ParamInfo, len(current))
	for _, p := range current {
		have[p.Name] = p
	}

	mentioned := make(map[string]bool)
	for _, p := range requested {
		if p.OldName != "" && p.OldName != p.Name {
			if _, ok := have[p.OldName]; ok {
				d.Renamed[p.OldName] = p.Name
				mentioned[p.OldName] = true
				if old := have[p.OldName]; !sameDecl(old, p) {
					d.Changed = append(d.Changed, p.Name)
				}
				continue
			}
		}
		old, ok := have[p.Name]
		if !ok {
			d.Added = append(d.Added, p.Name)
			continue
		}
		mentioned[p.Name] = true
		if !sameDecl(old, p) {
			d.Changed = append(d.Changed, p.Name)
		}
	}
	for _, p := range current {
		if !mentioned[p.Name] {
			d.Removed = append(d.Removed, p.Name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	if len(d.Renamed) == 0 {
		d.Renamed = nil
	}
	return d
}

func sameDecl(a, b ParamInfo) bool {
	return a.Type == b.Type && a.Socket == b.Socket && params.Equal(a.Default, b.Default)
}

// UpdateAssets applies a requested schema to asset name: marker nodes in the template are
// added, removed, renamed or reconfigured, the cached schema is replaced and instances are
// synchronised.
func (m *Manager) UpdateAssets(ctx context.Context, name string, cs ParamChangeSet) (SchemaDiff, error) {
	m.mu.Lock()
	a, err := m.lookup(name)
	m.mu.Unlock()
	if err != nil {
		return SchemaDiff{}, err
	}
	if err := checkSchema(cs.Inputs, cs.Outputs); err != nil {
		return SchemaDiff{}, err
	}

	in := Diff(a.Inputs, cs.Inputs)
	out := Diff(a.Outputs, cs.Outputs)
	edits := []schemaEdit{
		{class: graph.ClassSubInput, diff: in, requested: cs.Inputs},
		{class: graph.ClassSubOutput, diff: out, requested: cs.Outputs},
	}
	if err := checkEdits(a.Graph, edits); err != nil {
		return SchemaDiff{}, err
	}
	if err := applyEdits(ctx, a.Graph, edits); err != nil {
		return SchemaDiff{}, err
	}

	m.mu.Lock()
	a.Inputs = cleanInfos(cs.Inputs)
	a.Outputs = cleanInfos(cs.Outputs)
	m.mu.Unlock()

	diff := merge(in, out)
	m.logger.Info().
		Str("asset", name).
		Strs("added", diff.Added).
		Strs("removed", diff.Removed).
		Strs("changed", diff.Changed).
		Int("renamed", len(diff.Renamed)).
		Msg("Asset schema updated")

	if diff.Empty() {
		return diff, nil
	}
	if _, err := m.SyncInstances(ctx, name); err != nil {
		return diff, err
	}
	return diff, nil
}

// schemaEdit is the marker mutation of one boundary class.
type schemaEdit struct {
	class     string
	diff      SchemaDiff
	requested []ParamInfo
}

// checkEdits rejects a change set that would fail part way through applyEdits, so a
// rejected update leaves the template untouched.
func checkEdits(tmpl *graph.Graph, edits []schemaEdit) error {
	leaving := make(map[string]bool)
	for _, e := range edits {
		for _, name := range e.diff.Removed {
			if err := checkMarker(tmpl, e.class, name); err != nil {
				return err
			}
			leaving[name] = true
		}
		for oldName := range e.diff.Renamed {
			if err := checkMarker(tmpl, e.class, oldName); err != nil {
				return err
			}
			leaving[oldName] = true
		}
	}

	for _, e := range edits {
		arriving := make(map[string]bool, len(e.diff.Added)+len(e.diff.Renamed))
		for _, name := range e.diff.Added {
			arriving[name] = true
		}
		for _, newName := range e.diff.Renamed {
			arriving[newName] = true
		}
		for _, p := range e.requested {
			if c, ok := p.Default.(*params.Curve); ok {
				if err := c.Validate(); err != nil {
					return engine.NewStructuralError(fmt.Sprintf("asset param %q default", p.Name), err).
						WithCode(engine.ErrCodeValidation)
				}
			}
			if !arriving[p.Name] {
				if err := checkMarker(tmpl, e.class, p.Name); err != nil {
					return err
				}
				continue
			}
			if _, taken := tmpl.Node(p.Name); taken && !leaving[p.Name] {
				return engine.NewStructuralError(fmt.Sprintf("asset param %q collides with node %q", p.Name, p.Name), nil).
					WithCode(engine.ErrCodeAlreadyExists).WithOperation("update_assets")
			}
		}
	}
	return nil
}

func checkMarker(tmpl *graph.Graph, class, name string) error {
	n, ok := tmpl.Node(name)
	if !ok {
		return engine.NewStructuralError(fmt.Sprintf("template has no marker %q", name), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("update_assets")
	}
	if n.Class() != class {
		return engine.NewStructuralError(fmt.Sprintf("node %q is a %s, not a %s marker", name, n.Class(), class), nil).
			WithCode(engine.ErrCodeValidation).WithOperation("update_assets")
	}
	return nil
}

// applyEdits removes markers, then renames, then adds and reconfigures. Renames go
// through unused temporary names so that a swap never meets its own target.
func applyEdits(ctx context.Context, tmpl *graph.Graph, edits []schemaEdit) error {
	for _, e := range edits {
		for _, name := range e.diff.Removed {
			if err := tmpl.RemoveNode(name); err != nil {
				return err
			}
		}
	}

	type move struct{ tmp, to string }
	var moves []move
	for _, e := range edits {
		renamed := make([]string, 0, len(e.diff.Renamed))
		for oldName := range e.diff.Renamed {
			renamed = append(renamed, oldName)
		}
		sort.Strings(renamed)
		for _, oldName := range renamed {
			tmp := unusedName(tmpl, oldName)
			if err := tmpl.RenameNode(oldName, tmp); err != nil {
				return err
			}
			moves = append(moves, move{tmp: tmp, to: e.diff.Renamed[oldName]})
		}
	}
	for _, mv := range moves {
		if err := tmpl.RenameNode(mv.tmp, mv.to); err != nil {
			return err
		}
	}

	for _, e := range edits {
		added := make(map[string]bool, len(e.diff.Added))
		for _, name := range e.diff.Added {
			added[name] = true
		}
		for _, p := range e.requested {
			if added[p.Name] {
				if err := addMarker(ctx, tmpl, e.class, p); err != nil {
					return err
				}
				continue
			}
			if err := configureMarker(tmpl, e.class, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func unusedName(g *graph.Graph, base string) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s~%d", base, i)
		if _, taken := g.Node(name); !taken {
			return name
		}
	}
}

func merge(a, b SchemaDiff) SchemaDiff {
	out := SchemaDiff{
		Added:   append(append([]string(nil), a.Added...), b.Added...),
		Removed: append(append([]string(nil), a.Removed...), b.Removed...),
		Changed: append(append([]string(nil), a.Changed...), b.Changed...),
	}
	for k, v := range a.Renamed {
		if out.Renamed == nil {
			out.Renamed = make(map[string]string)
		}
		out.Renamed[k] = v
	}
	for k, v := range b.Renamed {
		if out.Renamed == nil {
			out.Renamed = make(map[string]string)
		}
		out.Renamed[k] = v
	}
	return out
}

// SyncInstances brings live instances of asset name up to date with its template. Locked
// forks are rebuilt; edited forks are left alone with a warning; shared instances only
// refresh their params. It returns the number of rebuilt instances.
func (m *Manager) SyncInstances(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	a, err := m.lookup(name)
	var nodes []*graph.Node
	if err == nil {
		nodes = m.liveInstances(name)
	}
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	want, err := graph.SubnetSpecs(a.Graph)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, n := range nodes {
		g := m.env.GraphOf(n)
		switch {
		case n.Shared():
			if err := g.SyncSubnetParams(n.Name()); err != nil {
				return rebuilt, err
			}
			g.MarkDirty(n, true, true, true)
		case n.Locked():
			if err := g.RebuildInstance(ctx, n, a.Graph); err != nil {
				return rebuilt, err
			}
			rebuilt++
		default:
			added, removed := specDelta(n.Specs(), want)
			m.logger.Warn().
				Str("asset", name).
				Str("node", n.Name()).
				Strs("missing", added).
				Strs("extra", removed).
				Msg("Edited asset instance left out of sync with its template")
		}
	}
	return rebuilt, nil
}

// specDelta lists params in want that have lacks, and params have carries that want does not.
func specDelta(have, want []graph.ParamSpec) (missing, extra []string) {
	key := func(s graph.ParamSpec) string { return string(s.Kind) + ":" + s.Name + ":" + string(s.Type) }
	h := make(map[string]bool, len(have))
	for _, s := range have {
		h[key(s)] = true
	}
	w := make(map[string]bool, len(want))
	for _, s := range want {
		w[key(s)] = true
		if !h[key(s)] {
			missing = append(missing, s.Name)
		}
	}
	for _, s := range have {
		if !w[key(s)] {
			extra = append(extra, s.Name)
		}
	}
	return missing, extra
}
