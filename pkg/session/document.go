package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/config"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
)

// DocumentVersion is written into saved documents.
const DocumentVersion = "1"

// LoadDocument builds the variables, assets and main graph of doc inside one API call,
// so an auto-running session evaluates once when loading completes. Nothing is run when
// loading fails.
func (s *Session) LoadDocument(ctx context.Context, doc *config.GraphDocument) error {
	s.BeginAPICall()
	if err := s.loadDocument(ctx, doc); err != nil {
		_ = s.endAPICall(ctx, false)
		return err
	}
	return s.EndAPICall(ctx)
}

func (s *Session) loadDocument(ctx context.Context, doc *config.GraphDocument) error {
	if _, err := doc.AssetOrder(); err != nil {
		return err
	}
	for _, name := range doc.VariableNames() {
		v, err := params.FromAny(doc.Variables[name])
		if err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
		if err := s.SetVar(name, v); err != nil {
			return err
		}
	}
	for _, ad := range doc.Assets {
		if err := s.loadAsset(ctx, ad); err != nil {
			return fmt.Errorf("asset %q: %w", ad.Name, err)
		}
	}
	if err := s.main.Load(ctx, &doc.Main); err != nil {
		return fmt.Errorf("main graph: %w", err)
	}

	s.logger.Info().
		Int("assets", len(doc.Assets)).
		Int("nodes", s.main.Len()).
		Int("variables", len(doc.Variables)).
		Msg("Document loaded")
	return nil
}

// loadAsset creates the asset and loads its template graph. The marker nodes of the
// declared params already exist, so document nodes matching them are skipped.
func (s *Session) loadAsset(ctx context.Context, ad config.AssetDoc) error {
	inputs, err := config.ParamInfos(ad.Inputs)
	if err != nil {
		return err
	}
	outputs, err := config.ParamInfos(ad.Outputs)
	if err != nil {
		return err
	}
	a, err := s.assets.CreateAsset(ctx, ad.Name, inputs, outputs)
	if err != nil {
		return err
	}

	markers := make(map[string]string, len(inputs)+len(outputs))
	for _, p := range inputs {
		markers[p.Name] = graph.ClassSubInput
	}
	for _, p := range outputs {
		markers[p.Name] = graph.ClassSubOutput
	}
	tmpl := graph.Document{Links: ad.Graph.Links}
	for _, nd := range ad.Graph.Nodes {
		if class, ok := markers[nd.Name]; ok && class == nd.Class {
			continue
		}
		tmpl.Nodes = append(tmpl.Nodes, nd)
	}
	return a.Graph.Load(ctx, &tmpl)
}

// Document snapshots the session for saving. Assets are ordered so that every asset
// follows the assets its template instantiates.
func (s *Session) Document() *config.GraphDocument {
	doc := &config.GraphDocument{Version: DocumentVersion}

	s.mu.Lock()
	if len(s.vars) > 0 {
		doc.Variables = make(map[string]interface{}, len(s.vars))
		for name, v := range s.vars {
			doc.Variables[name] = params.ToAny(v)
		}
	}
	s.mu.Unlock()

	described := make(map[string]config.AssetDoc)
	for _, name := range s.assets.Names() {
		if a, ok := s.assets.Asset(name); ok {
			described[name] = config.DescribeAsset(a)
		}
	}
	for _, name := range assetOrder(described) {
		doc.Assets = append(doc.Assets, described[name])
	}

	if main := s.main.Describe(); main != nil {
		doc.Main = *main
	}
	return doc
}

// assetOrder sorts asset names so dependencies come first. Ties are broken by name.
func assetOrder(docs map[string]config.AssetDoc) []string {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	done := make(map[string]bool, len(docs))
	order := make([]string, 0, len(docs))
	var visit func(name string)
	visit = func(name string) {
		if done[name] {
			return
		}
		done[name] = true
		ad := docs[name]
		for _, dep := range classesOf(&ad.Graph) {
			if _, isAsset := docs[dep]; isAsset {
				visit(dep)
			}
		}
		order = append(order, name)
	}
	for _, name := range names {
		visit(name)
	}
	return order
}

// classesOf returns the sorted node classes used in doc and its nested graphs.
func classesOf(doc *graph.Document) []string {
	seen := make(map[string]bool)
	var walk func(d *graph.Document)
	walk = func(d *graph.Document) {
		for _, nd := range d.Nodes {
			seen[nd.Class] = true
			if nd.Graph != nil {
				walk(nd.Graph)
			}
		}
	}
	walk(doc)

	out := make([]string, 0, len(seen))
	for class := range seen {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
