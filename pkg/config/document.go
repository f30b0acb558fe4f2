package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/zengraph/zengraph/pkg/assets"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/params"
)

// Format is the encoding of a graph document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf picks the document format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q", filepath.Ext(path))
	}
}

// GraphDocument is a saved session: the asset table and the main graph.
type GraphDocument struct {
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Variables are bound as formula session variables before the graph is built.
	Variables map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Assets are created in order; an asset may instantiate assets declared before it.
	Assets []AssetDoc `yaml:"assets,omitempty" json:"assets,omitempty" validate:"dive"`

	Main graph.Document `yaml:"main" json:"main"`
}

// AssetDoc describes one asset: its schema and its template graph. Marker nodes for the
// declared params are created with the asset and may be omitted from Graph.
type AssetDoc struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Inputs  []ParamDoc     `yaml:"inputs,omitempty" json:"inputs,omitempty" validate:"dive"`
	Outputs []ParamDoc     `yaml:"outputs,omitempty" json:"outputs,omitempty" validate:"dive"`
	Graph   graph.Document `yaml:"graph" json:"graph"`
}

// ParamDoc declares one asset param.
type ParamDoc struct {
	Name    string      `yaml:"name" json:"name" validate:"required,excludesall=:/"`
	Type    string      `yaml:"type" json:"type" validate:"required"`
	Socket  string      `yaml:"socket,omitempty" json:"socket,omitempty" validate:"omitempty,oneof=readonly clone owning"`
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Info converts the declaration for the asset manager.
func (p ParamDoc) Info() (assets.ParamInfo, error) {
	info := assets.ParamInfo{
		Name:   p.Name,
		Type:   params.Type(p.Type),
		Socket: params.SocketMode(p.Socket),
	}
	if p.Default != nil {
		v, err := params.FromAny(p.Default)
		if err != nil {
			return assets.ParamInfo{}, fmt.Errorf("param %q default: %w", p.Name, err)
		}
		info.Default = v
	}
	return info, nil
}

// ParamInfos converts a list of declarations.
func ParamInfos(docs []ParamDoc) ([]assets.ParamInfo, error) {
	out := make([]assets.ParamInfo, 0, len(docs))
	for _, d := range docs {
		info, err := d.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// DescribeAsset snapshots an asset for saving.
func DescribeAsset(a *assets.Asset) AssetDoc {
	doc := AssetDoc{Name: a.Name}
	for _, p := range a.Inputs {
		doc.Inputs = append(doc.Inputs, describeParam(p))
	}
	for _, p := range a.Outputs {
		doc.Outputs = append(doc.Outputs, describeParam(p))
	}
	if g := a.Graph.Describe(); g != nil {
		doc.Graph = *g
	}
	return doc
}

func describeParam(p assets.ParamInfo) ParamDoc {
	d := ParamDoc{Name: p.Name, Type: string(p.Type), Socket: string(p.Socket)}
	if p.Default != nil {
		d.Default = params.ToAny(p.Default)
	}
	return d
}

// LoadDocument reads and validates a graph document, dispatching on the file extension.
func LoadDocument(path string) (*GraphDocument, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	return ParseDocument(data, format, path)
}

// ParseDocument decodes and validates document content. name labels error positions.
func ParseDocument(data []byte, format Format, name string) (*GraphDocument, error) {
	var err error
	if format == FormatCUE {
		data, err = cueToJSON(data, name)
		if err != nil {
			return nil, err
		}
	}

	// JSON is decoded with the YAML decoder so integer literals stay integers.
	doc := &GraphDocument{}
	switch format {
	case FormatYAML, FormatJSON, FormatCUE:
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to parse document %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}

	if err := NewDocumentValidator().Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// cueToJSON evaluates a CUE document and exports its concrete data. Definitions and
// hidden fields may be used as templates; only regular fields become the document.
func cueToJSON(data []byte, name string) ([]byte, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export document %s: %w", name, err)
	}
	return out, nil
}

// SaveDocument writes doc as YAML or JSON, chosen by the file extension.
func SaveDocument(path string, doc *GraphDocument) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case FormatYAML:
		data, err = yaml.Marshal(doc)
	case FormatJSON:
		data, err = json.MarshalIndent(doc, "", "  ")
	default:
		return fmt.Errorf("cannot write %s documents", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return nil
}

// AssetOrder returns the asset names of doc in declaration order, or an error if a name
// repeats.
func (d *GraphDocument) AssetOrder() ([]string, error) {
	seen := make(map[string]bool, len(d.Assets))
	names := make([]string, 0, len(d.Assets))
	for _, a := range d.Assets {
		if seen[a.Name] {
			return nil, fmt.Errorf("asset %q declared twice", a.Name)
		}
		seen[a.Name] = true
		names = append(names, a.Name)
	}
	return names, nil
}

// VariableNames returns the sorted names of the document variables.
func (d *GraphDocument) VariableNames() []string {
	names := make([]string, 0, len(d.Variables))
	for name := range d.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
