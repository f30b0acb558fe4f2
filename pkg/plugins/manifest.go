package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest declares a node class whose body is an exported function of a WASM module.
// The function takes one f64 per input, in order, and returns one f64.
type Manifest struct {
	Class    string `yaml:"class" validate:"required,excludesall=:/"`
	Category string `yaml:"category"`

	// Module is the .wasm path, relative to the manifest. Defaults to the manifest name
	// with a .wasm extension.
	Module string `yaml:"module"`

	// Function is the export to call. Defaults to "apply".
	Function string `yaml:"function"`

	Inputs []InputDecl `yaml:"inputs" validate:"dive"`

	// Output names the float output. Defaults to "out".
	Output string `yaml:"output" validate:"omitempty,excludesall=:/"`

	// SHA256 is the expected hex digest of the module, checked when set.
	SHA256 string `yaml:"sha256" validate:"omitempty,hexadecimal,len=64"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

// InputDecl is one float input of a plugin class.
type InputDecl struct {
	Name    string  `yaml:"name" validate:"required,excludesall=:/"`
	Default float64 `yaml:"default"`
}

var manifestValidator = validator.New()

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	if m.Module == "" {
		m.Module = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".wasm"
	}
	return m, nil
}

// ParseManifest decodes manifest YAML and applies defaults.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if m.Function == "" {
		m.Function = "apply"
	}
	if m.Output == "" {
		m.Output = "out"
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := map[string]bool{m.Output: true}
	for _, in := range m.Inputs {
		if seen[in.Name] {
			return nil, fmt.Errorf("invalid manifest: duplicate param %q", in.Name)
		}
		seen[in.Name] = true
	}
	return &m, nil
}

// ModulePath resolves the module path against the manifest directory.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// Verify checks code against the declared digest.
func (m *Manifest) Verify(code []byte) error {
	if m.SHA256 == "" {
		return nil
	}
	sum := sha256.Sum256(code)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.SHA256) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", m.Class, got, m.SHA256)
	}
	return nil
}
