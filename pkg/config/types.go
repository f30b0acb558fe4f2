package config

import (
	"fmt"
	"time"

	"github.com/zengraph/zengraph/pkg/telemetry"
)

// Config is the process configuration of a zengraph session.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Cache   CacheConfig   `yaml:"cache"`

	// Store configures the run/frame ledger. An empty path disables it.
	Store StoreConfig `yaml:"store"`

	Formula   FormulaConfig    `yaml:"formula"`
	Plugins   PluginsConfig    `yaml:"plugins"`
	Mirror    MirrorConfig     `yaml:"mirror"`
	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// SessionConfig controls evaluation.
type SessionConfig struct {
	// AutoRun re-runs the main graph when the outermost API call ends after an edit.
	AutoRun bool `yaml:"auto_run"`

	// BeginFrame is the first frame id of playback.
	BeginFrame int `yaml:"begin_frame"`

	// EndFrame is the last frame id of playback, inclusive.
	EndFrame int `yaml:"end_frame" validate:"gtefield=BeginFrame"`

	FPS float64 `yaml:"fps" validate:"gt=0"`
}

// CacheConfig controls the frame cache.
type CacheConfig struct {
	// Dir is the cache root. Empty keeps every frame in memory.
	Dir string `yaml:"dir"`

	// MaxCachedFrames bounds resident frames; 0 means unbounded.
	MaxCachedFrames int `yaml:"max_cached_frames" validate:"gte=0"`

	// MinFreeMB is the free-space floor for dumps; -1 disables the check.
	MinFreeMB int64 `yaml:"min_free_mb" validate:"gte=-1"`

	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// AutoDump writes each frame to disk when it finishes.
	AutoDump bool `yaml:"auto_dump"`

	// Watch marks frames Broken when their directory is removed by another process.
	Watch bool `yaml:"watch"`
}

// StoreConfig configures the SQLite run ledger.
type StoreConfig struct {
	Path string `yaml:"path"`

	// MaxOpenConns bounds the database pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`
}

// FormulaConfig configures the Starlark formula resolver.
type FormulaConfig struct {
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSteps uint64        `yaml:"max_steps"`

	// Variables are session variables visible to every formula.
	Variables map[string]interface{} `yaml:"variables"`
}

// PluginsConfig configures WASM plugin node classes.
type PluginsConfig struct {
	// Dir holds plugin manifests (*.yaml) and their modules. Empty disables plugins.
	Dir string `yaml:"dir"`

	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" validate:"lte=65536"`
}

// MirrorConfig configures the SFTP frame mirror. An empty host disables it.
type MirrorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
	User string `yaml:"user"`

	// AuthMethod is "key" or "password".
	AuthMethod     string `yaml:"auth_method" validate:"omitempty,oneof=key password"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`

	// Insecure skips host key verification.
	Insecure bool `yaml:"insecure"`

	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// RemoteDir is the cache root on the mirror host.
	RemoteDir string `yaml:"remote_dir" validate:"required_with=Host"`
}

// ValidationError describes one problem found in a document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "main.nodes.0.class").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects the problems of one document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more errors)", errs[0].Error(), len(errs)-1)
	}
}
