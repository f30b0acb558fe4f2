package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/assets"
	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/config"
	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/formula"
	"github.com/zengraph/zengraph/pkg/graph"
	"github.com/zengraph/zengraph/pkg/nodes"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/params"
	"github.com/zengraph/zengraph/pkg/plugins"
	"github.com/zengraph/zengraph/pkg/stores"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// MainGraph is the name of the graph every session evaluates.
const MainGraph = "main"

// Config holds session configuration.
type Config struct {
	// AutoRun evaluates the main graph when the outermost API call ends after an edit.
	AutoRun bool

	BeginFrame int

	Cache   cache.Config
	Formula formula.Config

	// Classes is the node class registry. Nil registers the builtins and the reference
	// node library.
	Classes *graph.Registry

	// Telemetry supplies tracing, metrics and the observer hub. Nil keeps a private
	// observer hub only.
	Telemetry *telemetry.Telemetry

	// Codec encodes objects for the frame cache. Nil selects msgpack.
	Codec objects.Codec

	// PluginDir holds WASM plugin manifests registered as node classes. Empty disables
	// plugins.
	PluginDir string
	Plugins   plugins.Config
}

// FromConfig builds a session configuration from a loaded config file.
func FromConfig(c *config.Config) Config {
	return Config{
		AutoRun:    c.Session.AutoRun,
		BeginFrame: c.Session.BeginFrame,
		Cache:      c.CacheOptions(),
		Formula:    c.FormulaOptions(),
		PluginDir:  c.Plugins.Dir,
		Plugins:    c.PluginOptions(),
	}
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *stores.Run) error
}

// EventSink persists observer notifications.
type EventSink interface {
	AppendEvent(ctx context.Context, event telemetry.Event) error
}

// Session is the application context: one main graph, one asset table, one object
// registry, one frame cache and the current frame id. Edits are batched by nesting API
// calls; the outermost EndAPICall triggers a run when AutoRun is set.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	env      *graph.Env
	main     *graph.Graph
	assets   *assets.Manager
	objects  *objects.Registry
	cache    *cache.FrameCache
	formulas *formula.Resolver
	plugins  *plugins.Host

	observers *telemetry.Observers
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics

	// Recorder receives every finished run. Nil disables run recording.
	Recorder RunRecorder

	mu        sync.Mutex
	depth     int
	lastErr   error
	lastEdits uint64
	vars      map[string]params.Value
	watcher   *cache.Watcher

	// runMu serialises runs.
	runMu sync.Mutex

	// cachedEdits is the edit count the cached frames were produced at.
	cachedEdits uint64
	cacheStale  bool

	frame       atomic.Int64
	interrupted atomic.Bool
}

// New creates a session with an empty main graph.
func New(cfg Config, logger zerolog.Logger) (*Session, error) {
	classes := cfg.Classes
	if classes == nil {
		classes = graph.NewRegistry()
		if err := graph.RegisterBuiltins(classes); err != nil {
			return nil, fmt.Errorf("failed to register builtin classes: %w", err)
		}
		if err := nodes.Register(classes); err != nil {
			return nil, fmt.Errorf("failed to register node library: %w", err)
		}
	}

	s := &Session{
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Logger(),
		vars:   make(map[string]params.Value),
	}
	if cfg.Telemetry != nil {
		s.observers = cfg.Telemetry.Observers
		s.tracer = cfg.Telemetry.Tracer
		s.metrics = cfg.Telemetry.Metrics
	}
	if s.observers == nil {
		s.observers = telemetry.NewObservers()
	}
	s.frame.Store(int64(cfg.BeginFrame))

	s.objects = objects.NewRegistry()
	s.formulas = formula.NewResolver(cfg.Formula, logger)

	cacheCfg := cfg.Cache
	cacheCfg.BeginFrame = cfg.BeginFrame
	s.cache = cache.New(cacheCfg, cfg.Codec, logger)
	s.cache.Metrics = s.metrics
	s.cache.Observers = s.observers

	if cfg.PluginDir != "" {
		host, err := plugins.NewHost(context.Background(), cfg.Plugins, logger)
		if err != nil {
			return nil, err
		}
		if err := host.Register(context.Background(), classes, cfg.PluginDir); err != nil {
			host.Close(context.Background())
			return nil, fmt.Errorf("failed to load plugins from %s: %w", cfg.PluginDir, err)
		}
		s.plugins = host
	}

	s.env = graph.NewEnv(classes, logger)
	s.env.Objects = s.objects
	s.env.Formulas = s.formulas
	s.env.Frames = graph.FrameFunc(s.FrameID)
	s.env.Interrupted = s.Interrupted
	s.env.Observers = s.observers
	s.env.Tracer = s.tracer
	s.env.Metrics = s.metrics

	s.assets = assets.NewManager(s.env, logger)
	s.main = s.env.NewGraph(MainGraph)
	return s, nil
}

// Graph returns the main graph.
func (s *Session) Graph() *graph.Graph { return s.main }

// Env returns the arena shared by the main graph and the asset templates.
func (s *Session) Env() *graph.Env { return s.env }

func (s *Session) Assets() *assets.Manager         { return s.assets }
func (s *Session) Cache() *cache.FrameCache        { return s.cache }
func (s *Session) Objects() *objects.Registry      { return s.objects }
func (s *Session) Observers() *telemetry.Observers { return s.observers }
func (s *Session) Formulas() *formula.Resolver     { return s.formulas }

// FrameID returns the frame literals are resolved at.
func (s *Session) FrameID() int { return int(s.frame.Load()) }

// SetFrameID moves the session to frame. Nodes whose literals depend on the frame are
// marked dirty when the frame changes.
func (s *Session) SetFrameID(frame int) {
	if s.frame.Swap(int64(frame)) == int64(frame) {
		return
	}
	s.main.MarkFrameDirty()
}

// Interrupt asks the current run to stop at its next pull boundary. Safe to call from
// any goroutine. A request made while no run is active stays pending and aborts the
// next run; the flag is cleared when that run ends.
func (s *Session) Interrupt() {
	s.interrupted.Store(true)
	s.logger.Info().Msg("Interrupt requested")
}

// Interrupted reports whether an interrupt is pending.
func (s *Session) Interrupted() bool { return s.interrupted.Load() }

// LastError returns the top-level error of the most recent run, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetVar binds a formula variable. Formula literals are re-resolved on the next run.
func (s *Session) SetVar(name string, v params.Value) error {
	if err := s.formulas.SetVar(name, v); err != nil {
		return fmt.Errorf("failed to set variable %q: %w", name, err)
	}
	s.mu.Lock()
	s.vars[name] = v
	s.mu.Unlock()
	s.main.MarkFrameDirty()
	return nil
}

// BeginAPICall opens a batch of edits.
func (s *Session) BeginAPICall() {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
}

// EndAPICall closes a batch. When the outermost batch closes, AutoRun is set and the
// graph changed since the last run, the main graph is run and its error returned.
func (s *Session) EndAPICall(ctx context.Context) error {
	return s.endAPICall(ctx, true)
}

func (s *Session) endAPICall(ctx context.Context, allowRun bool) error {
	s.mu.Lock()
	if s.depth == 0 {
		s.mu.Unlock()
		return engine.NewStructuralError("EndAPICall without BeginAPICall", nil).WithCode(engine.ErrCodeInternal)
	}
	s.depth--
	run := allowRun && s.depth == 0 && s.cfg.AutoRun && s.env.Edits() != s.lastEdits
	s.mu.Unlock()

	if !run {
		return nil
	}
	return s.Run(ctx)
}

// Depth returns the API call nesting depth.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Edit runs fn on the main graph inside one API call. The edit error wins over the
// run error.
func (s *Session) Edit(ctx context.Context, fn func(g *graph.Graph) error) error {
	s.BeginAPICall()
	err := fn(s.main)
	if endErr := s.EndAPICall(ctx); err == nil {
		err = endErr
	}
	return err
}

// Run evaluates the main graph. Objects of the run replace those of the previous run in
// the object registry; when the cache has an unfinished frame, view objects and scene
// objects (lights, cameras, materials) are added to it. A node failure becomes the run's
// single top-level error, also available from LastError and published on run.failed.
func (s *Session) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.New().String()
	frame := s.FrameID()
	logger := s.logger.With().Str("run_id", runID).Int("frame", frame).Logger()

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	ctx, span := s.tracer.StartRunSpan(ctx, runID, frame)
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With().Str("trace_id", id).Logger()
	}
	s.metrics.RecordRunStarted()
	timer := telemetry.NewTimer()
	started := time.Now()
	before := countApplies(s.main, make(map[string]bool))

	logger.Debug().Msg("Run started")

	s.objects.BeginRun()
	err := s.main.Apply(ctx)
	diff := s.objects.EndRun()
	if err == nil {
		err = s.export()
	}
	s.metrics.SetRegisteredObjects(s.objects.Len())

	applied := countApplies(s.main, make(map[string]bool)) - before
	status := engine.RunStatusFor(err)
	duration := timer.Duration()

	s.mu.Lock()
	s.lastEdits = s.env.Edits()
	s.lastErr = err
	s.mu.Unlock()
	s.interrupted.Store(false)

	telemetry.EndSpan(span, err)
	s.metrics.RecordRunCompleted(string(status), duration)

	if err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			s.metrics.RecordError(string(ee.Class), ee.Code)
		}
		logger.Error().
			Err(err).
			Str("status", string(status)).
			Str("node", engine.NodeOf(err)).
			Msg("Run failed")
		s.observers.Notify(telemetry.Event{
			Topic:   telemetry.TopicRunFailed,
			Graph:   MainGraph,
			Name:    engine.NodeOf(err),
			RunID:   runID,
			Frame:   frame,
			Message: err.Error(),
			Err:     err,
		})
	} else {
		logger.Info().
			Int("nodes_applied", applied).
			Int("objects", s.objects.Len()).
			Int("objects_removed", len(diff.Removed)).
			Dur("duration", duration).
			Msg("Run completed")
		s.observers.Notify(telemetry.Event{
			Topic: telemetry.TopicRunCompleted,
			Graph: MainGraph,
			RunID: runID,
			Frame: frame,
		})
	}

	s.record(ctx, runRecord(runID, frame, started, duration, applied, err))
	return err
}

// export hands the registered objects to the frame cache.
func (s *Session) export() error {
	entries := s.objects.Entries()
	s.cache.UpdateClassification(entries)

	if _, open := s.openFrame(); !open {
		return nil
	}
	for _, e := range entries {
		class, _ := s.cache.ClassOf(e.ID)
		if !e.View && class == cache.ClassNormal {
			continue
		}
		if err := s.cache.AddViewObject(e.Key, e.Object); err != nil {
			return fmt.Errorf("failed to cache object %s: %w", e.Key, err)
		}
	}
	return nil
}

// openFrame returns the last frame of the cache when it is still being produced.
func (s *Session) openFrame() (int, bool) {
	n := s.cache.NumFrames()
	if n == 0 {
		return 0, false
	}
	id := s.cache.Config().BeginFrame + n - 1
	state, _ := s.cache.FrameState(id)
	return id, state == engine.FrameStateUnfinished
}

func runRecord(runID string, frame int, started time.Time, duration time.Duration, applied int, err error) *stores.Run {
	completed := started.Add(duration)
	run := &stores.Run{
		ID:           runID,
		Frame:        frame,
		Status:       engine.RunStatusFor(err),
		StartedAt:    started,
		CompletedAt:  &completed,
		Duration:     duration,
		NodesApplied: applied,
	}
	if err == nil {
		return run
	}
	msg := err.Error()
	run.Error = &msg
	var ee *engine.Error
	if errors.As(err, &ee) && ee.Code != "" {
		code := ee.Code
		run.ErrorCode = &code
	}
	if node := engine.NodeOf(err); node != "" {
		run.FailedNode = &node
	}
	return run
}

func (s *Session) record(ctx context.Context, run *stores.Run) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
}

// countApplies sums the body invocations of every node of g and its nested graphs.
// A graph shared by several instances is counted once.
func countApplies(g *graph.Graph, seen map[string]bool) int {
	if seen[g.ID()] {
		return 0
	}
	seen[g.ID()] = true
	total := 0
	for _, n := range g.Nodes() {
		total += n.Applies()
		if sub, ok := g.Subgraph(n); ok {
			total += countApplies(sub, seen)
		}
	}
	return total
}

// PersistEvents appends every notification of topics to sink. With no topics the run,
// frame and asset topics are persisted. It returns the observer tokens.
func (s *Session) PersistEvents(sink EventSink, topics ...string) []string {
	if len(topics) == 0 {
		topics = []string{
			telemetry.TopicRunCompleted,
			telemetry.TopicRunFailed,
			telemetry.TopicFrameBroken,
			telemetry.TopicAssetCreated,
			telemetry.TopicAssetRemoved,
			telemetry.TopicAssetRenamed,
		}
	}
	tokens := make([]string, 0, len(topics))
	for _, topic := range topics {
		tokens = append(tokens, s.observers.Register(topic, func(event telemetry.Event) {
			if err := sink.AppendEvent(context.Background(), event); err != nil {
				s.logger.Warn().Err(err).Str("topic", event.Topic).Msg("Failed to persist event")
			}
		}))
	}
	return tokens
}

// WatchCache starts watching the cache root for externally pruned frames.
func (s *Session) WatchCache(ctx context.Context) error {
	w, err := s.cache.Watch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	return nil
}

// Close stops the cache watcher.
func (s *Session) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	host := s.plugins
	s.plugins = nil
	s.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	if host != nil {
		errs = append(errs, host.Close(context.Background()))
	}
	return errors.Join(errs...)
}
