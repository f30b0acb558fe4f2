package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

// IndexFile is the viewport index inside a frame directory.
const IndexFile = "viewobjs.index"

// Config holds frame cache configuration.
type Config struct {
	// Dir is the cache root. Empty keeps frames in memory only.
	Dir string

	BeginFrame int

	// MaxCachedFrames bounds the memory-resident frames; <= 0 is unbounded.
	MaxCachedFrames int

	// MinFreeMB is the free space kept on the cache volume; negative disables the check.
	MinFreeMB int64

	PollInterval time.Duration

	// AutoDump writes every frame to disk when it is finished.
	AutoDump bool
}

// FrameRecord describes a frame for the run ledger.
type FrameRecord struct {
	Frame   int
	State   engine.FrameState
	Dir     string
	Objects int
	Bytes   int
}

// FrameRecorder persists frame state transitions.
type FrameRecorder interface {
	RecordFrame(ctx context.Context, rec FrameRecord) error
}

// MultiRecorder hands each record to every recorder in order. A failing recorder does
// not stop the rest; the errors are joined.
type MultiRecorder []FrameRecorder

// RecordFrame implements FrameRecorder.
func (m MultiRecorder) RecordFrame(ctx context.Context, rec FrameRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordFrame(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type frame struct {
	id      int
	state   engine.FrameState
	objects map[string]objects.Object

	resident bool

	// written is set once the objects are on disk.
	written bool
	bytes   int
}

// FrameCache stores the view objects of every played frame. At most MaxCachedFrames
// frames keep their objects in memory; the rest live on disk and are hydrated on demand.
//
// One mutex guards every operation, disk I/O included.
type FrameCache struct {
	mu sync.Mutex

	cfg    Config
	codec  objects.Codec
	logger zerolog.Logger

	Metrics    *telemetry.Metrics
	Observers  *telemetry.Observers
	Recorder   FrameRecorder
	Classifier Classifier
	FreeSpace  FreeSpaceFunc

	frames []*frame

	// lru lists resident frame indexes, least recently used first.
	lru []int

	maxPlayed int

	classes map[string]ObjectClass
	lights  map[string]objects.Object
}

// New creates a frame cache. Zero config values fall back to defaults.
func New(cfg Config, codec objects.Codec, logger zerolog.Logger) *FrameCache {
	if cfg.MinFreeMB == 0 {
		cfg.MinFreeMB = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if codec == nil {
		codec = objects.NewMsgpackCodec()
	}
	return &FrameCache{
		cfg:        cfg,
		codec:      codec,
		logger:     logger.With().Str("component", "frame-cache").Logger(),
		Classifier: DefaultClassifier(),
		FreeSpace:  VolumeFreeMB,
		maxPlayed:  cfg.BeginFrame - 1,
		classes:    make(map[string]ObjectClass),
		lights:     make(map[string]objects.Object),
	}
}

// Config returns the effective configuration.
func (c *FrameCache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetBeginFrame changes the id of the first frame. It fails once frames exist.
func (c *FrameCache) SetBeginFrame(begin int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) > 0 {
		return engine.NewStructuralError("cannot move the begin frame of a non-empty cache", nil).
			WithCode(engine.ErrCodeValidation)
	}
	c.cfg.BeginFrame = begin
	c.maxPlayed = begin - 1
	return nil
}

// NewFrame appends an unfinished frame and returns its id.
func (c *FrameCache) NewFrame() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := len(c.frames)
	f := &frame{
		id:       c.cfg.BeginFrame + idx,
		state:    engine.FrameStateUnfinished,
		objects:  make(map[string]objects.Object),
		resident: true,
	}
	c.frames = append(c.frames, f)
	c.touch(idx)
	c.evictOver(idx)
	return f.id
}

// AddViewObject inserts obj into the frame being produced.
func (c *FrameCache) AddViewObject(key string, obj objects.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) == 0 {
		return engine.NewStructuralError("no frame to add objects to", nil).WithCode(engine.ErrCodeNotFound)
	}
	f := c.frames[len(c.frames)-1]
	if f.state != engine.FrameStateUnfinished {
		return engine.NewStructuralError(fmt.Sprintf("frame %d is already %s", f.id, f.state), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if key == "" || strings.IndexByte(key, keySep) >= 0 {
		return engine.NewStructuralError(fmt.Sprintf("invalid object key %q", key), nil).
			WithCode(engine.ErrCodeValidation)
	}
	f.objects[key] = obj
	return nil
}

// FinishFrame completes the frame being produced and advances the max played frame.
func (c *FrameCache) FinishFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) == 0 {
		return engine.NewStructuralError("no frame to finish", nil).WithCode(engine.ErrCodeNotFound)
	}
	idx := len(c.frames) - 1
	f := c.frames[idx]
	if f.state != engine.FrameStateUnfinished {
		return engine.NewStructuralError(fmt.Sprintf("frame %d is already %s", f.id, f.state), nil).
			WithCode(engine.ErrCodeValidation)
	}
	f.state = engine.FrameStateCompleted
	if f.id > c.maxPlayed {
		c.maxPlayed = f.id
	}

	if c.cfg.AutoDump && c.cfg.Dir != "" {
		if err := c.dump(f); err != nil {
			return err
		}
	}
	c.record(f)
	c.evictOver(idx)
	return nil
}

// AbandonFrame marks the frame being produced broken and drops its objects. It is used
// when the run producing the frame fails.
func (c *FrameCache) AbandonFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) == 0 {
		return engine.NewStructuralError("no frame to abandon", nil).WithCode(engine.ErrCodeNotFound)
	}
	f := c.frames[len(c.frames)-1]
	if f.state != engine.FrameStateUnfinished {
		return engine.NewStructuralError(fmt.Sprintf("frame %d is already %s", f.id, f.state), nil).
			WithCode(engine.ErrCodeValidation)
	}
	f.objects = make(map[string]objects.Object)
	c.markBroken(f, "run failed")
	return nil
}

// MaxPlayedFrame returns the highest finished frame id, or BeginFrame-1.
func (c *FrameCache) MaxPlayedFrame() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPlayed
}

// NumFrames returns the number of frame records.
func (c *FrameCache) NumFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// FrameState returns the state of frameid.
func (c *FrameCache) FrameState(frameid int) (engine.FrameState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.frame(frameid)
	if err != nil {
		return "", false
	}
	return f.state, true
}

// ResidentFrames returns the ids of memory-resident frames in ascending order.
func (c *FrameCache) ResidentFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.lru))
	for _, idx := range c.lru {
		ids = append(ids, c.frames[idx].id)
	}
	sort.Ints(ids)
	return ids
}

// GetViewObjects returns the objects of frameid, hydrating them from disk when the
// frame is not resident. The returned map is a copy; the objects must not be mutated.
func (c *FrameCache) GetViewObjects(frameid int) (map[string]objects.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.load(frameid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]objects.Object, len(f.objects))
	for k, v := range f.objects {
		out[k] = v
	}
	return out, nil
}

// GetViewObject returns one object of frameid.
func (c *FrameCache) GetViewObject(frameid int, key string) (objects.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.load(frameid)
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, engine.NewStructuralError(fmt.Sprintf("object %q not in frame %d", key, frameid), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return obj, nil
}

// LoadFrame makes frameid resident.
func (c *FrameCache) LoadFrame(frameid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.load(frameid)
	return err
}

// DumpFrameCache writes the objects and viewport index of frameid to disk.
func (c *FrameCache) DumpFrameCache(frameid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.frame(frameid)
	if err != nil {
		return err
	}
	if c.cfg.Dir == "" {
		return engine.NewStructuralError("frame cache has no directory", nil).WithCode(engine.ErrCodeValidation)
	}
	if !f.resident {
		if f.written {
			return nil
		}
		return brokenError(f)
	}
	if err := c.dump(f); err != nil {
		return err
	}
	c.record(f)
	return nil
}

// DumpVersionInfo writes only the viewport index of frameid.
func (c *FrameCache) DumpVersionInfo(frameid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.frame(frameid)
	if err != nil {
		return err
	}
	if c.cfg.Dir == "" {
		return engine.NewStructuralError("frame cache has no directory", nil).WithCode(engine.ErrCodeValidation)
	}
	if !f.resident {
		return brokenError(f)
	}
	n, err := c.writeIndex(f)
	if err != nil {
		return err
	}
	c.Metrics.RecordDump("index", n)
	return nil
}

// RemoveFrameCache deletes the on-disk copy of frameid and drops its objects. The frame
// becomes Broken.
func (c *FrameCache) RemoveFrameCache(frameid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.frame(frameid)
	if err != nil {
		return err
	}
	if c.cfg.Dir != "" {
		if err := os.RemoveAll(c.frameDir(f.id)); err != nil {
			return fmt.Errorf("failed to remove frame %d: %w", f.id, err)
		}
	}
	c.unload(f)
	f.written = false
	c.markBroken(f, "removed")
	return nil
}

// Evict drops the in-memory objects of frameid, spilling them first if they were never
// written. The frame being produced cannot be evicted.
func (c *FrameCache) Evict(frameid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.frame(frameid)
	if err != nil {
		return err
	}
	if f.state == engine.FrameStateUnfinished {
		return engine.NewStructuralError(fmt.Sprintf("frame %d is still being produced", f.id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if f.resident {
		c.evict(f)
	}
	return nil
}

// MarkBroken records that the on-disk copy of frameid disappeared. A resident frame
// only forgets that it was written.
func (c *FrameCache) MarkBroken(frameid int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.frame(frameid)
	if err != nil || f.state == engine.FrameStateBroken {
		return
	}
	f.written = false
	if f.resident {
		return
	}
	c.markBroken(f, "pruned")
}

// Clear drops every frame record. Files on disk are left alone.
func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
	c.lru = nil
	c.maxPlayed = c.cfg.BeginFrame - 1
	c.Metrics.SetResidentFrames(0)
}

func (c *FrameCache) frame(frameid int) (*frame, error) {
	idx := frameid - c.cfg.BeginFrame
	if idx < 0 || idx >= len(c.frames) {
		return nil, engine.NewStructuralError(fmt.Sprintf("frame %d not found", frameid), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return c.frames[idx], nil
}

func brokenError(f *frame) error {
	return engine.NewCacheCorruptionError(fmt.Sprintf("frame %d is not resident and has no disk copy", f.id), nil).
		WithCode(engine.ErrCodeNotFound)
}

// load returns frameid with its objects resident.
func (c *FrameCache) load(frameid int) (*frame, error) {
	f, err := c.frame(frameid)
	if err != nil {
		return nil, err
	}
	idx := frameid - c.cfg.BeginFrame
	if f.resident {
		c.touch(idx)
		return f, nil
	}
	if f.state == engine.FrameStateBroken || c.cfg.Dir == "" || !f.written {
		return nil, brokenError(f)
	}

	objs, err := c.hydrate(f)
	if err != nil {
		c.Metrics.RecordCacheCorruption()
		c.logger.Error().Err(err).Int("frame", f.id).Msg("Failed to load frame cache")
		f.written = false
		c.markBroken(f, "corrupt")
		return nil, err
	}
	f.objects = objs
	f.resident = true
	c.Metrics.RecordHydration()
	c.touch(idx)
	c.evictOver(idx)
	return f, nil
}

// touch moves idx to the most recently used end.
func (c *FrameCache) touch(idx int) {
	for i, v := range c.lru {
		if v == idx {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, idx)
	c.Metrics.SetResidentFrames(len(c.lru))
}

// evictOver evicts the least recently used frame other than keep while the bound is
// exceeded. The frame being produced is never a victim, so the bound may be exceeded
// by one while it is open.
func (c *FrameCache) evictOver(keep int) {
	if c.cfg.MaxCachedFrames <= 0 {
		return
	}
	for len(c.lru) > c.cfg.MaxCachedFrames {
		victim := -1
		for _, idx := range c.lru {
			if idx != keep && c.frames[idx].state != engine.FrameStateUnfinished {
				victim = idx
				break
			}
		}
		if victim < 0 {
			return
		}
		c.evict(c.frames[victim])
	}
}

// evict clears the objects of f. A frame never written is dumped first; without a
// directory it is lost and becomes Broken.
func (c *FrameCache) evict(f *frame) {
	switch {
	case f.written:
	case c.cfg.Dir == "":
		c.unload(f)
		c.markBroken(f, "evicted without a cache directory")
		c.Metrics.RecordEviction()
		return
	default:
		if err := c.dump(f); err != nil {
			c.logger.Error().Err(err).Int("frame", f.id).Msg("Failed to spill frame before eviction")
			c.unload(f)
			c.markBroken(f, "spill failed")
			c.Metrics.RecordEviction()
			return
		}
		c.record(f)
	}
	c.unload(f)
	c.Metrics.RecordEviction()
	c.logger.Debug().Int("frame", f.id).Msg("Frame evicted")
}

func (c *FrameCache) unload(f *frame) {
	f.objects = nil
	f.resident = false
	idx := f.id - c.cfg.BeginFrame
	for i, v := range c.lru {
		if v == idx {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.Metrics.SetResidentFrames(len(c.lru))
}

func (c *FrameCache) markBroken(f *frame, reason string) {
	f.state = engine.FrameStateBroken
	c.logger.Warn().Int("frame", f.id).Str("reason", reason).Msg("Frame marked broken")
	c.Observers.Notify(telemetry.Event{
		Topic:   telemetry.TopicFrameBroken,
		Frame:   f.id,
		Message: reason,
	})
	c.record(f)
}

func (c *FrameCache) record(f *frame) {
	if c.Recorder == nil {
		return
	}
	rec := FrameRecord{
		Frame:   f.id,
		State:   f.state,
		Objects: len(f.objects),
		Bytes:   f.bytes,
	}
	if f.written {
		rec.Dir = c.frameDir(f.id)
	}
	if err := c.Recorder.RecordFrame(context.Background(), rec); err != nil {
		c.logger.Warn().Err(err).Int("frame", f.id).Msg("Failed to record frame")
	}
}

// FrameDirName is the directory name of frameid under the cache root.
func FrameDirName(frameid int) string {
	return fmt.Sprintf("%06d", frameid)
}

func (c *FrameCache) frameDir(frameid int) string {
	return filepath.Join(c.cfg.Dir, FrameDirName(frameid))
}

// dump writes one .zencache file per object class plus the index.
func (c *FrameCache) dump(f *frame) error {
	groups := make(map[ObjectClass][]string)
	for key, obj := range f.objects {
		class := c.classOfKey(key, obj)
		groups[class] = append(groups[class], key)
	}

	files := make(map[ObjectClass][]byte, len(objectClasses))
	total := 0
	for _, class := range objectClasses {
		keys := groups[class]
		if len(keys) == 0 {
			files[class] = nil
			continue
		}
		sort.Strings(keys)
		blobs := make([][]byte, len(keys))
		for i, key := range keys {
			blob, err := c.codec.Encode(f.objects[key])
			if err != nil {
				return engine.NewStructuralError(fmt.Sprintf("failed to encode object %q of frame %d", key, f.id), err).
					WithCode(engine.ErrCodeInternal)
			}
			blobs[i] = blob
		}
		data, err := EncodeZenCache(keys, blobs)
		if err != nil {
			return err
		}
		files[class] = data
		total += len(data)
	}

	c.waitForSpace(total)

	dir := c.frameDir(f.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}
	for _, class := range objectClasses {
		if err := writeFileAtomic(filepath.Join(dir, class.FileName()), files[class]); err != nil {
			return err
		}
	}
	n, err := c.writeIndex(f)
	if err != nil {
		return err
	}

	f.written = true
	f.bytes = total
	c.Metrics.RecordDump("objects", total+n)
	c.logger.Debug().Int("frame", f.id).Int("objects", len(f.objects)).Int("bytes", total).Msg("Frame dumped")
	return nil
}

// writeIndex merges the viewport keys of f into the frame's index file. The newest key
// per object id wins.
func (c *FrameCache) writeIndex(f *frame) (int, error) {
	dir := c.frameDir(f.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create frame directory: %w", err)
	}
	path := filepath.Join(dir, IndexFile)

	index := make(map[string]string)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to read index: %w", err)
	}
	for id, key := range ParseIndex(existing) {
		index[id] = key
	}
	for key, obj := range f.objects {
		if objects.Hidden(obj) {
			continue
		}
		index[objects.IDOf(key)] = key
	}

	data := FormatIndex(index)
	if err := writeFileAtomic(path, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ParseIndex reads "id:fullkey" pairs separated by '\a'.
func ParseIndex(data []byte) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(string(data), string(rune(keySep))) {
		if pair == "" {
			continue
		}
		id, key, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[id] = key
	}
	return out
}

// FormatIndex writes index sorted by id, every pair terminated by '\a'.
func FormatIndex(index map[string]string) []byte {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		sb.WriteByte(':')
		sb.WriteString(index[id])
		sb.WriteByte(keySep)
	}
	return []byte(sb.String())
}

// hydrate reads every class file of f. Missing and zero-byte files hold no objects;
// a missing frame directory is an error.
func (c *FrameCache) hydrate(f *frame) (map[string]objects.Object, error) {
	dir := c.frameDir(f.id)
	if _, err := os.Stat(dir); err != nil {
		return nil, engine.NewCacheCorruptionError(fmt.Sprintf("frame %d directory is missing", f.id), err).
			WithCode(engine.ErrCodeNotFound)
	}

	out := make(map[string]objects.Object)
	for _, class := range objectClasses {
		path := filepath.Join(dir, class.FileName())
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		objs, err := DecodeObjects(data, c.codec)
		if err != nil {
			return nil, withFile(err, path)
		}
		for k, v := range objs {
			out[k] = v
		}
	}
	return out, nil
}

// DecodeObjects decodes a whole .zencache file with codec.
func DecodeObjects(data []byte, codec objects.Codec) (map[string]objects.Object, error) {
	keys, blobs, err := DecodeZenCache(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]objects.Object, len(keys))
	for i, key := range keys {
		obj, err := codec.Decode(blobs[i])
		if err != nil {
			return nil, engine.NewCacheCorruptionError(fmt.Sprintf("failed to decode object %q", key), err).
				WithCode(engine.ErrCodeDecode)
		}
		out[key] = obj
	}
	return out, nil
}

func withFile(err error, path string) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.WithDetail("file", path)
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
