package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

func newTestCache(t *testing.T, cfg Config) *FrameCache {
	t.Helper()
	if cfg.MinFreeMB == 0 {
		cfg.MinFreeMB = -1
	}
	return New(cfg, objects.NewMsgpackCodec(), zerolog.Nop())
}

func geo(v float64) *objects.Geometry {
	return &objects.Geometry{Attrs: map[string][]float64{"v": {v}}}
}

// produce runs n frames, each holding one object keyed by its frame id.
func produce(t *testing.T, c *FrameCache, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := c.NewFrame()
		if err := c.AddViewObject("node/out:0", geo(float64(id))); err != nil {
			t.Fatalf("AddViewObject: %v", err)
		}
		if err := c.FinishFrame(); err != nil {
			t.Fatalf("FinishFrame: %v", err)
		}
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []FrameRecord
}

func (r *memRecorder) RecordFrame(_ context.Context, rec FrameRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type failingRecorder struct{ err error }

func (r failingRecorder) RecordFrame(context.Context, FrameRecord) error { return r.err }

func TestMultiRecorder(t *testing.T) {
	first, last := &memRecorder{}, &memRecorder{}
	boom := errors.New("mirror down")
	m := MultiRecorder{first, failingRecorder{boom}, last}

	rec := FrameRecord{Frame: 3, State: engine.FrameStateCompleted}
	err := m.RecordFrame(context.Background(), rec)
	if !errors.Is(err, boom) {
		t.Fatalf("RecordFrame() = %v, want %v", err, boom)
	}
	for i, r := range []*memRecorder{first, last} {
		if diff := cmp.Diff([]FrameRecord{rec}, r.records); diff != "" {
			t.Errorf("recorder %d records (-want +got):\n%s", i, diff)
		}
	}

	if err := (MultiRecorder{}).RecordFrame(context.Background(), rec); err != nil {
		t.Errorf("empty MultiRecorder: %v", err)
	}
}

func TestDumpAndHydrateFrame(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, BeginFrame: 5})

	if id := c.NewFrame(); id != 5 {
		t.Fatalf("NewFrame = %d, want 5", id)
	}
	want := map[string]objects.Object{"A:0": geo(1), "B:0": geo(2)}
	for k, v := range want {
		if err := c.AddViewObject(k, v); err != nil {
			t.Fatalf("AddViewObject: %v", err)
		}
	}
	if err := c.FinishFrame(); err != nil {
		t.Fatalf("FinishFrame: %v", err)
	}
	if err := c.DumpFrameCache(5); err != nil {
		t.Fatalf("DumpFrameCache: %v", err)
	}
	if err := c.Evict(5); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := c.ResidentFrames(); len(got) != 0 {
		t.Fatalf("resident after evict = %v", got)
	}

	got, err := c.GetViewObjects(5)
	if err != nil {
		t.Fatalf("GetViewObjects: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hydrated objects mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{5}, c.ResidentFrames()); diff != "" {
		t.Errorf("resident mismatch (-want +got):\n%s", diff)
	}

	frameDir := filepath.Join(dir, "000005")
	for _, name := range []string{"normalObjs.zencache", "lightCameraObjs.zencache", "materialObjs.zencache", IndexFile} {
		if _, err := os.Stat(filepath.Join(frameDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	index, err := os.ReadFile(filepath.Join(frameDir, IndexFile))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if string(index) != "A:A:0\aB:B:0\a" {
		t.Errorf("index = %q", index)
	}
}

func TestResidencyFollowsAccessOrder(t *testing.T) {
	c := newTestCache(t, Config{Dir: t.TempDir(), BeginFrame: 1, MaxCachedFrames: 1})
	produce(t, c, 3)

	for _, frame := range []int{1, 2, 3} {
		if _, err := c.GetViewObjects(frame); err != nil {
			t.Fatalf("GetViewObjects(%d): %v", frame, err)
		}
		if diff := cmp.Diff([]int{frame}, c.ResidentFrames()); diff != "" {
			t.Errorf("after frame %d resident mismatch (-want +got):\n%s", frame, diff)
		}
	}
	for _, frame := range []int{1, 2, 3} {
		if state, _ := c.FrameState(frame); state != engine.FrameStateCompleted {
			t.Errorf("frame %d state = %s", frame, state)
		}
	}
}

func TestEvictionBound(t *testing.T) {
	const k, n = 3, 10
	c := newTestCache(t, Config{Dir: t.TempDir(), MaxCachedFrames: k})

	for i := 0; i < n; i++ {
		id := c.NewFrame()
		if err := c.AddViewObject("x/out:0", geo(float64(id))); err != nil {
			t.Fatalf("AddViewObject: %v", err)
		}
		if err := c.FinishFrame(); err != nil {
			t.Fatalf("FinishFrame: %v", err)
		}
		if got := len(c.ResidentFrames()); got > k {
			t.Fatalf("%d frames resident while producing, bound %d", got, k)
		}
	}

	for frame := 0; frame < n; frame++ {
		objs, err := c.GetViewObjects(frame)
		if err != nil {
			t.Fatalf("GetViewObjects(%d): %v", frame, err)
		}
		if v := objs["x/out:0"].(*objects.Geometry).Attrs["v"][0]; v != float64(frame) {
			t.Errorf("frame %d holds value %v", frame, v)
		}
		resident := c.ResidentFrames()
		if len(resident) != k {
			t.Errorf("after frame %d: %d resident, want %d", frame, len(resident), k)
		}
		found := false
		for _, id := range resident {
			found = found || id == frame
		}
		if !found {
			t.Errorf("frame %d not resident right after access: %v", frame, resident)
		}
	}
}

func TestViewerReadsWhileFrameOpen(t *testing.T) {
	c := newTestCache(t, Config{Dir: t.TempDir(), AutoDump: true, MaxCachedFrames: 1})
	produce(t, c, 1)

	id := c.NewFrame()
	if _, err := c.GetViewObjects(0); err != nil {
		t.Fatalf("GetViewObjects(0): %v", err)
	}
	if err := c.AddViewObject("node/out:0", geo(float64(id))); err != nil {
		t.Fatalf("AddViewObject after a viewer read: %v", err)
	}
	if err := c.Evict(id); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Evict(open frame) = %v", err)
	}
	if err := c.FinishFrame(); err != nil {
		t.Fatalf("FinishFrame: %v", err)
	}
	if diff := cmp.Diff([]int{id}, c.ResidentFrames()); diff != "" {
		t.Errorf("resident after finish (-want +got):\n%s", diff)
	}

	objs, err := c.GetViewObjects(id)
	if err != nil {
		t.Fatalf("GetViewObjects(%d): %v", id, err)
	}
	if v := objs["node/out:0"].(*objects.Geometry).Attrs["v"][0]; v != float64(id) {
		t.Errorf("frame %d holds value %v", id, v)
	}
}

func TestConcurrentProduceAndView(t *testing.T) {
	const k, n = 2, 40
	c := newTestCache(t, Config{Dir: t.TempDir(), AutoDump: true, MaxCachedFrames: k})

	done := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < n; i++ {
			id := c.NewFrame()
			for _, key := range []string{"a/out:0", "b/out:0"} {
				if err := c.AddViewObject(key, geo(float64(id))); err != nil {
					errs <- err
					return
				}
			}
			if err := c.FinishFrame(); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if got := len(c.ResidentFrames()); got > k+1 {
				errs <- fmt.Errorf("%d frames resident, bound %d", got, k)
				return
			}
			last := c.MaxPlayedFrame()
			if last < 0 {
				continue
			}
			frame := i % (last + 1)
			objs, err := c.GetViewObjects(frame)
			if err != nil {
				errs <- fmt.Errorf("GetViewObjects(%d): %w", frame, err)
				return
			}
			if len(objs) != 2 {
				errs <- fmt.Errorf("frame %d has %d objects", frame, len(objs))
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := len(c.ResidentFrames()); got > k {
		t.Errorf("%d frames resident after production, bound %d", got, k)
	}
	for frame := 0; frame < n; frame++ {
		if state, _ := c.FrameState(frame); state != engine.FrameStateCompleted {
			t.Errorf("frame %d state = %s", frame, state)
		}
	}
}

func TestEvictionWithoutDirectoryBreaksFrame(t *testing.T) {
	c := newTestCache(t, Config{MaxCachedFrames: 1})
	obs := telemetry.NewObservers()
	c.Observers = obs
	var broken []int
	obs.Register(telemetry.TopicFrameBroken, func(e telemetry.Event) { broken = append(broken, e.Frame) })

	produce(t, c, 2)

	if state, _ := c.FrameState(0); state != engine.FrameStateBroken {
		t.Errorf("evicted frame state = %s, want broken", state)
	}
	if _, err := c.GetViewObjects(0); !engine.IsCacheCorruption(err) {
		t.Errorf("GetViewObjects on a lost frame = %v", err)
	}
	if diff := cmp.Diff([]int{0}, broken); diff != "" {
		t.Errorf("broken events mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.GetViewObjects(1); err != nil {
		t.Errorf("current frame: %v", err)
	}
}

func TestCorruptFileMarksFrameBroken(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, AutoDump: true})
	produce(t, c, 1)
	if err := c.Evict(0); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	path := filepath.Join(dir, FrameDirName(0), ClassNormal.FileName())
	if err := os.WriteFile(path, []byte("NOTACACHE"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.GetViewObjects(0)
	if !engine.HasCode(err, engine.ErrCodeBadMagic) {
		t.Fatalf("expected BAD_MAGIC, got %v", err)
	}
	if state, _ := c.FrameState(0); state != engine.FrameStateBroken {
		t.Errorf("state = %s, want broken", state)
	}
}

func TestEmptyFrameWritesZeroByteFiles(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir})
	c.NewFrame()
	if err := c.FinishFrame(); err != nil {
		t.Fatal(err)
	}
	if err := c.DumpFrameCache(0); err != nil {
		t.Fatalf("DumpFrameCache: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "000000", ClassNormal.FileName()))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("empty group file is %d bytes", info.Size())
	}

	if err := c.Evict(0); err != nil {
		t.Fatal(err)
	}
	objs, err := c.GetViewObjects(0)
	if err != nil {
		t.Fatalf("GetViewObjects: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("expected no objects, got %v", objs)
	}
}

func TestVersionInfoMergesIndex(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir})
	c.NewFrame()
	hidden := geo(3)
	hidden.Metadata = map[string]string{objects.MetaViewport: objects.ViewportHidden}
	for k, v := range map[string]objects.Object{"A:1": geo(1), "H:0": hidden} {
		if err := c.AddViewObject(k, v); err != nil {
			t.Fatal(err)
		}
	}

	frameDir := filepath.Join(dir, "000000")
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(frameDir, IndexFile), []byte("A:A:0\aZ:Z:3\a"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.DumpVersionInfo(0); err != nil {
		t.Fatalf("DumpVersionInfo: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(frameDir, IndexFile))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"A": "A:1", "Z": "Z:3"}
	if diff := cmp.Diff(want, ParseIndex(data)); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(frameDir, ClassNormal.FileName())); !os.IsNotExist(err) {
		t.Error("version info mode should not write objects")
	}
}

func TestDumpWaitsForDiskSpace(t *testing.T) {
	c := New(Config{Dir: t.TempDir(), MinFreeMB: 1024, PollInterval: time.Millisecond}, nil, zerolog.Nop())
	calls := 0
	c.FreeSpace = func(string) (uint64, error) {
		calls++
		if calls <= 3 {
			return 1024, nil
		}
		return 4096, nil
	}
	produce(t, c, 1)
	if err := c.DumpFrameCache(0); err != nil {
		t.Fatalf("DumpFrameCache: %v", err)
	}
	if calls != 4 {
		t.Errorf("free space polled %d times, want 4", calls)
	}
}

func TestRemoveFrameCache(t *testing.T) {
	dir := t.TempDir()
	rec := &memRecorder{}
	c := newTestCache(t, Config{Dir: dir, AutoDump: true})
	c.Recorder = rec
	produce(t, c, 2)

	if err := c.RemoveFrameCache(0); err != nil {
		t.Fatalf("RemoveFrameCache: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "000000")); !os.IsNotExist(err) {
		t.Error("frame directory still exists")
	}
	if state, _ := c.FrameState(0); state != engine.FrameStateBroken {
		t.Errorf("state = %s", state)
	}
	if c.MaxPlayedFrame() != 1 || c.NumFrames() != 2 {
		t.Errorf("max played %d, frames %d", c.MaxPlayedFrame(), c.NumFrames())
	}

	last := rec.records[len(rec.records)-1]
	if last.Frame != 0 || last.State != engine.FrameStateBroken {
		t.Errorf("last record = %+v", last)
	}
	if rec.records[0].Dir == "" || rec.records[0].Objects != 1 {
		t.Errorf("first record = %+v", rec.records[0])
	}
}

func TestFrameLifecycleErrors(t *testing.T) {
	c := newTestCache(t, Config{})
	if err := c.AddViewObject("a:0", geo(1)); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("AddViewObject without frame = %v", err)
	}
	if err := c.FinishFrame(); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("FinishFrame without frame = %v", err)
	}
	c.NewFrame()
	if err := c.AddViewObject("bad\akey", geo(1)); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("AddViewObject bad key = %v", err)
	}
	if err := c.FinishFrame(); err != nil {
		t.Fatal(err)
	}
	if err := c.FinishFrame(); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("second FinishFrame = %v", err)
	}
	if err := c.SetBeginFrame(10); err == nil {
		t.Error("SetBeginFrame on a non-empty cache should fail")
	}
	if _, err := c.GetViewObject(0, "missing"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("GetViewObject missing key = %v", err)
	}
	if _, err := c.GetViewObjects(7); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("GetViewObjects unknown frame = %v", err)
	}

	c.Clear()
	if c.NumFrames() != 0 || c.MaxPlayedFrame() != -1 {
		t.Errorf("after Clear: frames=%d max=%d", c.NumFrames(), c.MaxPlayedFrame())
	}
	if err := c.SetBeginFrame(10); err != nil {
		t.Errorf("SetBeginFrame: %v", err)
	}
	if id := c.NewFrame(); id != 10 {
		t.Errorf("NewFrame = %d, want 10", id)
	}
	if err := c.AddViewObject("a:0", geo(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.AbandonFrame(); err != nil {
		t.Fatalf("AbandonFrame: %v", err)
	}
	if state, _ := c.FrameState(10); state != engine.FrameStateBroken {
		t.Errorf("abandoned frame state = %s", state)
	}
	if err := c.AbandonFrame(); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("second AbandonFrame = %v", err)
	}
	if c.MaxPlayedFrame() != 9 {
		t.Errorf("abandoned frame advanced MaxPlayedFrame to %d", c.MaxPlayedFrame())
	}
}

func TestWatcherMarksPrunedFramesBroken(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, AutoDump: true, MaxCachedFrames: 1})
	produce(t, c, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := c.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.RemoveAll(filepath.Join(dir, "000000")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, _ := c.FrameState(0); state == engine.FrameStateBroken {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pruned frame was not marked broken")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state, _ := c.FrameState(1); state != engine.FrameStateCompleted {
		t.Errorf("resident frame state = %s", state)
	}
}
