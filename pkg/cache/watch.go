package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher marks frames broken when an external process prunes their directories.
type Watcher struct {
	cache   *FrameCache
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// Watch starts watching the cache root until ctx is done or Close is called.
func (c *FrameCache) Watch(ctx context.Context) (*Watcher, error) {
	root := c.Config().Dir
	if root == "" {
		return nil, fmt.Errorf("frame cache has no directory to watch")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	w := &Watcher{
		cache:   c,
		watcher: fw,
		logger:  c.logger.With().Str("root", root).Logger(),
		done:    make(chan struct{}),
	}
	go w.run(ctx, root)

	w.logger.Info().Msg("Watching cache root")
	return w, nil
}

func (w *Watcher) run(ctx context.Context, root string) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 || filepath.Dir(event.Name) != filepath.Clean(root) {
				continue
			}
			frameid, ok := parseFrameDir(filepath.Base(event.Name))
			if !ok {
				continue
			}
			w.logger.Debug().
				Int("frame", frameid).
				Str("op", event.Op.String()).
				Msg("Frame directory removed")
			w.cache.MarkBroken(frameid)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func parseFrameDir(name string) (int, bool) {
	if len(name) < 6 {
		return 0, false
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}
