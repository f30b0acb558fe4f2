package session

import (
	"context"
	"fmt"

	"github.com/zengraph/zengraph/pkg/engine"
)

// RunFrame produces frame into the cache: it opens a frame, runs the main graph at that
// frame and finishes the frame. Frames are produced in order, so frame must be the one
// after the last cached frame. A failed run leaves the frame broken.
func (s *Session) RunFrame(ctx context.Context, frame int) error {
	next := s.cache.Config().BeginFrame + s.cache.NumFrames()
	if frame != next {
		return engine.NewStructuralError(fmt.Sprintf("frame %d is out of order, next frame is %d", frame, next), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("run_frame")
	}

	s.SetFrameID(frame)
	id := s.cache.NewFrame()
	if err := s.Run(ctx); err != nil {
		if abandonErr := s.cache.AbandonFrame(); abandonErr != nil {
			s.logger.Warn().Err(abandonErr).Int("frame", id).Msg("Failed to abandon frame")
		}
		s.mu.Lock()
		s.cacheStale = true
		s.mu.Unlock()
		return err
	}
	if err := s.cache.FinishFrame(); err != nil {
		return fmt.Errorf("failed to finish frame %d: %w", id, err)
	}

	s.mu.Lock()
	s.cachedEdits = s.env.Edits()
	s.cacheStale = false
	s.mu.Unlock()
	return nil
}

// RunFrames plays frames begin..end into the cache. Frames already cached since the last
// edit are kept; an edit, a failed frame or a range starting before the cache restarts
// the cache at begin. Playback stops at the first failed frame or at an interrupt.
func (s *Session) RunFrames(ctx context.Context, begin, end int) error {
	if end < begin {
		return engine.NewStructuralError(fmt.Sprintf("empty frame range %d..%d", begin, end), nil).
			WithCode(engine.ErrCodeValidation)
	}

	s.mu.Lock()
	stale := s.cacheStale || s.cachedEdits != s.env.Edits()
	s.mu.Unlock()

	cacheBegin := s.cache.Config().BeginFrame
	if s.cache.NumFrames() == 0 || stale || begin < cacheBegin {
		s.cache.Clear()
		if err := s.cache.SetBeginFrame(begin); err != nil {
			return err
		}
		cacheBegin = begin
	}

	start := cacheBegin + s.cache.NumFrames()
	if start > begin {
		s.logger.Debug().Int("from", begin).Int("to", start-1).Msg("Frames already cached")
	}
	if start < begin {
		s.logger.Debug().Int("from", start).Int("to", begin-1).Msg("Filling frames before range")
	}

	for frame := start; frame <= end; frame++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Interrupted() {
			s.interrupted.Store(false)
			return engine.NewInterruptedError(fmt.Sprintf("playback interrupted before frame %d", frame)).
				WithOperation("run_frames")
		}
		if err := s.RunFrame(ctx, frame); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}

	s.logger.Info().
		Int("begin", begin).
		Int("end", end).
		Int("max_played", s.cache.MaxPlayedFrame()).
		Msg("Playback finished")
	return nil
}
