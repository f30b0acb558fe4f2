package ssh

import (
	"context"
	"path"

	"github.com/rs/zerolog"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/engine"
)

// Mirror copies written frames of a frame cache to a remote cache root. It is a
// cache.FrameRecorder: completed frames with a directory are uploaded, broken frames
// are removed remotely.
type Mirror struct {
	client *Client
	root   string
	logger zerolog.Logger
}

var _ cache.FrameRecorder = (*Mirror)(nil)

// NewMirror mirrors frames into client's configured remote directory.
func NewMirror(client *Client, logger zerolog.Logger) *Mirror {
	return &Mirror{
		client: client,
		root:   client.config.RemoteDir,
		logger: logger.With().Str("component", "frame-mirror").Logger(),
	}
}

// RemoteDir is the remote directory of frame.
func (m *Mirror) RemoteDir(frame int) string {
	return path.Join(m.root, cache.FrameDirName(frame))
}

// RecordFrame implements cache.FrameRecorder.
func (m *Mirror) RecordFrame(ctx context.Context, rec cache.FrameRecord) error {
	switch {
	case rec.State == engine.FrameStateCompleted && rec.Dir != "":
		n, err := m.client.UploadDir(ctx, rec.Dir, m.RemoteDir(rec.Frame))
		if err != nil {
			return err
		}
		m.logger.Info().Int("frame", rec.Frame).Int64("bytes", n).Msg("Frame mirrored")
	case rec.State == engine.FrameStateBroken:
		if err := m.client.RemoveDir(ctx, m.RemoteDir(rec.Frame)); err != nil {
			return err
		}
		m.logger.Info().Int("frame", rec.Frame).Msg("Broken frame removed from mirror")
	}
	return nil
}

// Close ends the SFTP session.
func (m *Mirror) Close() error { return m.client.Close() }
