package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload", "remove")
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is an SFTP session to the mirror host. It connects lazily and reconnects after
// a failed transfer.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh-mirror").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect opens the SSH connection and the SFTP session if they are not open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.session(ctx)
	return err
}

// session returns the open SFTP session, dialing when needed. c.mu must be held.
func (c *Client) session(ctx context.Context) (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		done <- dialResult{conn, err}
	}()

	var conn *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		conn = r.conn
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	c.conn, c.sftp = conn, client
	c.logger.Debug().Msg("SFTP session opened")
	return client, nil
}

// reset drops the session after a failure. c.mu must be held.
func (c *Client) reset() {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.sftp, c.conn = nil, nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// UploadDir copies the regular files of localDir into remoteDir. Each file is written
// under a temporary name and renamed into place, so readers never see partial files.
// It returns the number of bytes copied.
func (c *Client) UploadDir(ctx context.Context, localDir, remoteDir string) (int64, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to read local dir: %w", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	client, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	if err := client.MkdirAll(remoteDir); err != nil {
		c.reset()
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err), IsTemporary: true}
	}

	start := time.Now()
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, &TransportError{Op: "upload", Err: err}
		}
		n, err := uploadFile(ctx, client, filepath.Join(localDir, e.Name()), path.Join(remoteDir, e.Name()))
		if err != nil {
			c.reset()
			return total, &TransportError{Op: "upload", Err: err, IsTemporary: true}
		}
		total += n
	}

	c.logger.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Int64("bytes", total).
		Dur("duration", time.Since(start)).
		Msg("Directory uploaded")
	return total, nil
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	tmp := remotePath + ".part"
	dst, err := client.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", tmp, err)
	}
	n, err := copyWithContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(tmp)
		return n, fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		_ = client.Remove(tmp)
		return n, fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return n, nil
}

// copyWithContext copies in chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// RemoveDir deletes remoteDir and its contents. A missing directory is not an error.
func (c *Client) RemoveDir(ctx context.Context, remoteDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, err := c.session(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Stat(remoteDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		c.reset()
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}
	if err := client.RemoveAll(remoteDir); err != nil {
		c.reset()
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}
	return nil
}
