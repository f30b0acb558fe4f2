package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/engine"
)

// testSSHServer serves the sftp subsystem on the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &testSSHServer{listener: listener, config: config, addr: listener.Addr().String()}
	t.Cleanup(func() { listener.Close() })

	go s.serve()
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSubsystem(channel, requests)
	}
}

func handleSubsystem(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}
		server, err := sftp.NewServer(channel)
		if err != nil {
			return
		}
		_ = server.Serve()
		server.Close()
		return
	}
}

func newTestClient(t *testing.T, server *testSSHServer, remoteDir string) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.addr)
	if err != nil {
		t.Fatalf("bad address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.RemoteDir = remoteDir

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestMirrorUploadsCompletedFrames(t *testing.T) {
	server := newTestSSHServer(t)
	remote := t.TempDir()
	mirror := NewMirror(newTestClient(t, server, remote), zerolog.Nop())

	local := filepath.Join(t.TempDir(), cache.FrameDirName(7))
	if err := os.MkdirAll(local, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"normalObjs.zencache": "ZENCACHE0\a\x00\x00\x00\x00\x00\x00\x00\x00",
		cache.IndexFile:       "box:normalObjs.zencache\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(local, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ctx := context.Background()
	if err := mirror.RecordFrame(ctx, cache.FrameRecord{Frame: 7, State: engine.FrameStateCompleted, Dir: local}); err != nil {
		t.Fatalf("RecordFrame completed: %v", err)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(remote, "000007", name))
		if err != nil {
			t.Fatalf("remote %s: %v", name, err)
		}
		if string(got) != content {
			t.Errorf("remote %s = %q, want %q", name, got, content)
		}
	}
	if _, err := os.Stat(filepath.Join(remote, "000007", cache.IndexFile+".part")); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	// Frames without a directory are not uploaded.
	if err := mirror.RecordFrame(ctx, cache.FrameRecord{Frame: 8, State: engine.FrameStateCompleted}); err != nil {
		t.Fatalf("RecordFrame in-memory frame: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "000008")); !os.IsNotExist(err) {
		t.Errorf("in-memory frame was mirrored: %v", err)
	}

	if err := mirror.RecordFrame(ctx, cache.FrameRecord{Frame: 7, State: engine.FrameStateBroken}); err != nil {
		t.Fatalf("RecordFrame broken: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "000007")); !os.IsNotExist(err) {
		t.Errorf("broken frame still mirrored: %v", err)
	}
	if err := mirror.RecordFrame(ctx, cache.FrameRecord{Frame: 9, State: engine.FrameStateBroken}); err != nil {
		t.Errorf("removing a frame that was never mirrored: %v", err)
	}
}

func TestClientRejectsBadCredentials(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, t.TempDir())
	client.config.Password = "wrong"

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected a connection error")
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "connect" {
		t.Errorf("error = %v, want a connect TransportError", err)
	}
}
