package sftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	gosftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// fakeServer runs the pkg/sftp file server over in-process pipes. It serves
// the real filesystem, so tests work below root.
type fakeServer struct {
	t        *testing.T
	root     string
	password string

	dials atomic.Int32
	mu    sync.Mutex
	conns []net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	s := &fakeServer{t: t, root: root, password: "secret"}
	t.Cleanup(s.drop)
	return s
}

// dial is an Options.Dial that checks the password and serves a fresh
// session.
func (s *fakeServer) dial(ctx context.Context, cred vfs.Credential) (*gosftp.Client, error) {
	s.dials.Add(1)
	if cred.Password != s.password {
		return nil, errors.New(errors.KindAuthenticationFailure, "ssh authentication failed")
	}
	serverSide, clientSide := net.Pipe()
	srv, err := gosftp.NewServer(serverSide)
	if err != nil {
		return nil, err
	}
	go func() { _ = srv.Serve() }()

	s.mu.Lock()
	s.conns = append(s.conns, serverSide)
	s.mu.Unlock()
	return gosftp.NewClientPipe(clientSide, clientSide)
}

// drop closes every server side, as a dropped network would.
func (s *fakeServer) drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// path is the host path of name below root.
func (s *fakeServer) path(name string) string {
	return filepath.ToSlash(filepath.Join(s.root, name))
}

func (s *fakeServer) putFile(name, content string) {
	s.t.Helper()
	p := filepath.Join(s.root, name)
	require.NoError(s.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(s.t, os.WriteFile(p, []byte(content), 0o644))
}

func (s *fakeServer) mkdir(name string) {
	s.t.Helper()
	require.NoError(s.t, os.MkdirAll(filepath.Join(s.root, name), 0o755))
}

func (s *fakeServer) read(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}
