package ftp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer is a small in-memory FTP server for host tests. It speaks
// passive mode only and keeps all state in maps keyed by absolute path.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	user, pass string
	noEPSV     bool
	listDelay  time.Duration
	extraList  []string

	mu    sync.Mutex
	files map[string][]byte
	mtime map[string]time.Time
	dirs  map[string]bool

	// stallRetr makes RETR send half of the file and then wait for the
	// client to go away.
	stallRetr atomic.Bool
	// dropNext closes the next control connection that sends a command.
	dropNext atomic.Bool

	logins atomic.Int32
	lists  atomic.Int32
	stores atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{
		t:     t,
		ln:    ln,
		user:  "alice",
		pass:  "secret",
		files: make(map[string][]byte),
		mtime: make(map[string]time.Time),
		dirs:  map[string]bool{"/": true},
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeServer) putFile(p, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = []byte(content)
	s.mtime[p] = time.Date(2023, time.June, 1, 8, 30, 0, 0, time.UTC)
}

func (s *fakeServer) mkdir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[p] = true
}

func (s *fakeServer) file(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return string(b), ok
}

func (s *fakeServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.session(nc)
	}
}

type fakeSession struct {
	srv     *fakeServer
	tp      *textproto.Conn
	cwd     string
	user    string
	data    net.Listener
	renameF string
}

func (s *fakeServer) session(nc net.Conn) {
	fs := &fakeSession{srv: s, tp: textproto.NewConn(nc), cwd: "/"}
	defer fs.tp.Close()
	defer func() {
		if fs.data != nil {
			fs.data.Close()
		}
	}()

	fs.reply(220, "fake ftp ready")
	for {
		line, err := fs.tp.ReadLine()
		if err != nil {
			return
		}
		if s.dropNext.CompareAndSwap(true, false) {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		if !fs.handle(strings.ToUpper(verb), arg) {
			return
		}
	}
}

func (fs *fakeSession) reply(code int, msg string) {
	_ = fs.tp.PrintfLine("%d %s", code, msg)
}

func (fs *fakeSession) abs(p string) string {
	if p == "" {
		return fs.cwd
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(fs.cwd, p)
	}
	return path.Clean(p)
}

// accept waits for the client to connect to the announced data port.
func (fs *fakeSession) accept() (net.Conn, error) {
	if fs.data == nil {
		return nil, fmt.Errorf("no passive listener")
	}
	ln := fs.data
	fs.data = nil
	defer ln.Close()
	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	return ln.Accept()
}

func (fs *fakeSession) handle(verb, arg string) bool {
	s := fs.srv
	switch verb {
	case "USER":
		fs.user = arg
		fs.reply(331, "password required")
	case "PASS":
		if fs.user != s.user || arg != s.pass {
			fs.reply(530, "Login incorrect")
			return true
		}
		s.logins.Add(1)
		fs.reply(230, "logged in")
	case "TYPE":
		fs.reply(200, "type set")
	case "NOOP":
		fs.reply(200, "ok")
	case "QUIT":
		fs.reply(221, "bye")
		return false
	case "EPSV":
		if s.noEPSV {
			fs.reply(500, "EPSV not understood")
			return true
		}
		port, ok := fs.listen()
		if !ok {
			fs.reply(425, "cannot open data connection")
			return true
		}
		fs.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
	case "PASV":
		port, ok := fs.listen()
		if !ok {
			fs.reply(425, "cannot open data connection")
			return true
		}
		fs.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff))
	case "CWD":
		p := fs.abs(arg)
		s.mu.Lock()
		ok := s.dirs[p]
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such directory")
			return true
		}
		fs.cwd = p
		fs.reply(250, "directory changed")
	case "LIST":
		s.lists.Add(1)
		if s.listDelay > 0 {
			time.Sleep(s.listDelay)
		}
		fs.reply(150, "here comes the listing")
		dc, err := fs.accept()
		if err != nil {
			fs.reply(425, "no data connection")
			return true
		}
		w := bufio.NewWriter(dc)
		for _, l := range fs.listLines(fs.abs(arg)) {
			_, _ = w.WriteString(l + "\r\n")
		}
		_ = w.Flush()
		dc.Close()
		fs.reply(226, "transfer complete")
	case "RETR":
		p := fs.abs(arg)
		s.mu.Lock()
		content, ok := s.files[p]
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such file")
			return true
		}
		fs.reply(150, "opening data connection")
		dc, err := fs.accept()
		if err != nil {
			fs.reply(425, "no data connection")
			return true
		}
		if s.stallRetr.Load() {
			_, _ = dc.Write(content[:len(content)/2])
			_, _ = io.Copy(io.Discard, dc)
			dc.Close()
			fs.reply(426, "transfer aborted")
			return true
		}
		_, _ = dc.Write(content)
		dc.Close()
		fs.reply(226, "transfer complete")
	case "STOR", "APPE":
		p := fs.abs(arg)
		fs.reply(150, "ok to send data")
		dc, err := fs.accept()
		if err != nil {
			fs.reply(425, "no data connection")
			return true
		}
		data, _ := io.ReadAll(dc)
		dc.Close()
		s.mu.Lock()
		if verb == "APPE" {
			data = append(append([]byte{}, s.files[p]...), data...)
		}
		s.files[p] = data
		s.mtime[p] = time.Now().UTC()
		s.mu.Unlock()
		s.stores.Add(1)
		fs.reply(226, "transfer complete")
	case "SIZE":
		s.mu.Lock()
		b, ok := s.files[fs.abs(arg)]
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such file")
			return true
		}
		fs.reply(213, strconv.Itoa(len(b)))
	case "MDTM":
		s.mu.Lock()
		t, ok := s.mtime[fs.abs(arg)]
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such file")
			return true
		}
		fs.reply(213, t.Format("20060102150405"))
	case "MKD":
		p := fs.abs(arg)
		s.mu.Lock()
		_, isFile := s.files[p]
		exists := isFile || s.dirs[p]
		if !exists {
			s.dirs[p] = true
		}
		s.mu.Unlock()
		if exists {
			fs.reply(550, "File exists")
			return true
		}
		fs.reply(257, strconv.Quote(p)+" created")
	case "RMD":
		p := fs.abs(arg)
		s.mu.Lock()
		code, msg := 250, "directory removed"
		switch {
		case !s.dirs[p]:
			code, msg = 550, "No such directory"
		case len(s.children(p)) > 0:
			code, msg = 550, "Directory not empty"
		default:
			delete(s.dirs, p)
		}
		s.mu.Unlock()
		fs.reply(code, msg)
	case "DELE":
		p := fs.abs(arg)
		s.mu.Lock()
		_, ok := s.files[p]
		delete(s.files, p)
		delete(s.mtime, p)
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such file")
			return true
		}
		fs.reply(250, "file deleted")
	case "RNFR":
		p := fs.abs(arg)
		s.mu.Lock()
		_, isFile := s.files[p]
		ok := isFile || s.dirs[p]
		s.mu.Unlock()
		if !ok {
			fs.reply(550, "No such file")
			return true
		}
		fs.renameF = p
		fs.reply(350, "ready for RNTO")
	case "RNTO":
		if fs.renameF == "" {
			fs.reply(503, "RNFR required first")
			return true
		}
		from, to := fs.renameF, fs.abs(arg)
		fs.renameF = ""
		s.mu.Lock()
		if b, ok := s.files[from]; ok {
			s.files[to], s.mtime[to] = b, s.mtime[from]
			delete(s.files, from)
			delete(s.mtime, from)
		} else {
			delete(s.dirs, from)
			s.dirs[to] = true
		}
		s.mu.Unlock()
		fs.reply(250, "renamed")
	default:
		fs.reply(502, "command not implemented")
	}
	return true
}

func (fs *fakeSession) listen() (int, bool) {
	if fs.data != nil {
		fs.data.Close()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, false
	}
	fs.data = ln
	return ln.Addr().(*net.TCPAddr).Port, true
}

// children returns the direct children of dir. Must be called with mu held.
func (s *fakeServer) children(dir string) []string {
	var names []string
	add := func(p string) {
		if p != dir && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	for p := range s.files {
		add(p)
	}
	for p := range s.dirs {
		add(p)
	}
	sort.Strings(names)
	return names
}

func (fs *fakeSession) listLines(dir string) []string {
	s := fs.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := []string{"total 0"}
	for _, name := range s.children(dir) {
		p := path.Join(dir, name)
		if s.dirs[p] {
			lines = append(lines, fmt.Sprintf("drwxr-xr-x 2 owner group 4096 Jan 02  2023 %s", name))
			continue
		}
		lines = append(lines, fmt.Sprintf("-rw-r--r-- 1 owner group %d Jan 02  2023 %s", len(s.files[p]), name))
	}
	return append(lines, s.extraList...)
}
