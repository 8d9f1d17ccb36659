package ftp

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// aLongTimeAgo is a deadline in the past used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// conn is one logged-in control connection. It is used by one goroutine at
// a time; the pool hands it out exclusively.
type conn struct {
	nc      net.Conn
	tp      *textproto.Conn
	host    string
	timeout time.Duration
	logger  *zap.Logger

	noEPSV bool
	broken bool
}

type dialConfig struct {
	addr    string
	user    string
	cred    vfs.Credential
	timeout time.Duration
	noEPSV  bool
	logger  *zap.Logger
}

// dial connects, reads the greeting, logs in and switches to binary mode.
func dial(ctx context.Context, dc dialConfig) (*conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", dc.addr)
	if err != nil {
		return nil, errors.As(errors.FromNetwork(err)).WithComponent(Tag).WithOperation("dial")
	}
	host, _, _ := net.SplitHostPort(dc.addr)
	c := &conn{
		nc:      nc,
		tp:      textproto.NewConn(nc),
		host:    host,
		timeout: dc.timeout,
		logger:  dc.logger,
		noEPSV:  dc.noEPSV,
	}

	if err := c.handshake(ctx, dc); err != nil {
		c.nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *conn) handshake(ctx context.Context, dc dialConfig) error {
	code, msg, err := c.read(ctx)
	if err != nil {
		return err
	}
	if code != 220 {
		return c.replyError(code, msg)
	}

	user, pass := dc.user, dc.cred.Password
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	code, msg, err = c.cmd(ctx, "USER %s", user)
	if err != nil {
		return err
	}
	if code == 331 {
		code, msg, err = c.cmd(ctx, "PASS %s", pass)
		if err != nil {
			return err
		}
	}
	switch {
	case code == 230 || code == 202:
	case code == 332:
		return errors.New(errors.KindAuthenticationFailure, "server requires an account").WithComponent(Tag)
	case code/100 == 5 && code != 530:
		return errors.FromFTPReply(530, msg).WithComponent(Tag)
	default:
		return c.replyError(code, msg)
	}

	if _, err := c.expect(ctx, 2, "TYPE I"); err != nil {
		return err
	}
	return nil
}

// bind applies the command timeout and ctx to the socket. The returned
// function must be called when the exchange is over.
func (c *conn) bind(ctx context.Context) func() bool {
	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.nc.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() { _ = c.nc.SetDeadline(aLongTimeAgo) })
}

// fail marks the connection unusable and translates err.
func (c *conn) fail(ctx context.Context, err error) *errors.Error {
	c.broken = true
	if ctx.Err() != nil {
		return errors.FromContext(ctx).WithCause(err).WithComponent(Tag)
	}
	return errors.As(errors.FromNetwork(err)).WithComponent(Tag)
}

func (c *conn) replyError(code int, msg string) *errors.Error {
	if code == 421 {
		c.broken = true
	}
	return errors.FromFTPReply(code, msg).WithComponent(Tag)
}

func (c *conn) read(ctx context.Context) (int, string, error) {
	release := c.bind(ctx)
	defer release()
	code, msg, err := c.tp.ReadResponse(0)
	if err != nil {
		return 0, "", c.fail(ctx, err)
	}
	return code, msg, nil
}

// cmd sends one command and reads its reply.
func (c *conn) cmd(ctx context.Context, format string, args ...interface{}) (int, string, error) {
	if c.broken {
		return 0, "", errors.New(errors.KindNetworkFailure, "control connection is broken").WithComponent(Tag).WithRetryable(true)
	}
	release := c.bind(ctx)
	defer release()

	if err := c.tp.PrintfLine(format, args...); err != nil {
		return 0, "", c.fail(ctx, err)
	}
	code, msg, err := c.tp.ReadResponse(0)
	if err != nil {
		return 0, "", c.fail(ctx, err)
	}
	if c.logger.Core().Enabled(zap.DebugLevel) {
		verb, _, _ := strings.Cut(format, " ")
		c.logger.Debug("Command", zap.String("cmd", verb), zap.Int("code", code))
	}
	return code, msg, nil
}

// expect runs a command and requires a reply of the given class (2 for 2xx).
func (c *conn) expect(ctx context.Context, class int, format string, args ...interface{}) (string, error) {
	code, msg, err := c.cmd(ctx, format, args...)
	if err != nil {
		return "", err
	}
	if code/100 != class {
		return msg, c.replyError(code, msg)
	}
	return msg, nil
}

// passive opens a data connection, trying EPSV before PASV. The address
// the server announces is ignored in favour of the control host.
func (c *conn) passive(ctx context.Context) (net.Conn, error) {
	port := 0
	if !c.noEPSV {
		code, msg, err := c.cmd(ctx, "EPSV")
		if err != nil {
			return nil, err
		}
		if code == 229 {
			port, err = parseEPSV(msg)
			if err != nil {
				return nil, err
			}
		} else {
			c.noEPSV = true
		}
	}
	if port == 0 {
		code, msg, err := c.cmd(ctx, "PASV")
		if err != nil {
			return nil, err
		}
		if code != 227 {
			return nil, c.replyError(code, msg)
		}
		if port, err = parsePASV(msg); err != nil {
			return nil, err
		}
	}

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	dc, err := d.DialContext(dctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.FromContext(ctx).WithCause(err).WithComponent(Tag)
		}
		return nil, errors.As(errors.FromNetwork(err)).WithComponent(Tag).WithOperation("data connection")
	}
	return dc, nil
}

func parseEPSV(msg string) (int, error) {
	start := strings.Index(msg, "(|||")
	end := strings.LastIndex(msg, "|)")
	if start < 0 || end <= start+4 {
		return 0, malformed("malformed EPSV reply")
	}
	port, err := strconv.Atoi(msg[start+4 : end])
	if err != nil || port <= 0 || port > 65535 {
		return 0, malformed("malformed EPSV port")
	}
	return port, nil
}

func parsePASV(msg string) (int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end <= start {
		return 0, malformed("malformed PASV reply")
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return 0, malformed("malformed PASV address")
	}
	hi, err1 := strconv.Atoi(strings.TrimSpace(parts[4]))
	lo, err2 := strconv.Atoi(strings.TrimSpace(parts[5]))
	if err1 != nil || err2 != nil || hi > 255 || lo > 255 {
		return 0, malformed("malformed PASV port")
	}
	return hi<<8 | lo, nil
}

// transfer opens a data connection and starts command on it. The caller
// moves the payload, closes the data connection and calls finish.
func (c *conn) transfer(ctx context.Context, format string, args ...interface{}) (net.Conn, error) {
	dc, err := c.passive(ctx)
	if err != nil {
		return nil, err
	}
	code, msg, err := c.cmd(ctx, format, args...)
	if err != nil {
		dc.Close()
		return nil, err
	}
	if code != 125 && code != 150 {
		dc.Close()
		return nil, c.replyError(code, msg)
	}
	return dc, nil
}

// finish reads the reply that ends a transfer.
func (c *conn) finish(ctx context.Context) error {
	code, msg, err := c.read(ctx)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return c.replyError(code, msg)
	}
	return nil
}

// maxListLine bounds a single LIST line; longer lines are dropped.
const maxListLine = 64 * 1024

// readLines splits r into lines, dropping any longer than limit bytes and
// counting them in skipped. A final line without a newline is kept.
func readLines(r io.Reader, limit int) (lines []string, skipped int, err error) {
	br := bufio.NewReaderSize(r, 4096)
	var buf []byte
	over := false
	for {
		chunk, more, rerr := br.ReadLine()
		if rerr == io.EOF {
			if over {
				skipped++
			} else if len(buf) > 0 {
				lines = append(lines, string(buf))
			}
			return lines, skipped, nil
		}
		if rerr != nil {
			return nil, skipped, rerr
		}
		if !over {
			if len(buf)+len(chunk) > limit {
				over = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if more {
			continue
		}
		if over {
			skipped++
		} else {
			lines = append(lines, string(buf))
		}
		buf = buf[:0]
		over = false
	}
}

// list returns the raw LIST lines of dir.
func (c *conn) list(ctx context.Context, dir string) ([]string, error) {
	if _, err := c.expect(ctx, 2, "CWD %s", dir); err != nil {
		return nil, err
	}
	dc, err := c.transfer(ctx, "LIST")
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = dc.SetDeadline(aLongTimeAgo) })
	lines, skipped, err := readLines(dc, maxListLine)
	stop()
	dc.Close()
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if skipped > 0 {
		c.logger.Debug("Skipped oversized LIST lines", zap.String("dir", dir), zap.Int("lines", skipped))
	}
	if err := c.finish(ctx); err != nil {
		return nil, err
	}
	return lines, nil
}

// size returns the SIZE of a file; replies outside 2xx are returned as
// errors with the FTP code attached.
func (c *conn) size(ctx context.Context, p string) (int64, error) {
	msg, err := c.expect(ctx, 2, "SIZE %s", p)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if perr != nil {
		return 0, malformed("malformed SIZE reply")
	}
	return n, nil
}

// mdtm returns the modification time, or the zero time when unsupported.
func (c *conn) mdtm(ctx context.Context, p string) (time.Time, error) {
	code, msg, err := c.cmd(ctx, "MDTM %s", p)
	if err != nil {
		return time.Time{}, err
	}
	if code/100 != 2 {
		return time.Time{}, nil
	}
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '.'); i > 0 {
		msg = msg[:i]
	}
	t, perr := time.Parse("20060102150405", msg)
	if perr != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (c *conn) noop(ctx context.Context) error {
	_, err := c.expect(ctx, 2, "NOOP")
	return err
}

// close sends QUIT when the connection is still healthy, then closes it.
func (c *conn) close() error {
	if !c.broken {
		_ = c.nc.SetDeadline(time.Now().Add(time.Second))
		if err := c.tp.PrintfLine("QUIT"); err == nil {
			_, _, _ = c.tp.ReadResponse(0)
		}
	}
	c.broken = true
	return c.tp.Close()
}
