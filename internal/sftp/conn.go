package sftp

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"time"

	gosftp "github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/vfs"
)

// conn is one SSH connection carrying one SFTP channel. ssh is nil when the
// client came from Options.Dial.
type conn struct {
	client *gosftp.Client
	ssh    *ssh.Client
}

func (c *conn) close() error {
	err := c.client.Close()
	if c.ssh != nil {
		if serr := c.ssh.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// probe checks an idle connection with an OpenSSH keepalive, or with a
// cheap request when there is no SSH layer to ask.
func (c *conn) probe(ctx context.Context) error {
	if err := errors.Check(ctx); err != nil {
		return err
	}
	if c.ssh != nil {
		if _, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return errors.Wrap(errors.KindNetworkFailure, err, "keepalive failed").WithComponent(Tag)
		}
		return nil
	}
	_, err := c.client.Getwd()
	return translate(err)
}

type dialConfig struct {
	addr    string
	user    string
	cred    vfs.Credential
	timeout time.Duration
	hostKey ssh.HostKeyCallback
	logger  *zap.Logger
}

// dial connects, authenticates and opens the sftp subsystem. The SSH
// handshake is aborted when ctx ends.
func dial(ctx context.Context, dc dialConfig) (*conn, error) {
	auth, err := authMethods(dc.cred)
	if err != nil {
		return nil, err
	}
	user := dc.user
	if user == "" {
		user = dc.cred.User
	}
	if user == "" {
		return nil, errors.New(errors.KindAuthenticationFailure, "ssh user not specified").WithComponent(Tag)
	}

	d := &net.Dialer{Timeout: dc.timeout}
	nc, err := d.DialContext(ctx, "tcp", dc.addr)
	if err != nil {
		return nil, errors.As(errors.FromNetwork(err)).WithComponent(Tag).WithOperation("dial")
	}

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	c, chans, reqs, err := ssh.NewClientConn(nc, dc.addr, &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: dc.hostKey,
		Timeout:         dc.timeout,
	})
	if !stop() {
		if c != nil {
			c.Close()
		}
		return nil, errors.FromContext(ctx).WithComponent(Tag).WithOperation("ssh handshake")
	}
	if err != nil {
		nc.Close()
		return nil, handshakeError(err)
	}

	client := ssh.NewClient(c, chans, reqs)
	sc, err := gosftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.KindProtocolError, err, "could not start sftp subsystem").WithComponent(Tag)
	}
	dc.logger.Debug("Connected", zap.String("addr", dc.addr), zap.String("user", user))
	return &conn{client: sc, ssh: client}, nil
}

func authMethods(cred vfs.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil && cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
		}
		if err != nil {
			return nil, errors.Wrap(errors.KindAuthenticationFailure, err, "unusable private key").WithComponent(Tag)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	password := cred.Password
	methods = append(methods,
		ssh.Password(password),
		ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	)
	return methods, nil
}

func handshakeError(err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case stderrors.As(err, &keyErr):
		return errors.Wrap(errors.KindProtocolError, err, "host key verification failed").WithComponent(Tag)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return errors.Wrap(errors.KindAuthenticationFailure, err, "ssh authentication failed").WithComponent(Tag)
	}
	return errors.As(errors.FromNetwork(err)).WithComponent(Tag).WithOperation("ssh handshake")
}

// hostKeyCallback picks the host key policy: an explicit callback, a
// known_hosts file, or no verification.
func hostKeyCallback(opts Options, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if opts.HostKeyCallback != nil {
		return opts.HostKeyCallback, nil
	}
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errors.FromOS(err, "read known_hosts", opts.KnownHostsFile)
		}
		return cb, nil
	}
	logger.Warn("Host keys are not verified; set a known_hosts file")
	return ssh.InsecureIgnoreHostKey(), nil
}

// translate maps sftp client errors. The client reports the common status
// codes as fs errors and the rest as *StatusError.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}
	var st *gosftp.StatusError
	if stderrors.As(err, &st) {
		return errors.FromSFTPStatus(st.Code, st.Error()).WithCause(err).WithComponent(Tag)
	}

	code := -1
	switch {
	case stderrors.Is(err, gosftp.ErrSSHFxConnectionLost), stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.ErrClosedPipe):
		// Outside file reads an end of stream means the channel went away.
		code = errors.SFTPConnectionLost
	case stderrors.Is(err, gosftp.ErrSSHFxNoConnection):
		code = errors.SFTPNoConnection
	case stderrors.Is(err, gosftp.ErrSSHFxOpUnsupported):
		code = errors.SFTPOpUnsupported
	case stderrors.Is(err, fs.ErrNotExist):
		code = errors.SFTPNoSuchFile
	case stderrors.Is(err, fs.ErrPermission):
		code = errors.SFTPPermissionDenied
	case stderrors.Is(err, fs.ErrExist):
		code = errors.SFTPFileAlreadyExists
	}
	if code >= 0 {
		return errors.FromSFTPStatus(uint32(code), err.Error()).WithCause(err).WithComponent(Tag)
	}
	return errors.As(errors.FromNetwork(err)).WithComponent(Tag)
}
