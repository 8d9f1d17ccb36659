package cloud

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
)

// State is the lifecycle of one transfer.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// transfer holds the state machine shared by downloads and uploads:
// Idle -> Active -> Completed | Failed | Cancelled. Callbacks may only be
// changed while Idle and Start may only be called once.
type transfer struct {
	id     string
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *transfer) init(logger *zap.Logger, kind, path string) {
	t.id = uuid.NewString()
	t.logger = logger.With(zap.String("transfer", t.id), zap.String("kind", kind), zap.String("path", path))
	t.done = make(chan struct{})
}

// ID identifies the transfer in logs.
func (t *transfer) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the transfer leaves the Active state.
func (t *transfer) Done() <-chan struct{} { return t.done }

// Err returns the final error once the transfer is done.
func (t *transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// idleLocked fails unless the transfer is still Idle. Must be called with
// mu held.
func (t *transfer) idleLocked(action string) error {
	if t.state != StateIdle {
		return errors.Newf(errors.KindInvalidCall, "cannot %s a %s transfer", action, t.state).WithComponent(Tag)
	}
	return nil
}

// activateLocked moves Idle to Active and derives the context the
// transfer runs under. Must be called with mu held.
func (t *transfer) activateLocked(ctx context.Context) (context.Context, error) {
	if err := t.idleLocked("start"); err != nil {
		return nil, err
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.state = StateActive
	t.logger.Debug("Transfer started")
	return ctx, nil
}

// complete records the outcome. A context error decides Cancelled, any
// other error Failed.
func (t *transfer) complete(ctx context.Context, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return t.err
	}
	switch {
	case err == nil:
		t.state = StateCompleted
	case ctx.Err() != nil || errors.IsKind(err, errors.KindCancelled):
		t.state = StateCancelled
		if !errors.IsKind(err, errors.KindCancelled) {
			err = errors.Wrap(errors.KindCancelled, err, "transfer cancelled").WithComponent(Tag)
		}
	default:
		t.state = StateFailed
	}
	t.err = err
	t.cancel()
	close(t.done)
	t.logger.Debug("Transfer finished", zap.Stringer("state", t.state))
	return err
}

// Cancel stops an Active transfer. An Idle transfer moves straight to
// Cancelled.
func (t *transfer) Cancel() {
	t.mu.Lock()
	switch t.state {
	case StateIdle:
		t.state = StateCancelled
		t.err = errors.New(errors.KindCancelled, "transfer cancelled").WithComponent(Tag)
		close(t.done)
		t.mu.Unlock()
		return
	case StateActive:
		cancel := t.cancel
		t.mu.Unlock()
		cancel()
		return
	}
	t.mu.Unlock()
}

// Wait blocks until the transfer is done or ctx ends.
func (t *transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return errors.FromContext(ctx).WithComponent(Tag)
	}
}

// DownloadCallbacks are invoked from the transfer goroutine, one at a time.
type DownloadCallbacks struct {
	// OnResponse reports the size of the remaining content, or
	// listing.UnknownSize.
	OnResponse func(size int64)
	// OnError reports the error that ended the transfer.
	OnError func(err error)
	// OnData receives each chunk. It may block to hold back further
	// network reads; the chunk is only valid until it returns.
	OnData func(chunk []byte)
}

// Download streams a file from an offset.
type Download struct {
	transfer
	client    *client
	attempt   attemptFunc
	path      string
	offset    int64
	chunkSize int
	cb        DownloadCallbacks
}

// attemptFunc runs one request under a retry policy. The request must be
// safe to repeat.
type attemptFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (a attemptFunc) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if a == nil {
		return fn(ctx)
	}
	return a(ctx, fn)
}

func newDownload(c *client, logger *zap.Logger, attempt attemptFunc, p string, offset int64) *Download {
	d := &Download{
		client:    c,
		attempt:   attempt,
		path:      p,
		offset:    offset,
		chunkSize: 32 * 1024,
	}
	d.init(logger, "download", p)
	return d
}

// SetCallbacks installs the callbacks. It fails with InvalidCall once the
// transfer started.
func (d *Download) SetCallbacks(cb DownloadCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked("reconfigure"); err != nil {
		return err
	}
	d.cb = cb
	return nil
}

// Start issues the request and returns immediately.
func (d *Download) Start(ctx context.Context) error {
	d.mu.Lock()
	ctx, err := d.activateLocked(ctx)
	cb := d.cb
	d.mu.Unlock()
	if err != nil {
		return err
	}
	go d.run(ctx, cb)
	return nil
}

func (d *Download) run(ctx context.Context, cb DownloadCallbacks) {
	err := d.stream(ctx, cb)
	err = d.complete(ctx, err)
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
}

func (d *Download) stream(ctx context.Context, cb DownloadCallbacks) error {
	var resp *http.Response
	err := d.attempt.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = d.client.content(ctx, "files/download", map[string]string{"path": d.path}, nil, rangeHeader(d.offset))
		return err
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	size := listing.UnknownSize
	if resp.ContentLength >= 0 {
		size = resp.ContentLength
	}
	if cb.OnResponse != nil {
		cb.OnResponse(size)
	}

	buf := make([]byte, d.chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 && cb.OnData != nil {
			cb.OnData(buf[:n])
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return errors.FromContext(ctx).WithCause(rerr).WithComponent(Tag)
			}
			return errors.As(errors.FromNetwork(rerr)).WithComponent(Tag).WithPath(d.path)
		}
		if err := errors.Check(ctx); err != nil {
			return err
		}
	}
}

// UploadCallbacks drive an upload.
type UploadCallbacks struct {
	// Feed is pulled for more content whenever the transport can send. It
	// returns io.EOF once the content is complete.
	Feed func(p []byte) (int, error)
	// OnFinished fires exactly once with the number of bytes committed.
	OnFinished func(total int64, err error)
}

// Upload sends a file in one request, or through an upload session when
// the content is larger than one chunk.
type Upload struct {
	transfer
	client    *client
	attempt   attemptFunc
	path      string
	chunkSize int
	cb        UploadCallbacks
}

func newUpload(c *client, logger *zap.Logger, attempt attemptFunc, p string, chunkSize int) *Upload {
	u := &Upload{
		client:    c,
		attempt:   attempt,
		path:      p,
		chunkSize: chunkSize,
	}
	u.init(logger, "upload", p)
	return u
}

// SetCallbacks installs the callbacks. It fails with InvalidCall once the
// transfer started.
func (u *Upload) SetCallbacks(cb UploadCallbacks) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.idleLocked("reconfigure"); err != nil {
		return err
	}
	u.cb = cb
	return nil
}

// Start begins pulling from Feed and returns immediately.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.cb.Feed == nil && u.state == StateIdle {
		u.mu.Unlock()
		return errors.New(errors.KindInvalidCall, "upload has no feed callback").WithComponent(Tag)
	}
	ctx, err := u.activateLocked(ctx)
	cb := u.cb
	u.mu.Unlock()
	if err != nil {
		return err
	}
	go u.run(ctx, cb)
	return nil
}

func (u *Upload) run(ctx context.Context, cb UploadCallbacks) {
	total, err := u.send(ctx, cb.Feed)
	err = u.complete(ctx, err)
	if cb.OnFinished != nil {
		cb.OnFinished(total, err)
	}
}

// next fills chunk from feed. It reports whether the content ended.
func next(ctx context.Context, feed func([]byte) (int, error), chunk []byte) (int, bool, error) {
	n := 0
	for n < len(chunk) {
		if err := errors.Check(ctx); err != nil {
			return n, false, err
		}
		m, err := feed(chunk[n:])
		n += m
		if err == io.EOF {
			return n, true, nil
		}
		if err != nil {
			return n, false, err
		}
	}
	return n, false, nil
}

func (u *Upload) commit() commitInfo {
	return commitInfo{Path: u.path, Mode: "overwrite"}
}

// post sends one buffered chunk, again on each retryable failure.
func (u *Upload) post(ctx context.Context, endpoint string, arg interface{}, chunk []byte, out interface{}) error {
	return u.attempt.do(ctx, func(ctx context.Context) error {
		return u.client.contentJSON(ctx, endpoint, arg, bytes.NewReader(chunk), out)
	})
}

func (u *Upload) send(ctx context.Context, feed func([]byte) (int, error)) (int64, error) {
	chunk := make([]byte, u.chunkSize)
	n, eof, err := next(ctx, feed, chunk)
	if err != nil {
		return 0, err
	}
	if eof {
		var md metadata
		if err := u.post(ctx, "files/upload", u.commit(), chunk[:n], &md); err != nil {
			return 0, err
		}
		return int64(n), nil
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := u.post(ctx, "files/upload_session/start", map[string]bool{"close": false}, chunk[:n], &session); err != nil {
		return 0, err
	}
	if session.SessionID == "" {
		return 0, errors.New(errors.KindProtocolError, "upload session has no id").WithComponent(Tag)
	}
	cursor := uploadCursor{SessionID: session.SessionID, Offset: int64(n)}
	u.logger.Debug("Upload session started", zap.String("session", session.SessionID))

	for {
		n, eof, err = next(ctx, feed, chunk)
		if err != nil {
			return cursor.Offset, err
		}
		if eof {
			arg := map[string]interface{}{"cursor": cursor, "commit": u.commit()}
			var md metadata
			if err := u.post(ctx, "files/upload_session/finish", arg, chunk[:n], &md); err != nil {
				return cursor.Offset, err
			}
			total := cursor.Offset + int64(n)
			if md.Size != 0 && md.Size != total {
				return total, errors.New(errors.KindProtocolError, "server committed "+strconv.FormatInt(md.Size, 10)+" bytes").
					WithComponent(Tag).WithPath(u.path)
			}
			return total, nil
		}
		arg := map[string]interface{}{"cursor": cursor, "close": false}
		if err := u.post(ctx, "files/upload_session/append_v2", arg, chunk[:n], nil); err != nil {
			return cursor.Offset, err
		}
		cursor.Offset += int64(n)
	}
}
