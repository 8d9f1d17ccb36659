package cloud

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/vfs/internal/circuit"
	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/retry"
	"github.com/objectfs/vfs/pkg/vfs"
)

func newTestHost(t *testing.T, api *fakeAPI, mutate ...func(*Options)) *Host {
	t.Helper()
	opts := Options{
		Credentials: vfs.StaticCredentials{"alice": {Token: testToken}},
		APIURL:      api.srv.URL,
		ContentURL:  api.srv.URL,
		Retry:       &retry.Config{MaxAttempts: 1},
	}
	for _, m := range mutate {
		m(&opts)
	}
	h, err := New(vfs.Configuration{Account: "alice"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func readAll(t *testing.T, h *Host, p string) string {
	t.Helper()
	f, err := h.OpenFile(context.Background(), p, vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

// chunkFeed yields the given chunk sizes of a repeating pattern and then
// io.EOF. sent collects everything handed out.
type chunkFeed struct {
	chunks []int
	cur    []byte
	sent   bytes.Buffer
}

func (c *chunkFeed) feed(p []byte) (int, error) {
	if len(c.cur) == 0 {
		if len(c.chunks) == 0 {
			return 0, io.EOF
		}
		n := c.chunks[0]
		c.chunks = c.chunks[1:]
		c.cur = bytes.Repeat([]byte{byte('a' + len(c.chunks))}, n)
	}
	n := copy(p, c.cur)
	c.sent.Write(c.cur[:n])
	c.cur = c.cur[n:]
	return n, nil
}

func TestHost_ResolvePaginates(t *testing.T) {
	api := newFakeAPI(t)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		api.putFile("/"+name, name)
	}
	api.mkdir("/sub")
	h := newTestHost(t, api)
	ctx := context.Background()

	l, err := h.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, 6, l.Count())
	sub, ok := l.Lookup("sub")
	require.True(t, ok)
	assert.Equal(t, listing.FileTypeDirectory, sub.Type)
	a, ok := l.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.Size)
	assert.Equal(t, api.modTime, a.MTime.UTC())
	assert.Equal(t, int32(2), api.count("files/list_folder/continue"))

	_, err = h.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.lists.Load(), "second resolve served from cache")

	_, err = h.Resolve(ctx, "/", vfs.ForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.lists.Load())

	_, err = h.Resolve(ctx, "/missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "got %v", err)
	_, err = h.Resolve(ctx, "/a")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
}

func TestHost_Stat(t *testing.T) {
	api := newFakeAPI(t)
	api.putFile("/docs/readme.md", "hello")
	api.mkdir("/docs")
	h := newTestHost(t, api)
	ctx := context.Background()

	st, err := h.Stat(ctx, "/docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "readme.md", st.Name)
	assert.Equal(t, int64(5), st.Size)
	assert.False(t, st.IsDir())

	st, err = h.Stat(ctx, "/docs")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	st, err = h.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	_, err = h.Stat(ctx, "/nope")
	require.Error(t, err)
	e := errors.As(err)
	assert.Equal(t, errors.KindNotFound, e.Kind)
	assert.Equal(t, errors.DomainCloud, e.Domain)
	assert.Equal(t, http.StatusConflict, e.Code)
}

func TestHost_AuthenticationFailure(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api, func(o *Options) {
		o.Credentials = vfs.StaticCredentials{"alice": {Token: "wrong"}}
	})

	_, err := h.Stat(context.Background(), "/x")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailure), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, errors.As(err).Code)

	noToken := newTestHost(t, api, func(o *Options) { o.Credentials = nil })
	_, err = noToken.Stat(context.Background(), "/x")
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailure), "got %v", err)
	assert.Equal(t, int32(1), api.count("files/get_metadata"), "no request without a token")
}

func TestHost_CircuitBreaker(t *testing.T) {
	api := newFakeAPI(t)
	api.putFile("/a.txt", "x")
	h := newTestHost(t, api, func(o *Options) {
		o.Breaker = &circuit.Config{FailureThreshold: 2, Timeout: 50 * time.Millisecond}
	})
	ctx := context.Background()

	api.down.Store(true)
	for i := 0; i < 2; i++ {
		_, err := h.Stat(ctx, "/a.txt")
		assert.True(t, errors.IsKind(err, errors.KindNetworkFailure), "got %v", err)
	}
	require.Equal(t, int32(2), api.refused.Load())

	_, err := h.Stat(ctx, "/a.txt")
	require.Error(t, err)
	assert.Equal(t, "cloud:alice", errors.As(err).Component)
	assert.Equal(t, int32(2), api.refused.Load(), "open circuit must not reach the service")

	api.down.Store(false)
	require.Eventually(t, func() bool {
		_, err := h.Stat(ctx, "/a.txt")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFactory(t *testing.T) {
	api := newFakeAPI(t)
	opts := Options{
		Credentials: vfs.StaticCredentials{"alice": {Token: testToken}},
		APIURL:      api.srv.URL,
		ContentURL:  api.srv.URL,
		Retry:       &retry.Config{MaxAttempts: 1},
	}
	ctx := context.Background()

	host, err := Factory(opts)(ctx, vfs.Configuration{Kind: vfs.KindCloud, Account: "alice"}, nil)
	require.NoError(t, err)
	defer host.Close()
	assert.Equal(t, Tag, host.Tag())

	fs, err := host.(vfs.StatFSer).StatFS(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), fs.Total)
	assert.Equal(t, int64(2<<30), fs.Free)
	assert.Equal(t, "alice", fs.VolumeName)

	_, err = Factory(opts)(ctx, vfs.Configuration{Kind: vfs.KindCloud, Account: "bob"}, nil)
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailure), "got %v", err)

	_, err = Factory(opts)(ctx, vfs.Configuration{Kind: vfs.KindCloud}, nil)
	assert.Error(t, err, "account is required")
}

func TestDownload_Callbacks(t *testing.T) {
	api := newFakeAPI(t)
	api.putFile("/f.bin", "0123456789")
	h := newTestHost(t, api)
	ctx := context.Background()

	var (
		size int64
		got  bytes.Buffer
	)
	d := newDownload(h.client, h.logger, h.attempt, "/f.bin", 4)
	require.NoError(t, d.SetCallbacks(DownloadCallbacks{
		OnResponse: func(n int64) { size = n },
		OnData:     func(chunk []byte) { got.Write(chunk) },
	}))
	assert.NotEmpty(t, d.ID())
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, StateCompleted, d.State())
	assert.Equal(t, int64(6), size)
	assert.Equal(t, "456789", got.String())

	failure := make(chan error, 1)
	missing := newDownload(h.client, h.logger, h.attempt, "/missing", 0)
	require.NoError(t, missing.SetCallbacks(DownloadCallbacks{OnError: func(err error) { failure <- err }}))
	require.NoError(t, missing.Start(ctx))
	err := missing.Wait(ctx)
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "got %v", err)
	assert.Equal(t, StateFailed, missing.State())
	assert.Equal(t, err, <-failure)
}

func TestTransfer_StateMachine(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)
	ctx := context.Background()

	t.Run("idle cancel", func(t *testing.T) {
		d := newDownload(h.client, h.logger, h.attempt, "/f", 0)
		d.Cancel()
		assert.Equal(t, StateCancelled, d.State())
		select {
		case <-d.Done():
		default:
			t.Fatal("done not closed")
		}
		err := d.Start(ctx)
		assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
		err = d.SetCallbacks(DownloadCallbacks{})
		assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
	})

	t.Run("no feed", func(t *testing.T) {
		u := newUpload(h.client, h.logger, h.attempt, "/f", 1024)
		err := u.Start(ctx)
		assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
		assert.Equal(t, StateIdle, u.State())
	})

	t.Run("active", func(t *testing.T) {
		release := make(chan struct{})
		finished := make(chan error, 2)
		u := newUpload(h.client, h.logger, h.attempt, "/f", 1024)
		require.NoError(t, u.SetCallbacks(UploadCallbacks{
			Feed: func(p []byte) (int, error) {
				<-release
				return 0, io.EOF
			},
			OnFinished: func(total int64, err error) { finished <- err },
		}))
		require.NoError(t, u.Start(ctx))
		assert.Equal(t, StateActive, u.State())

		err := u.SetCallbacks(UploadCallbacks{Feed: func([]byte) (int, error) { return 0, io.EOF }})
		assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
		err = u.Start(ctx)
		assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)

		u.Cancel()
		close(release)
		err = u.Wait(ctx)
		assert.True(t, errors.IsKind(err, errors.KindCancelled), "got %v", err)
		assert.Equal(t, StateCancelled, u.State())

		assert.True(t, errors.IsKind(<-finished, errors.KindCancelled))
		assert.Empty(t, finished, "OnFinished fires once")
		_, exists := api.file("/f")
		assert.False(t, exists)
	})
}

func TestUpload_Session(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)
	ctx := context.Background()

	feed := &chunkFeed{chunks: []int{4096, 4096, 123}}
	type result struct {
		total int64
		err   error
	}
	finished := make(chan result, 2)
	u := newUpload(h.client, h.logger, h.attempt, "/big.bin", 4096)
	require.NoError(t, u.SetCallbacks(UploadCallbacks{
		Feed:       feed.feed,
		OnFinished: func(n int64, err error) { finished <- result{n, err} },
	}))
	require.NoError(t, u.Start(ctx))
	require.NoError(t, u.Wait(ctx))

	res := <-finished
	require.NoError(t, res.err)
	assert.Equal(t, int64(8315), res.total)
	assert.Empty(t, finished, "OnFinished fires once")
	assert.Equal(t, StateCompleted, u.State())

	content, ok := api.file("/big.bin")
	require.True(t, ok)
	assert.Equal(t, feed.sent.String(), content)
	assert.Equal(t, int32(1), api.count("files/upload_session/start"))
	assert.Equal(t, int32(1), api.count("files/upload_session/append_v2"))
	assert.Equal(t, int32(1), api.count("files/upload_session/finish"))
	assert.Equal(t, int32(0), api.count("files/upload"))
}

func TestTransfer_RetriesTransientFailures(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api, func(o *Options) {
		o.Retry = &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	})
	ctx := context.Background()

	for _, endpoint := range []string{
		"files/upload_session/start",
		"files/upload_session/append_v2",
		"files/upload_session/finish",
	} {
		api.failNext(endpoint, 1)
	}
	feed := &chunkFeed{chunks: []int{4096, 4096, 123}}
	finished := make(chan error, 1)
	u := newUpload(h.client, h.logger, h.attempt, "/big.bin", 4096)
	require.NoError(t, u.SetCallbacks(UploadCallbacks{
		Feed:       feed.feed,
		OnFinished: func(n int64, err error) { finished <- err },
	}))
	require.NoError(t, u.Start(ctx))
	require.NoError(t, u.Wait(ctx))
	require.NoError(t, <-finished)

	content, ok := api.file("/big.bin")
	require.True(t, ok)
	assert.Equal(t, feed.sent.String(), content)
	assert.Equal(t, int32(2), api.count("files/upload_session/append_v2"))

	api.failNext("files/download", 2)
	assert.Equal(t, feed.sent.String(), readAll(t, h, "/big.bin"))
	assert.Equal(t, int32(3), api.count("files/download"))
}

func TestUpload_SingleRequest(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)
	ctx := context.Background()

	feed := &chunkFeed{chunks: []int{100, 23}}
	u := newUpload(h.client, h.logger, h.attempt, "/small.bin", 4096)
	total := make(chan int64, 1)
	require.NoError(t, u.SetCallbacks(UploadCallbacks{
		Feed:       feed.feed,
		OnFinished: func(n int64, err error) { total <- n },
	}))
	require.NoError(t, u.Start(ctx))
	require.NoError(t, u.Wait(ctx))
	assert.Equal(t, int64(123), <-total)
	assert.Equal(t, int32(1), api.count("files/upload"))
	assert.Equal(t, int32(0), api.count("files/upload_session/start"))
}

func TestStream_Backpressure(t *testing.T) {
	ctx := context.Background()
	st := newStream(4, 0)
	st.push(ctx, []byte("abcd"))

	pushed := make(chan struct{})
	go func() {
		st.push(ctx, []byte("ef"))
		close(pushed)
	}()
	select {
	case <-pushed:
		t.Fatal("push did not block above the high water mark")
	case <-time.After(50 * time.Millisecond):
	}

	st.mu.Lock()
	assert.Equal(t, "abcd", string(st.buf.Next(4)))
	st.cond.Broadcast()
	st.mu.Unlock()

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("push not resumed after draining")
	}
	st.mu.Lock()
	assert.Equal(t, "ef", st.buf.String())
	st.mu.Unlock()

	st.push(ctx, []byte("gh"))
	abandoned := make(chan struct{})
	go func() {
		st.push(ctx, []byte("ij"))
		close(abandoned)
	}()
	st.abandon()
	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("abandon did not release the producer")
	}
}

func TestFile_ReadLarge(t *testing.T) {
	api := newFakeAPI(t)
	content := strings.Repeat("0123456789abcdef", 8*1024)
	api.putFile("/large.bin", content)
	h := newTestHost(t, api, func(o *Options) { o.BufferHighWater = 1024 })

	assert.Equal(t, content, readAll(t, h, "/large.bin"))
	assert.Equal(t, int32(1), api.count("files/download"))
}

func TestFile_Seek(t *testing.T) {
	api := newFakeAPI(t)
	api.putFile("/f.txt", "0123456789abcdef")
	h := newTestHost(t, api)

	f, err := h.OpenFile(context.Background(), "/f.txt", vfs.OpenRead)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, vfs.ReadSeek, f.ReadParadigm())
	assert.Equal(t, int64(16), f.Size())

	buf := make([]byte, 4)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf))

	pos, err := f.Seek(10, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(rest))

	pos, err = f.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(14), pos)
	rest, err = io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(rest))
	assert.Equal(t, int32(3), api.count("files/download"))

	_, err = f.Seek(17, io.SeekStart)
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
	_, err = f.ReadAt(buf, 0)
	assert.True(t, errors.IsKind(err, errors.KindNotSupported), "got %v", err)
}

func TestFile_Write(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api, func(o *Options) { o.ChunkSize = 4096 })
	ctx := context.Background()

	l, err := h.Resolve(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, 0, l.Count())

	content := strings.Repeat("x", 10000)
	f, err := h.OpenFile(ctx, "/out.txt", vfs.OpenWriteTruncate|vfs.OpenCreate)
	require.NoError(t, err)
	assert.Equal(t, vfs.WriteSequential, f.WriteParadigm())
	for i := 0; i < len(content); i += 1000 {
		_, err := f.Write([]byte(content[i : i+1000]))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10000), f.Size())
	require.NoError(t, f.Close())

	got, ok := api.file("/out.txt")
	require.True(t, ok)
	assert.Equal(t, content, got)
	assert.Equal(t, int32(1), api.count("files/upload_session/finish"))

	l, err = h.Resolve(ctx, "/")
	require.NoError(t, err)
	_, ok = l.Lookup("out.txt")
	assert.True(t, ok, "listing invalidated after upload")
	assert.Equal(t, content, readAll(t, h, "/out.txt"))
}

func TestFile_CreateEmpty(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)
	ctx := context.Background()

	f, err := h.OpenFile(ctx, "/empty", vfs.OpenWriteTruncate|vfs.OpenCreate)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, ok := api.file("/empty")
	require.True(t, ok)
	assert.Empty(t, got)

	_, err = h.OpenFile(ctx, "/empty", vfs.OpenWriteTruncate|vfs.OpenCreate|vfs.OpenExclusive)
	assert.True(t, errors.IsKind(err, errors.KindAlreadyExists), "got %v", err)
	_, err = h.OpenFile(ctx, "/empty", vfs.OpenWriteAppend)
	assert.True(t, errors.IsKind(err, errors.KindNotSupported), "got %v", err)
	_, err = h.OpenFile(ctx, "/absent", vfs.OpenRead)
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "got %v", err)
}

func TestFile_UploadSizeMismatch(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)

	f, err := h.OpenFile(context.Background(), "/sized", vfs.OpenWriteTruncate|vfs.OpenCreate)
	require.NoError(t, err)
	sized, ok := f.(interface{ SetUploadSize(int64) error })
	require.True(t, ok)
	require.NoError(t, sized.SetUploadSize(5))
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	err = f.Close()
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
	_, exists := api.file("/sized")
	assert.False(t, exists)
}

func TestFile_CancelUpload(t *testing.T) {
	api := newFakeAPI(t)
	h := newTestHost(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	f, err := h.OpenFile(ctx, "/cancelled", vfs.OpenWriteTruncate|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	cancel()

	err = f.Close()
	assert.True(t, errors.IsKind(err, errors.KindCancelled), "got %v", err)
	_, exists := api.file("/cancelled")
	assert.False(t, exists)
}

func TestHost_DirectoryOperations(t *testing.T) {
	api := newFakeAPI(t)
	api.mkdir("/full")
	api.putFile("/full/a", "a")
	api.putFile("/b.txt", "b")
	h := newTestHost(t, api)
	ctx := context.Background()

	require.NoError(t, h.CreateDirectory(ctx, "/new", 0755))
	err := h.CreateDirectory(ctx, "/new", 0755)
	assert.True(t, errors.IsKind(err, errors.KindAlreadyExists), "got %v", err)

	err = h.Remove(ctx, "/full")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
	_, ok := api.file("/full/a")
	assert.True(t, ok, "non-empty directory kept")

	require.NoError(t, h.Remove(ctx, "/new"))
	require.NoError(t, h.Rename(ctx, "/b.txt", "/c.txt"))
	_, ok = api.file("/c.txt")
	assert.True(t, ok)
	err = h.Rename(ctx, "/c.txt", "/full/a")
	assert.True(t, errors.IsKind(err, errors.KindAlreadyExists), "got %v", err)

	err = h.Remove(ctx, "/b.txt")
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "got %v", err)

	l, err := h.Resolve(ctx, "/")
	require.NoError(t, err)
	_, ok = l.Lookup("c.txt")
	assert.True(t, ok)
	_, ok = l.Lookup("new")
	assert.False(t, ok)
}

func TestHost_ReadOnlyAndClosed(t *testing.T) {
	api := newFakeAPI(t)
	api.putFile("/a", "a")
	h := newTestHost(t, api, func(o *Options) { o.ReadOnly = true })
	ctx := context.Background()

	assert.False(t, h.IsWritable())
	err := h.CreateDirectory(ctx, "/d", 0755)
	assert.True(t, errors.IsKind(err, errors.KindPermissionDenied), "got %v", err)
	_, err = h.OpenFile(ctx, "/a", vfs.OpenWriteTruncate)
	assert.True(t, errors.IsKind(err, errors.KindPermissionDenied), "got %v", err)

	require.NoError(t, h.Close())
	_, err = h.Resolve(ctx, "/")
	assert.True(t, errors.IsKind(err, errors.KindInvalidCall), "got %v", err)
}
