package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestFromErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		errno syscall.Errno
		want  Kind
	}{
		{syscall.ENOENT, KindNotFound},
		{syscall.EEXIST, KindAlreadyExists},
		{syscall.EACCES, KindPermissionDenied},
		{syscall.EPERM, KindPermissionDenied},
		{syscall.EROFS, KindPermissionDenied},
		{syscall.ENOTSUP, KindNotSupported},
		{syscall.EOPNOTSUPP, KindNotSupported},
		{syscall.EXDEV, KindNotSupported},
		{syscall.ENOTEMPTY, KindInvalidCall},
		{syscall.ENOTDIR, KindInvalidCall},
		{syscall.ENOSPC, KindQuotaExceeded},
		{syscall.EDQUOT, KindQuotaExceeded},
		{syscall.ECONNRESET, KindNetworkFailure},
		{syscall.ETIMEDOUT, KindNetworkFailure},
		{syscall.ECANCELED, KindCancelled},
		{syscall.EIO, KindIOFailure},
		{syscall.Errno(4242), KindIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := FromErrno(tt.errno)
			if err.Kind != tt.want {
				t.Errorf("FromErrno(%d) kind = %v, want %v", tt.errno, err.Kind, tt.want)
			}
			if err.Domain != DomainPOSIX || err.Code != int(tt.errno) {
				t.Errorf("FromErrno(%d) lost native code: %s", tt.errno, err.String())
			}
		})
	}
}

func TestFromErrno_TransientIsRetryableIOFailure(t *testing.T) {
	t.Parallel()

	for _, errno := range []syscall.Errno{syscall.EINTR, syscall.EAGAIN, syscall.EBUSY} {
		err := FromErrno(errno)
		if err.Kind != KindIOFailure {
			t.Errorf("FromErrno(%v) kind = %v, want %v", errno, err.Kind, KindIOFailure)
		}
		if !err.Retryable {
			t.Errorf("FromErrno(%v) should be retryable", errno)
		}
	}
	if IsKind(FromOS(syscall.EINTR, "read", "/x"), KindCancelled) {
		t.Error("a signal interruption is not a caller cancellation")
	}
}

func TestFromOS(t *testing.T) {
	t.Parallel()

	if FromOS(nil, "stat", "/x") != nil {
		t.Fatal("FromOS(nil) should be nil")
	}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"path error", &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, KindNotFound},
		{"link error", &os.LinkError{Op: "rename", Old: "/a", New: "/b", Err: syscall.EXDEV}, KindNotSupported},
		{"fs not exist", fs.ErrNotExist, KindNotFound},
		{"fs exist", fmt.Errorf("mkdir: %w", fs.ErrExist), KindAlreadyExists},
		{"fs permission", fs.ErrPermission, KindPermissionDenied},
		{"closed file", os.ErrClosed, KindInvalidCall},
		{"short read", io.ErrUnexpectedEOF, KindUnexpectedEOF},
		{"cancelled", context.Canceled, KindCancelled},
		{"foreign", errors.New("weird"), KindIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromOS(tt.err, "op", "/path")
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("FromOS returned %T, want *Error", err)
			}
			if e.Kind != tt.want {
				t.Errorf("kind = %v, want %v", e.Kind, tt.want)
			}
			if e.Path != "/path" || e.Operation != "op" {
				t.Errorf("FromOS did not record operation/path: %s", e.String())
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestFromNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		want      Kind
		retryable bool
	}{
		{"timeout", &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}, KindNetworkFailure, true},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, KindNetworkFailure, true},
		{"peer closed", io.EOF, KindNetworkFailure, true},
		{"dns", &net.DNSError{Name: "nowhere.invalid", Err: "no such host", IsNotFound: true}, KindNetworkFailure, false},
		{"cancelled", context.Canceled, KindCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromNetwork(tt.err)
			if got := KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestFromFTPReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      int
		message   string
		want      Kind
		retryable bool
	}{
		{421, "Service not available", KindNetworkFailure, true},
		{425, "Can't open data connection", KindNetworkFailure, true},
		{530, "Login incorrect", KindAuthenticationFailure, false},
		{450, "File busy", KindIOFailure, true},
		{452, "Insufficient storage", KindQuotaExceeded, false},
		{552, "Exceeded storage allocation", KindQuotaExceeded, false},
		{500, "Syntax error", KindProtocolError, false},
		{502, "Command not implemented", KindProtocolError, false},
		{550, "No such file or directory", KindNotFound, false},
		{550, "Permission denied", KindPermissionDenied, false},
		{550, "Directory already exists", KindAlreadyExists, false},
		{553, "File name not allowed", KindPermissionDenied, false},
		{499, "odd", KindIOFailure, true},
		{599, "odd", KindIOFailure, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.code, tt.message), func(t *testing.T) {
			err := FromFTPReply(tt.code, tt.message)
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Domain != DomainFTP || err.Code != tt.code {
				t.Errorf("native code lost: %s", err.String())
			}
		})
	}
}

func TestFromHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		summary   string
		want      Kind
		retryable bool
	}{
		{401, "expired_access_token/..", KindAuthenticationFailure, false},
		{403, "", KindPermissionDenied, false},
		{404, "", KindNotFound, false},
		{409, "path/not_found/...", KindNotFound, false},
		{409, "path_lookup/not_found/..", KindNotFound, false},
		{409, "to/conflict/file/..", KindAlreadyExists, false},
		{409, "path/insufficient_space/..", KindQuotaExceeded, false},
		{409, "path/no_write_permission/..", KindPermissionDenied, false},
		{409, "path/malformed_path/..", KindInvalidCall, false},
		{409, "something_new/..", KindProtocolError, false},
		{400, "bad input", KindProtocolError, false},
		{416, "", KindUnexpectedEOF, false},
		{429, "too_many_requests", KindNetworkFailure, true},
		{500, "", KindNetworkFailure, true},
		{503, "", KindNetworkFailure, true},
		{507, "", KindQuotaExceeded, false},
		{418, "", KindIOFailure, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.summary), func(t *testing.T) {
			err := FromHTTP(tt.status, tt.summary)
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Code != tt.status {
				t.Errorf("code = %d, want %d", err.Code, tt.status)
			}
		})
	}
}

func TestFromSFTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      uint32
		want      Kind
		retryable bool
	}{
		{SFTPNoSuchFile, KindNotFound, false},
		{SFTPPermissionDenied, KindPermissionDenied, false},
		{SFTPEOF, KindUnexpectedEOF, false},
		{SFTPBadMessage, KindProtocolError, false},
		{SFTPNoConnection, KindNetworkFailure, true},
		{SFTPConnectionLost, KindNetworkFailure, true},
		{SFTPOpUnsupported, KindNotSupported, false},
		{SFTPFileAlreadyExists, KindAlreadyExists, false},
		{SFTPQuotaExceeded, KindQuotaExceeded, false},
		{SFTPFailure, KindIOFailure, false},
		{99, KindIOFailure, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			err := FromSFTPStatus(tt.code, "")
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Domain != DomainSFTP || err.Code != int(tt.code) {
				t.Errorf("native code lost: %s", err.String())
			}
		})
	}
}

func TestFromS3Code(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      string
		want      Kind
		retryable bool
	}{
		{"NoSuchKey", KindNotFound, false},
		{"NotFound", KindNotFound, false},
		{"NoSuchBucket", KindNotFound, false},
		{"AccessDenied", KindPermissionDenied, false},
		{"InvalidAccessKeyId", KindAuthenticationFailure, false},
		{"SignatureDoesNotMatch", KindAuthenticationFailure, false},
		{"ExpiredToken", KindAuthenticationFailure, false},
		{"SlowDown", KindNetworkFailure, true},
		{"RequestTimeout", KindNetworkFailure, true},
		{"InternalError", KindNetworkFailure, true},
		{"ServiceUnavailable", KindNetworkFailure, true},
		{"EntityTooLarge", KindQuotaExceeded, false},
		{"InvalidRange", KindUnexpectedEOF, false},
		{"SomethingElse", KindIOFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := FromS3Code(tt.code, 400, "")
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Domain != DomainS3 || err.Context["s3_code"] != tt.code {
				t.Errorf("native code lost: %s", err.String())
			}
		})
	}
}
