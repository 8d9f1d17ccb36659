package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

var errnoKinds = map[syscall.Errno]Kind{
	syscall.ENOENT:       KindNotFound,
	syscall.ESRCH:        KindNotFound,
	syscall.ENXIO:        KindNotFound,
	syscall.EEXIST:       KindAlreadyExists,
	syscall.EACCES:       KindPermissionDenied,
	syscall.EPERM:        KindPermissionDenied,
	syscall.EROFS:        KindPermissionDenied,
	syscall.EOPNOTSUPP:   KindNotSupported,
	syscall.ENOSYS:       KindNotSupported,
	syscall.EXDEV:        KindNotSupported,
	syscall.EINVAL:       KindInvalidCall,
	syscall.ENOTDIR:      KindInvalidCall,
	syscall.EISDIR:       KindInvalidCall,
	syscall.ENOTEMPTY:    KindInvalidCall,
	syscall.ENAMETOOLONG: KindInvalidCall,
	syscall.ELOOP:        KindInvalidCall,
	syscall.EBADF:        KindInvalidCall,
	syscall.EDQUOT:       KindQuotaExceeded,
	syscall.ENOSPC:       KindQuotaExceeded,
	syscall.EFBIG:        KindQuotaExceeded,
	syscall.EMFILE:       KindQuotaExceeded,
	syscall.ETIMEDOUT:    KindNetworkFailure,
	syscall.ECONNRESET:   KindNetworkFailure,
	syscall.ECONNREFUSED: KindNetworkFailure,
	syscall.ECONNABORTED: KindNetworkFailure,
	syscall.EHOSTUNREACH: KindNetworkFailure,
	syscall.ENETUNREACH:  KindNetworkFailure,
	syscall.ENETDOWN:     KindNetworkFailure,
	syscall.EPIPE:        KindNetworkFailure,
	syscall.ENOTCONN:     KindNetworkFailure,
	syscall.ECANCELED:    KindCancelled,
}

// FromErrno translates a POSIX errno. Unknown values become KindIOFailure
// with the errno attached as the code.
func FromErrno(errno syscall.Errno) *Error {
	kind, ok := errnoKinds[errno]
	if !ok {
		kind = KindIOFailure
		// ENOTSUP aliases EOPNOTSUPP on Linux and must stay out of the map.
		if errno == syscall.ENOTSUP {
			kind = KindNotSupported
		}
	}
	e := New(kind, errno.Error()).WithCode(DomainPOSIX, int(errno))
	if errno == syscall.EAGAIN || errno == syscall.EBUSY || errno == syscall.EINTR {
		e.Retryable = true
	}
	return e.WithCause(errno)
}

// FromOS translates errors returned by the os, io and io/fs packages.
// Operation and path are recorded on the result when non-empty.
func FromOS(err error, operation, path string) error {
	if err == nil {
		return nil
	}
	e := fromOS(err)
	if operation != "" && e.Operation == "" {
		e.Operation = operation
	}
	if path != "" && e.Path == "" {
		e.Path = path
	}
	return e
}

func fromOS(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindCancelled, err, "operation cancelled")
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		t := FromErrno(errno)
		t.Cause = err
		return t
	}
	switch {
	case stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.EOF):
		return Wrap(KindUnexpectedEOF, err, "unexpected end of file")
	case stderrors.Is(err, fs.ErrNotExist):
		return Wrap(KindNotFound, err, "no such file or directory")
	case stderrors.Is(err, fs.ErrExist):
		return Wrap(KindAlreadyExists, err, "file already exists")
	case stderrors.Is(err, fs.ErrPermission):
		return Wrap(KindPermissionDenied, err, "permission denied")
	case stderrors.Is(err, fs.ErrClosed):
		return Wrap(KindInvalidCall, err, "file already closed")
	case stderrors.Is(err, fs.ErrInvalid):
		return Wrap(KindInvalidCall, err, "invalid argument")
	}
	return Wrap(KindIOFailure, err, err.Error())
}

// FromNetwork translates transport-level failures. Dropped connections and
// timeouts are retryable network failures; TLS and certificate problems are
// protocol errors.
func FromNetwork(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindCancelled, err, "operation cancelled")
	}

	var (
		recordErr  tls.RecordHeaderError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	if stderrors.As(err, &recordErr) || stderrors.As(err, &certErr) || stderrors.As(err, &unknownCA) ||
		stderrors.As(err, &hostErr) || stderrors.As(err, &invalidErr) {
		return Wrap(KindProtocolError, err, "secure connection failed").WithCode(DomainNet, 0)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return Wrap(KindNetworkFailure, err, "could not resolve host "+dnsErr.Name).
			WithCode(DomainNet, 0).
			WithRetryable(dnsErr.IsTemporary || dnsErr.IsTimeout)
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		t := FromErrno(errno)
		if t.Kind == KindNetworkFailure {
			t.Retryable = true
		}
		t.Cause = err
		return t
	}

	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, net.ErrClosed) {
		return Wrap(KindNetworkFailure, err, "connection closed by peer").WithCode(DomainNet, 0)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		msg := "network error"
		if netErr.Timeout() {
			msg = "network timeout"
		}
		return Wrap(KindNetworkFailure, err, msg).WithCode(DomainNet, 0)
	}
	return Wrap(KindIOFailure, err, err.Error())
}

// FromFTPReply translates an FTP reply code and its text.
func FromFTPReply(code int, message string) *Error {
	lower := strings.ToLower(message)
	var kind Kind
	retryable := false

	switch code {
	case 421, 425, 426:
		kind, retryable = KindNetworkFailure, true
	case 430, 530, 532:
		kind = KindAuthenticationFailure
	case 450, 451:
		kind, retryable = KindIOFailure, true
	case 452, 552:
		kind = KindQuotaExceeded
	case 500, 501, 502, 503, 504, 534, 535:
		kind = KindProtocolError
	case 550:
		switch {
		case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
			kind = KindPermissionDenied
		case strings.Contains(lower, "exists"):
			kind = KindAlreadyExists
		default:
			kind = KindNotFound
		}
	case 551:
		kind = KindInvalidCall
	case 553:
		kind = KindPermissionDenied
	default:
		kind = KindIOFailure
		retryable = code >= 400 && code < 500
	}

	if message == "" {
		message = "ftp server replied with an error"
	}
	return New(kind, message).WithCode(DomainFTP, code).WithRetryable(retryable)
}

// cloud error summaries look like "path/not_found/.." or "to/conflict/file/..".
var summaryKinds = []struct {
	prefix string
	kind   Kind
}{
	{"path/not_found", KindNotFound},
	{"path_lookup/not_found", KindNotFound},
	{"from_lookup/not_found", KindNotFound},
	{"path/conflict", KindAlreadyExists},
	{"to/conflict", KindAlreadyExists},
	{"path/insufficient_space", KindQuotaExceeded},
	{"insufficient_space", KindQuotaExceeded},
	{"path/no_write_permission", KindPermissionDenied},
	{"to/no_write_permission", KindPermissionDenied},
	{"path/malformed_path", KindInvalidCall},
	{"path/disallowed_name", KindInvalidCall},
	{"expired_access_token", KindAuthenticationFailure},
	{"invalid_access_token", KindAuthenticationFailure},
}

// FromHTTP translates an HTTP status code plus an optional API error
// summary string.
func FromHTTP(status int, summary string) *Error {
	kind := KindIOFailure
	retryable := false

	switch {
	case status == 401:
		kind = KindAuthenticationFailure
	case status == 403:
		kind = KindPermissionDenied
	case status == 404:
		kind = KindNotFound
	case status == 409:
		kind = KindProtocolError
		for _, s := range summaryKinds {
			if strings.HasPrefix(summary, s.prefix) {
				kind = s.kind
				break
			}
		}
	case status == 400:
		kind = KindProtocolError
	case status == 416:
		kind = KindUnexpectedEOF
	case status == 429:
		kind, retryable = KindNetworkFailure, true
	case status == 507:
		kind = KindQuotaExceeded
	case status >= 500 && status < 600:
		kind, retryable = KindNetworkFailure, true
	}

	message := summary
	if message == "" {
		message = "server returned an error"
	}
	domain := DomainHTTP
	if summary != "" {
		domain = DomainCloud
	}
	return New(kind, message).WithCode(domain, status).WithRetryable(retryable)
}

// SFTP status codes. Versions after 3 of the protocol add the codes from
// SFTPFileAlreadyExists on; servers speaking version 3 report them as
// SFTPFailure.
const (
	SFTPOK                  = 0
	SFTPEOF                 = 1
	SFTPNoSuchFile          = 2
	SFTPPermissionDenied    = 3
	SFTPFailure             = 4
	SFTPBadMessage          = 5
	SFTPNoConnection        = 6
	SFTPConnectionLost      = 7
	SFTPOpUnsupported       = 8
	SFTPInvalidHandle       = 9
	SFTPNoSuchPath          = 10
	SFTPFileAlreadyExists   = 11
	SFTPWriteProtect        = 12
	SFTPNoSpaceOnFilesystem = 14
	SFTPQuotaExceeded       = 15
	SFTPDirNotEmpty         = 18
	SFTPNotADirectory       = 19
	SFTPInvalidFilename     = 20
)

var sftpKinds = map[uint32]Kind{
	SFTPEOF:                 KindUnexpectedEOF,
	SFTPNoSuchFile:          KindNotFound,
	SFTPNoSuchPath:          KindNotFound,
	SFTPPermissionDenied:    KindPermissionDenied,
	SFTPWriteProtect:        KindPermissionDenied,
	SFTPBadMessage:          KindProtocolError,
	SFTPNoConnection:        KindNetworkFailure,
	SFTPConnectionLost:      KindNetworkFailure,
	SFTPOpUnsupported:       KindNotSupported,
	SFTPFileAlreadyExists:   KindAlreadyExists,
	SFTPQuotaExceeded:       KindQuotaExceeded,
	SFTPNoSpaceOnFilesystem: KindQuotaExceeded,
	SFTPInvalidHandle:       KindInvalidCall,
	SFTPDirNotEmpty:         KindInvalidCall,
	SFTPNotADirectory:       KindInvalidCall,
	SFTPInvalidFilename:     KindInvalidCall,
}

// FromSFTPStatus translates an SFTP status code and its message.
func FromSFTPStatus(code uint32, message string) *Error {
	kind, ok := sftpKinds[code]
	if !ok {
		kind = KindIOFailure
	}
	if message == "" {
		message = "sftp server returned an error"
	}
	return New(kind, message).WithCode(DomainSFTP, int(code)).WithRetryable(kind == KindNetworkFailure)
}

var s3Kinds = map[string]Kind{
	"NoSuchKey":             KindNotFound,
	"NotFound":              KindNotFound,
	"NoSuchBucket":          KindNotFound,
	"NoSuchUpload":          KindNotFound,
	"AccessDenied":          KindPermissionDenied,
	"InvalidAccessKeyId":    KindAuthenticationFailure,
	"SignatureDoesNotMatch": KindAuthenticationFailure,
	"ExpiredToken":          KindAuthenticationFailure,
	"SlowDown":              KindNetworkFailure,
	"RequestTimeout":        KindNetworkFailure,
	"InternalError":         KindNetworkFailure,
	"ServiceUnavailable":    KindNetworkFailure,
	"EntityTooLarge":        KindQuotaExceeded,
	"InvalidRange":          KindUnexpectedEOF,
	"BucketAlreadyExists":   KindAlreadyExists,
	"PreconditionFailed":    KindAlreadyExists,
}

// FromS3Code translates an S3 error code such as "NoSuchKey". The HTTP
// status is kept as the native code.
func FromS3Code(code string, status int, message string) *Error {
	kind, ok := s3Kinds[code]
	if !ok {
		kind = KindIOFailure
	}
	if message == "" {
		message = code
	}
	return New(kind, message).
		WithCode(DomainS3, status).
		WithContext("s3_code", code).
		WithRetryable(kind == KindNetworkFailure)
}
