package transport

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Kind classifies transport failures
type Kind int

const (
	KindIO Kind = iota
	KindRefused
	KindTimeout
	KindTLSHandshake
	KindBrokenPipe
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindRefused:
		return "connection refused"
	case KindTimeout:
		return "timeout"
	case KindTLSHandshake:
		return "tls handshake"
	case KindBrokenPipe:
		return "broken pipe"
	case KindClosed:
		return "closed"
	default:
		return "i/o"
	}
}

var (
	// ErrUnsupported is returned for TLS settings this transport cannot honour
	ErrUnsupported = errors.New("unsupported")

	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")
)

// Error is a classified transport failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a transport error, or KindIO for anything else
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindIO
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	var (
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		alertErr    tls.AlertError
	)

	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindClosed
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return KindBrokenPipe
	case errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.As(err, &recordErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &certErr), errors.As(err, &verifyErr), errors.As(err, &alertErr):
		return KindTLSHandshake
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindIO
}
