package amqp

import "github.com/israelio/amqpcore/internal/transport"

// TLSOptions configures TLS for amqps connections
type TLSOptions = transport.TLSOptions

// TLSVersion names a TLS protocol version
type TLSVersion = transport.TLSVersion

const (
	TLSvDefault = transport.TLSvDefault
	TLSv1       = transport.TLSv1
	TLSv1_1     = transport.TLSv1_1
	TLSv1_2     = transport.TLSv1_2
	TLSv1_3     = transport.TLSv1_3
	TLSvLatest  = transport.TLSvLatest
)

// DefaultTLSOptions returns options with peer and hostname verification on
func DefaultTLSOptions() *TLSOptions {
	return transport.DefaultTLSOptions()
}

// ParseTLSVersion parses a version name such as "1.2" or "TLSv1.3"
func ParseTLSVersion(s string) (TLSVersion, error) {
	v, err := transport.ParseTLSVersion(s)
	if err != nil {
		return v, &Error{Kind: KindUnsupported, Reason: "unsupported TLS version", Err: err}
	}
	return v, nil
}

// InitTLS loads the system certificate pool. Applications should call it
// once at startup, before the first amqps connection, so a broken trust
// store shows up there. It is safe to call more than once. When it was not
// called, the first TLS Open without a CA file loads the pool itself and
// reports a failure as the Open error.
func InitTLS() error {
	return transport.InitTLS()
}
