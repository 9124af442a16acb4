package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// TLSVersion names a TLS protocol version. The zero value leaves the
// choice to crypto/tls.
type TLSVersion int

const (
	TLSvDefault TLSVersion = iota
	TLSv1
	TLSv1_1
	TLSv1_2
	TLSv1_3
	TLSvLatest
)

func (v TLSVersion) String() string {
	switch v {
	case TLSvDefault:
		return "default"
	case TLSv1:
		return "TLSv1"
	case TLSv1_1:
		return "TLSv1.1"
	case TLSv1_2:
		return "TLSv1.2"
	case TLSv1_3:
		return "TLSv1.3"
	case TLSvLatest:
		return "latest"
	}
	return "unknown"
}

func (v TLSVersion) wire() (uint16, error) {
	switch v {
	case TLSvDefault:
		return 0, nil
	case TLSv1:
		return tls.VersionTLS10, nil
	case TLSv1_1:
		return tls.VersionTLS11, nil
	case TLSv1_2:
		return tls.VersionTLS12, nil
	case TLSv1_3, TLSvLatest:
		return tls.VersionTLS13, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "tls version %d", int(v))
}

// ParseTLSVersion accepts "1.0".."1.3", "TLSv1".."TLSv1.3", "latest" and ""
func ParseTLSVersion(s string) (TLSVersion, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "tlsv") {
	case "":
		return TLSvDefault, nil
	case "1", "1.0":
		return TLSv1, nil
	case "1.1", "1_1":
		return TLSv1_1, nil
	case "1.2", "1_2":
		return TLSv1_2, nil
	case "1.3", "1_3":
		return TLSv1_3, nil
	case "latest":
		return TLSvLatest, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "tls version %q", s)
}

// TLSOptions configure a TLS transport. Build them with DefaultTLSOptions;
// peer and hostname verification can only be turned off explicitly.
type TLSOptions struct {
	CACertFile     string
	CertFile       string
	KeyFile        string
	MinVersion     TLSVersion
	MaxVersion     TLSVersion
	VerifyPeer     bool
	VerifyHostname bool
	// ServerName overrides the host name used for SNI and verification
	ServerName string
}

// DefaultTLSOptions returns options with full certificate verification
func DefaultTLSOptions() *TLSOptions {
	return &TLSOptions{
		VerifyPeer:     true,
		VerifyHostname: true,
	}
}

// Insecure reports whether any verification has been disabled
func (o *TLSOptions) Insecure() bool {
	return !o.VerifyPeer || !o.VerifyHostname
}

var (
	tlsOnce    sync.Once
	systemPool *x509.CertPool
	tlsInitErr error
)

// InitTLS loads the system certificate pool. It is safe to call any number
// of times; Dial calls it before the first TLS handshake.
func InitTLS() error {
	tlsOnce.Do(func() {
		systemPool, tlsInitErr = x509.SystemCertPool()
		if tlsInitErr != nil {
			tlsInitErr = errors.Wrap(tlsInitErr, "load system cert pool")
		}
	})
	return tlsInitErr
}

// Config builds a *tls.Config for dialing host
func (o *TLSOptions) Config(host string) (*tls.Config, error) {
	minVersion, err := o.MinVersion.wire()
	if err != nil {
		return nil, err
	}
	maxVersion, err := o.MaxVersion.wire()
	if err != nil {
		return nil, err
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return nil, errors.Errorf("tls min version %s above max version %s", o.MinVersion, o.MaxVersion)
	}

	roots, err := o.rootPool()
	if err != nil {
		return nil, err
	}

	serverName := o.ServerName
	if serverName == "" {
		serverName = host
	}

	cfg := &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		MinVersion: minVersion,
		MaxVersion: maxVersion,
	}

	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch {
	case !o.VerifyPeer:
		cfg.InsecureSkipVerify = true
	case !o.VerifyHostname:
		// chain is still checked, only the name match is skipped
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChain(roots)
	}

	return cfg, nil
}

// rootPool falls back to InitTLS when the application did not call it
func (o *TLSOptions) rootPool() (*x509.CertPool, error) {
	if o.CACertFile == "" {
		if err := InitTLS(); err != nil {
			return nil, err
		}
		return systemPool, nil
	}

	pem, err := os.ReadFile(o.CACertFile)
	if err != nil {
		return nil, errors.Wrap(err, "read ca cert")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", o.CACertFile)
	}
	return pool, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server sent no certificate")
		}

		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errors.Wrap(err, "parse server certificate")
			}
			certs[i] = cert
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}

		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}
