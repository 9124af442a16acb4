package amqp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultPort    = 5672
	defaultTLSPort = 5671
)

// ConnectionInfo holds the parameters needed to reach and log in to a broker
type ConnectionInfo struct {
	User     string
	Password string
	Host     string
	VHost    string
	Port     int
	SSL      bool
}

// DefaultConnectionInfo returns guest/guest on localhost:5672, vhost "/"
func DefaultConnectionInfo() ConnectionInfo {
	return ConnectionInfo{
		User:     "guest",
		Password: "guest",
		Host:     "localhost",
		VHost:    "/",
		Port:     defaultPort,
	}
}

// ParseURL parses an AMQP URL of the form
//
//	amqp[s]://[user[:password]@]host[:port][/vhost]
//
// Missing parts take the values of DefaultConnectionInfo, and amqps
// defaults to port 5671. The vhost is the percent-decoded path after the
// first slash, so "amqp://host" selects "/" while "amqp://host/" selects the
// empty vhost and "amqp://host/%2f" selects "/". Query parameters are ignored.
func ParseURL(raw string) (ConnectionInfo, error) {
	info := DefaultConnectionInfo()

	u, err := url.Parse(raw)
	if err != nil {
		return info, badURL(raw, err.Error())
	}

	switch strings.ToLower(u.Scheme) {
	case "amqp":
	case "amqps":
		info.SSL = true
		info.Port = defaultTLSPort
	case "":
		return info, badURL(raw, "missing scheme (amqp:// or amqps://)")
	default:
		return info, badURL(raw, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	if u.Opaque != "" {
		return info, badURL(raw, "missing //")
	}

	if u.User != nil {
		info.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			info.Password = p
		}
	}

	if host := u.Hostname(); host != "" {
		info.Host = host
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return info, badURL(raw, fmt.Sprintf("invalid port %q", p))
		}
		info.Port = port
	}

	if path := u.EscapedPath(); path != "" {
		vhost := strings.TrimPrefix(path, "/")
		if strings.Contains(vhost, "/") {
			return info, badURL(raw, "vhost must be a single path segment, use %2f for '/'")
		}
		if info.VHost, err = url.PathUnescape(vhost); err != nil {
			return info, badURL(raw, err.Error())
		}
	}

	return info, nil
}

func badURL(raw, reason string) *Error {
	return &Error{Kind: KindUsage, Reason: fmt.Sprintf("bad url %q: %s", redact(raw), reason)}
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// URL formats the info as an AMQP URL that ParseURL maps back to the same
// value
func (ci ConnectionInfo) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(ci.Host, strconv.Itoa(ci.Port)),
	}
	if ci.SSL {
		u.Scheme = "amqps"
	}
	if ci.User != "" || ci.Password != "" {
		u.User = url.UserPassword(ci.User, ci.Password)
	}

	s := u.String()
	if ci.VHost != "/" {
		s += "/" + url.PathEscape(ci.VHost)
	}
	return s
}

// String returns the URL with the password masked
func (ci ConnectionInfo) String() string {
	return redact(ci.URL())
}

// Address returns host:port
func (ci ConnectionInfo) Address() string {
	return net.JoinHostPort(ci.Host, strconv.Itoa(ci.Port))
}
