// Package proxy is the proxy registry: a line-oriented proxy file, its parsed
// endpoints, sticky per-account assignment and the dialers built from them.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed proxy line")

const (
	TypeHTTP   = "http"
	TypeSOCKS5 = "socks5"
	TypeSOCKS4 = "socks4"
)

// Endpoint is one parsed proxy line. Raw is the trimmed source line and
// identifies the endpoint for assignment and deletion.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	Type     string
	Raw      string
}

// Address is host:port.
func (e Endpoint) Address() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// URL renders the endpoint as a proxy URL understood by golang.org/x/net/proxy.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Type, Host: e.Address()}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String hides the password.
func (e Endpoint) String() string {
	if e.Username == "" {
		return e.Type + "://" + e.Address()
	}
	return e.Type + "://" + e.Username + ":***@" + e.Address()
}

// ParseLine parses one of
//
//	host:port
//	host:port:user:pass
//	host:port:user:pass:type
//	user:pass@host:port
//
// optionally prefixed with a scheme (socks5://, socks4://, http://).
// The type defaults to http.
func ParseLine(line string) (Endpoint, error) {
	raw := strings.TrimSpace(line)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	ep := Endpoint{Type: TypeHTTP, Raw: raw}
	s := raw
	if i := strings.Index(s, "://"); i > 0 {
		t, err := normalizeType(s[:i])
		if err != nil {
			return Endpoint{}, err
		}
		ep.Type = t
		s = s[i+3:]
	}

	if at := strings.LastIndex(s, "@"); at >= 0 {
		user, pass, ok := strings.Cut(s[:at], ":")
		if !ok || user == "" {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
		}
		ep.Username, ep.Password = user, pass
		host, port, err := splitHostPort(s[at+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
		}
		ep.Host, ep.Port = host, port
		return ep, nil
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2, 4, 5:
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	host, port, err := splitHostPort(parts[0] + ":" + parts[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	ep.Host, ep.Port = host, port
	if len(parts) >= 4 {
		ep.Username = strings.TrimSpace(parts[2])
		ep.Password = strings.TrimSpace(parts[3])
	}
	if len(parts) == 5 {
		t, err := normalizeType(parts[4])
		if err != nil {
			return Endpoint{}, err
		}
		ep.Type = t
	}
	return ep, nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

func normalizeType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "http", "https":
		return TypeHTTP, nil
	case "socks5", "socks5h", "socks":
		return TypeSOCKS5, nil
	case "socks4", "socks4a":
		return TypeSOCKS4, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrMalformed, t)
	}
}
