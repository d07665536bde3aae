package protocol

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Target is a URL decomposed into the pieces the transport needs.
type Target struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// TLS reports whether the target requires a TLS session.
func (t Target) TLS() bool {
	return t.Scheme == "https"
}

// Address returns host:port for dialing.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader returns the value of the Host header, omitting default ports.
func (t Target) HostHeader() string {
	if (t.TLS() && t.Port == 443) || (!t.TLS() && t.Port == 80) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Address()
}

// ParseTarget splits an http or https URL into scheme, host, port and path.
// The path keeps any query string and defaults to "/".
func ParseTarget(rawURL string) (Target, error) {
	var t Target
	var rest string

	switch {
	case strings.HasPrefix(rawURL, "https://"):
		t.Scheme, t.Port = "https", 443
		rest = rawURL[len("https://"):]
	case strings.HasPrefix(rawURL, "http://"):
		t.Scheme, t.Port = "http", 80
		rest = rawURL[len("http://"):]
	default:
		return Target{}, Errorf(KindParse, "parse url", "unsupported scheme in %q", rawURL)
	}

	hostport, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		hostport, path = rest[:i], rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
	}

	host := hostport
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i:], "]") {
		port, err := strconv.Atoi(hostport[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, Errorf(KindParse, "parse url", "invalid port in %q", rawURL)
		}
		host, t.Port = hostport[:i], port
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Target{}, Errorf(KindParse, "parse url", "missing host in %q", rawURL)
	}

	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Target{}, Wrap(KindParse, "parse url", err)
		}
		host = ascii
	}

	t.Host = host
	t.Path = path
	return t, nil
}
