package tnt

import (
	"net"
	"strconv"
	"strings"
)

// Scheme is the URI scheme of an endpoint string.
const Scheme = "tnt"

// Endpoint is a parsed endpoint string: a server address plus the space
// that a table is stored in.
type Endpoint struct {
	Host  string
	Port  int
	Space SpaceRef
}

// ParseEndpoint parses "tnt://host:port/space" or "tnt://host:port/:id".
// Every failure is a *ConfigError.
func ParseEndpoint(s string) (Endpoint, error) {
	var ep Endpoint
	fail := func(msg string) (Endpoint, error) {
		return Endpoint{}, &ConfigError{Input: s, Msg: msg}
	}

	rest, ok := strings.CutPrefix(s, Scheme+"://")
	if !ok {
		return fail("missing " + Scheme + ":// scheme")
	}
	hostport, path, ok := strings.Cut(rest, "/")
	if !ok {
		return fail("missing /space after address")
	}
	host, port, ok := strings.Cut(hostport, ":")
	if !ok {
		return fail("missing :port")
	}
	if host == "" {
		return fail("empty host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 || port[0] == '+' || port[0] == '-' {
		return fail("invalid port " + strconv.Quote(port))
	}
	ep.Host, ep.Port = host, n

	if path == "" {
		return fail("empty space")
	}
	if idStr, ok := strings.CutPrefix(path, ":"); ok {
		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil || id < 0 || idStr[0] == '+' {
			return fail("invalid space id " + strconv.Quote(idStr))
		}
		ep.Space = SpaceNo(SpaceID(id))
	} else {
		if strings.Contains(path, "/") {
			return fail("space name contains /")
		}
		ep.Space = SpaceName(path)
	}
	return ep, nil
}

// Addr is the "host:port" dial address.
func (ep Endpoint) Addr() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

func (ep Endpoint) String() string {
	var buf strings.Builder
	buf.WriteString(Scheme)
	buf.WriteString("://")
	buf.WriteString(ep.Host)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(ep.Port))
	buf.WriteByte('/')
	if ep.Space.IsNumeric() {
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(int64(ep.Space.ID), 10))
	} else {
		buf.WriteString(ep.Space.Name)
	}
	return buf.String()
}
