package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// URI представляет SIP/SIPS URI (RFC 3261, раздел 19.1)
type URI struct {
	Scheme   string // "sip" или "sips"
	User     string
	Password string
	Host     string
	Port     int // 0 если не указан
	Params   Params
	Headers  Params
}

// NewSipURI создает новый SIP URI
func NewSipURI(user, host string, port int) *URI {
	return &URI{Scheme: "sip", User: user, Host: host, Port: port}
}

// ParseURI парсит строку в URI
func ParseURI(str string) (*URI, error) {
	str = strings.TrimSpace(str)
	schemeEnd := strings.IndexByte(str, ':')
	if schemeEnd == -1 {
		return nil, fmt.Errorf("invalid URI %q: missing scheme", str)
	}

	uri := &URI{Scheme: strings.ToLower(str[:schemeEnd])}
	if uri.Scheme != "sip" && uri.Scheme != "sips" {
		return nil, fmt.Errorf("invalid URI scheme: %s", uri.Scheme)
	}
	remaining := str[schemeEnd+1:]

	// Заголовки URI идут после '?'
	if idx := strings.IndexByte(remaining, '?'); idx != -1 {
		uri.Headers = parseParams(remaining[idx+1:], '&')
		remaining = remaining[:idx]
	}

	// user info отделяется последним '@'
	if at := strings.LastIndexByte(remaining, '@'); at != -1 {
		userInfo := remaining[:at]
		remaining = remaining[at+1:]
		if user, password, ok := strings.Cut(userInfo, ":"); ok {
			uri.User, uri.Password = user, password
		} else {
			uri.User = userInfo
		}
	}

	hostPort := remaining
	if idx := strings.IndexByte(remaining, ';'); idx != -1 {
		hostPort = remaining[:idx]
		uri.Params = parseParams(remaining[idx+1:], ';')
	}

	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid URI %q: %w", str, err)
	}
	uri.Host, uri.Port = host, port
	return uri, nil
}

// splitHostPort разбирает host[:port] с поддержкой IPv6 в квадратных скобках
func splitHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end == -1 {
			return "", 0, fmt.Errorf("invalid IPv6 address")
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if rest[0] != ':' {
			return "", 0, fmt.Errorf("invalid host: %s", s)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}
	if idx := strings.LastIndexByte(s, ':'); idx != -1 {
		port, err := parsePort(s[idx+1:])
		return s[:idx], port, err
	}
	return s, 0, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	return port, nil
}

// HostPort возвращает host[:port] в сетевом виде
func (u *URI) HostPort() string {
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if u.Port > 0 {
		return host + ":" + strconv.Itoa(u.Port)
	}
	return host
}

// UDPAddr разрешает адрес назначения URI. Порт по умолчанию 5060.
// Параметр maddr имеет приоритет над хостом.
func (u *URI) UDPAddr() (*net.UDPAddr, error) {
	host := u.Host
	if maddr := u.Params.Value("maddr"); maddr != "" {
		host = maddr
	}
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// String возвращает строковое представление URI
func (u *URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	u.Params.write(&sb, ';')
	for i, h := range u.Headers {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(h.Name)
		sb.WriteByte('=')
		sb.WriteString(h.Value)
	}
	return sb.String()
}

// Clone создает копию URI
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = u.Params.Clone()
	c.Headers = u.Headers.Clone()
	return &c
}

// Equals сравнивает два URI по правилам RFC 3261 19.1.4 (упрощенно)
func (u *URI) Equals(o *URI) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.Scheme != o.Scheme || u.User != o.User || !strings.EqualFold(u.Host, o.Host) {
		return false
	}
	if u.defaultPort() != o.defaultPort() {
		return false
	}
	for _, name := range []string{"user", "ttl", "method", "maddr", "transport"} {
		if !strings.EqualFold(u.Params.Value(name), o.Params.Value(name)) {
			return false
		}
	}
	return true
}

func (u *URI) defaultPort() int {
	switch {
	case u.Port != 0:
		return u.Port
	case u.Scheme == "sips":
		return 5061
	default:
		return 5060
	}
}
