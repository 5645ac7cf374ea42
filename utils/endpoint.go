package utils

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NoNodeID marks a peer spec without an explicit node id.
const NoNodeID = -1

func trimNodePrefix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "node") {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "node"), "-")
	}
	return s
}

// ParseNodeID parses a node id, accepting "3" as well as "node3" and "node-3".
func ParseNodeID(s string, maxNodes int) (int, error) {
	s = trimNodePrefix(s)
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("nodeid:%q format failed", s)
	}
	if id < 0 || id >= maxNodes {
		return 0, fmt.Errorf("nodeid:%d out of range [0,%d)", id, maxNodes)
	}
	return id, nil
}

// ParsePeerSpec splits a peer spec of the form "host:port", "host" or
// "id@host:port", where id may also be written "node3". A missing port yields defaultPort and a missing id yields
// NoNodeID.
func ParsePeerSpec(spec string, defaultPort int) (id int, host string, port int, _ error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, "", 0, fmt.Errorf("peer spec is empty")
	}

	id = NoNodeID
	if at := strings.IndexByte(spec, '@'); at >= 0 {
		n, err := strconv.Atoi(trimNodePrefix(spec[:at]))
		if err != nil || n < 0 {
			return 0, "", 0, fmt.Errorf("peer:%s id invalid", spec)
		}
		id = n
		spec = spec[at+1:]
	}

	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port component; the whole spec is the host.
		if strings.Contains(spec, ":") && !strings.HasPrefix(spec, "[") {
			return 0, "", 0, fmt.Errorf("peer:%s format failed: %v", spec, err)
		}
		host = strings.Trim(spec, "[]")
		portStr = ""
	}
	if host == "" {
		return 0, "", 0, fmt.Errorf("peer:%s host is empty", spec)
	}

	port = defaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return 0, "", 0, fmt.Errorf("peer:%s port invalid", spec)
		}
	}
	if port < 0 || port > 65535 {
		return 0, "", 0, fmt.Errorf("peer:%s port %d out of range", spec, port)
	}
	return id, host, port, nil
}

// FormatPeerSpec is the inverse of ParsePeerSpec for explicit ids.
func FormatPeerSpec(id int, host string, port int) string {
	var sb strings.Builder
	sb.Grow(len(host) + 12) //nolint:gomnd
	if id != NoNodeID {
		_, _ = sb.WriteString(strconv.Itoa(id))
		_, _ = sb.WriteString("@")
	}
	_, _ = sb.WriteString(net.JoinHostPort(host, strconv.Itoa(port)))
	return sb.String()
}
