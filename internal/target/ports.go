package target

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePorts parses a comma-separated list of ports and inclusive ranges,
// e.g. "22,80,8000-8010". Order is preserved as written; duplicates are dropped.
func ParsePorts(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty port list")
	}

	var ports []uint16
	seen := make(map[uint16]struct{})
	add := func(p uint16) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in port list %q", s)
		}

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			p, err := parsePort(part)
			if err != nil {
				return nil, err
			}
			add(p)
			continue
		}

		start, err := parsePort(strings.TrimSpace(lo))
		if err != nil {
			return nil, err
		}
		end, err := parsePort(strings.TrimSpace(hi))
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("port range %q is reversed", part)
		}
		for p := int(start); p <= int(end); p++ {
			add(uint16(p))
		}
	}
	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n > 65535 {
		return 0, fmt.Errorf("port %d out of range 0-65535", n)
	}
	return uint16(n), nil
}

// wellKnownTLSPorts are ports where a TLS listener is the norm.
var wellKnownTLSPorts = map[uint16]struct{}{
	443:  {},
	465:  {},
	636:  {},
	853:  {},
	989:  {},
	990:  {},
	992:  {},
	993:  {},
	994:  {},
	995:  {},
	5061: {},
	6443: {},
	8443: {},
	9443: {},
}

// IsWellKnownTLSPort reports whether p conventionally carries TLS.
func IsWellKnownTLSPort(p uint16) bool {
	_, ok := wellKnownTLSPorts[p]
	return ok
}
