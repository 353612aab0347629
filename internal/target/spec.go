// Package target parses target specifications and expands them into
// concrete (host, port) pairs.
package target

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/ppiankov/otterhound/internal/store"
)

// ErrInvalidSpecification is wrapped by every SpecError.
var ErrInvalidSpecification = errors.New("invalid target specification")

// SpecError reports a specification that could not be enumerated.
type SpecError struct {
	Spec   string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid target specification %q: %s", e.Spec, e.Reason)
}

func (e *SpecError) Unwrap() error { return ErrInvalidSpecification }

func invalid(raw, format string, args ...any) *SpecError {
	return &SpecError{Spec: raw, Reason: fmt.Sprintf(format, args...)}
}

// Host is one expanded host of a specification.
type Host struct {
	Addr       netip.Addr // zero for hostnames
	Name       string
	ServerName string
}

// Spec is a parsed target specification: *SingleHost, *CIDRBlock or *HostnameRange.
type Spec interface {
	Raw() string
	Protocol() store.Protocol
	// Ports returns the explicit ports, or nil when the spec names none.
	Ports() []uint16
	// HostCount is the number of hosts the spec expands to.
	HostCount() uint64
	// Hosts calls fn for each host in expansion order until fn returns false.
	Hosts(fn func(Host) bool)
	isSpec()
}

type specBase struct {
	raw   string
	proto store.Protocol
	ports []uint16
}

func (b *specBase) Raw() string              { return b.raw }
func (b *specBase) Protocol() store.Protocol { return b.proto }
func (b *specBase) Ports() []uint16          { return b.ports }
func (b *specBase) isSpec()                  {}

// SingleHost is a single IP literal.
type SingleHost struct {
	specBase
	Addr netip.Addr
}

func (s *SingleHost) HostCount() uint64 { return 1 }

func (s *SingleHost) Hosts(fn func(Host) bool) {
	fn(Host{Addr: s.Addr, Name: s.Addr.String()})
}

// CIDRBlock is every address of a prefix, network and broadcast included.
type CIDRBlock struct {
	specBase
	Prefix netip.Prefix
}

func (c *CIDRBlock) HostCount() uint64 {
	bits := c.Prefix.Addr().BitLen() - c.Prefix.Bits()
	if bits >= 64 {
		return math.MaxUint64
	}
	return uint64(1) << uint(bits)
}

func (c *CIDRBlock) Hosts(fn func(Host) bool) {
	last := netipx.PrefixLastIP(c.Prefix)
	for addr := c.Prefix.Addr(); addr.IsValid(); addr = addr.Next() {
		if !fn(Host{Addr: addr, Name: addr.String()}) {
			return
		}
		if addr == last {
			return
		}
	}
}

// HostnameRange is a DNS name with an optional port list. Names are not
// resolved during enumeration.
type HostnameRange struct {
	specBase
	Hostname string
}

func (h *HostnameRange) HostCount() uint64 { return 1 }

func (h *HostnameRange) Hosts(fn func(Host) bool) {
	fn(Host{Name: h.Hostname, ServerName: h.Hostname})
}

// Parse classifies a raw specification. Accepted forms, each with an optional
// tcp:// or tls:// prefix and an optional ":ports" suffix:
//
//	10.0.0.1          10.0.0.1:22,443     [::1]:8443     ::1
//	10.0.0.0/30       10.0.0.0/30:80-81   [fd00::/126]:443
//	example.com:443   db.internal:5432-5433
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, invalid(raw, "empty specification")
	}

	proto := store.ProtocolNone
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		switch strings.ToLower(scheme) {
		case "tcp":
			proto = store.ProtocolTCP
		case "tls":
			proto = store.ProtocolTLS
		default:
			return nil, invalid(raw, "unsupported scheme %q (use tcp or tls)", scheme)
		}
		s = rest
	}

	hostPart, portPart, hasPorts, err := splitHostPorts(s)
	if err != nil {
		return nil, invalid(raw, "%v", err)
	}
	if hostPart == "" {
		return nil, invalid(raw, "missing host")
	}

	base := specBase{raw: raw, proto: proto}
	if hasPorts {
		base.ports, err = ParsePorts(portPart)
		if err != nil {
			return nil, invalid(raw, "%v", err)
		}
	}

	if strings.Contains(hostPart, "/") {
		prefix, perr := netip.ParsePrefix(hostPart)
		if perr != nil {
			return nil, invalid(raw, "bad CIDR block %q", hostPart)
		}
		if prefix.Addr().Zone() != "" {
			return nil, invalid(raw, "zoned addresses are not supported")
		}
		return &CIDRBlock{specBase: base, Prefix: prefix.Masked()}, nil
	}

	if addr, aerr := netip.ParseAddr(hostPart); aerr == nil {
		if addr.Zone() != "" {
			return nil, invalid(raw, "zoned addresses are not supported")
		}
		return &SingleHost{specBase: base, Addr: addr.Unmap()}, nil
	}

	name := strings.ToLower(strings.TrimSuffix(hostPart, "."))
	if reason := checkHostname(name); reason != "" {
		return nil, invalid(raw, "%s", reason)
	}
	return &HostnameRange{specBase: base, Hostname: name}, nil
}

// splitHostPorts separates "host:ports". A bare IPv6 literal (more than one
// colon, no brackets) carries no ports.
func splitHostPorts(s string) (host, ports string, hasPorts bool, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", false, fmt.Errorf("missing closing bracket")
		}
		host, rest := s[1:end], s[end+1:]
		switch {
		case rest == "":
			return host, "", false, nil
		case rest[0] == ':':
			return host, rest[1:], true, nil
		default:
			return "", "", false, fmt.Errorf("unexpected %q after bracketed address", rest)
		}
	}

	switch strings.Count(s, ":") {
	case 0:
		return s, "", false, nil
	case 1:
		host, ports, _ := strings.Cut(s, ":")
		return host, ports, true, nil
	default:
		return s, "", false, nil
	}
}

// checkHostname returns a reason the name is unusable, or "".
func checkHostname(name string) string {
	if len(name) > 253 {
		return "hostname longer than 253 characters"
	}
	labels := strings.Split(name, ".")
	for _, l := range labels {
		if l == "" {
			return fmt.Sprintf("hostname %q has an empty label", name)
		}
		if len(l) > 63 {
			return fmt.Sprintf("hostname label %q longer than 63 characters", l)
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return fmt.Sprintf("hostname label %q starts or ends with a hyphen", l)
		}
		for i := 0; i < len(l); i++ {
			c := l[i]
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
				return fmt.Sprintf("not a valid IP address or hostname: %q", name)
			}
		}
	}
	// 999.1.1.1 is a malformed address, not a name
	if isNumeric(labels[len(labels)-1]) {
		return fmt.Sprintf("not a valid IP address or hostname: %q", name)
	}
	return ""
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// ParseKey parses a single "host:port" and returns it normalized the way
// enumerated targets carry it, so it can be matched against stored results.
func ParseKey(raw string) (string, uint16, error) {
	spec, err := Parse(raw)
	if err != nil {
		return "", 0, err
	}
	if _, isBlock := spec.(*CIDRBlock); isBlock || len(spec.Ports()) != 1 {
		return "", 0, invalid(raw, "expected a single host:port")
	}
	var host string
	spec.Hosts(func(h Host) bool {
		host = h.Name
		return false
	})
	return host, spec.Ports()[0], nil
}
