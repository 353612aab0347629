package target

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/ppiankov/otterhound/internal/store"
)

// Enumeration defaults.
const (
	DefaultMaxHostsPerBlock = 65536
	DefaultMaxTargets       = 1 << 20
)

// Options configures an Enumerator.
type Options struct {
	// DefaultPorts apply to specifications that name no ports.
	DefaultPorts []uint16
	// Exclude lists IPs or CIDR blocks never to probe.
	Exclude          []string
	MaxHostsPerBlock uint64
	MaxTargets       int
}

// Enumerator expands specifications into a flat target list.
type Enumerator struct {
	exclude *netipx.IPSet
	opts    Options
}

// NewEnumerator validates the exclusion list and applies defaults.
func NewEnumerator(opts Options) (*Enumerator, error) {
	if opts.MaxHostsPerBlock == 0 {
		opts.MaxHostsPerBlock = DefaultMaxHostsPerBlock
	}
	if opts.MaxTargets <= 0 {
		opts.MaxTargets = DefaultMaxTargets
	}

	var b netipx.IPSetBuilder
	for _, raw := range opts.Exclude {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("exclude entry %q: %w", raw, ErrInvalidSpecification)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("exclude entry %q: %w", raw, ErrInvalidSpecification)
		}
		b.Add(a.Unmap())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("building exclude set: %w", err)
	}
	return &Enumerator{opts: opts, exclude: set}, nil
}

// Enumerate expands specs into a deduplicated, order-stable target list.
// Targets are unique by (host, port); the first occurrence wins. Each
// malformed specification yields a *SpecError and the remaining
// specifications are still expanded.
func (e *Enumerator) Enumerate(specs []string) ([]store.Target, []*SpecError) {
	var (
		targets []store.Target
		errs    []*SpecError
	)
	seen := make(map[string]struct{})

	for _, raw := range specs {
		spec, err := Parse(raw)
		if err != nil {
			errs = append(errs, asSpecError(raw, err))
			continue
		}

		expanded, serr := e.expand(spec, seen, len(targets))
		if serr != nil {
			errs = append(errs, serr)
			continue
		}
		for i := range expanded {
			seen[expanded[i].Key()] = struct{}{}
		}
		targets = append(targets, expanded...)
	}
	return targets, errs
}

func (e *Enumerator) expand(spec Spec, seen map[string]struct{}, have int) ([]store.Target, *SpecError) {
	ports := spec.Ports()
	if len(ports) == 0 {
		ports = e.opts.DefaultPorts
	}
	if len(ports) == 0 {
		return nil, invalid(spec.Raw(), "no ports given and no default ports configured")
	}

	if _, isBlock := spec.(*CIDRBlock); isBlock && spec.HostCount() > e.opts.MaxHostsPerBlock {
		return nil, invalid(spec.Raw(), "block expands to more than %d hosts", e.opts.MaxHostsPerBlock)
	}
	// the limit counts targets that survive exclusion and deduplication;
	// expansion stops at the first target past it
	budget := e.opts.MaxTargets - have
	var out []store.Target
	local := make(map[string]struct{})
	over := false
	spec.Hosts(func(h Host) bool {
		if h.Addr.IsValid() && e.exclude.Contains(h.Addr) {
			return true
		}
		for _, p := range ports {
			t := store.Target{
				Host:       h.Name,
				Port:       p,
				Protocol:   spec.Protocol(),
				ServerName: h.ServerName,
			}
			if t.Protocol == store.ProtocolNone && IsWellKnownTLSPort(p) {
				t.Protocol = store.ProtocolTLS
			}
			key := t.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			if _, dup := local[key]; dup {
				continue
			}
			if len(out) == budget {
				over = true
				return false
			}
			local[key] = struct{}{}
			out = append(out, t)
		}
		return true
	})
	if over {
		return nil, invalid(spec.Raw(), "expansion exceeds the %d target limit", e.opts.MaxTargets)
	}
	return out, nil
}

func asSpecError(raw string, err error) *SpecError {
	var se *SpecError
	if errors.As(err, &se) {
		return se
	}
	return &SpecError{Spec: raw, Reason: err.Error()}
}
