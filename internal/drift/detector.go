// Package drift reports what changed between two scans of the same targets.
package drift

import (
	"fmt"

	"github.com/ppiankov/otterhound/internal/store"
)

// Change kinds.
const (
	KindTargetNew     = "TARGET_NEW"
	KindTargetGone    = "TARGET_GONE"
	KindStatusChanged = "STATUS_CHANGED"
	KindCertChanged   = "CERT_CHANGED"
	KindIssuerChanged = "ISSUER_CHANGED"
)

// Change is one difference between two reports.
type Change struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func (c Change) String() string {
	switch {
	case c.Before == "":
		return fmt.Sprintf("%s %s: %s", c.Kind, c.Target, c.After)
	case c.After == "":
		return fmt.Sprintf("%s %s: was %s", c.Kind, c.Target, c.Before)
	default:
		return fmt.Sprintf("%s %s: %s -> %s", c.Kind, c.Target, c.Before, c.After)
	}
}

type observed struct {
	status      store.Status
	fingerprint string
	issuer      string
}

// Compare returns the changes from prev to curr, ordered by curr's
// enumeration order followed by targets that disappeared. A target that is
// incomplete in either report was enumerated but not observed: it is neither
// new, gone nor changed.
func Compare(prev, curr *store.Report) []Change {
	before, beforeOrder, beforeUnseen := index(prev)
	after, afterOrder, afterUnseen := index(curr)

	var changes []Change
	for _, key := range afterOrder {
		a := after[key]
		b, existed := before[key]
		if !existed {
			if beforeUnseen[key] {
				continue
			}
			changes = append(changes, Change{Kind: KindTargetNew, Target: key, After: string(a.status)})
			continue
		}
		if b.status != a.status {
			changes = append(changes, Change{Kind: KindStatusChanged, Target: key, Before: string(b.status), After: string(a.status)})
		}
		// certificate identity only compares when both scans saw a chain
		if b.fingerprint == "" || a.fingerprint == "" {
			continue
		}
		if b.fingerprint != a.fingerprint {
			changes = append(changes, Change{Kind: KindCertChanged, Target: key, Before: short(b.fingerprint), After: short(a.fingerprint)})
		}
		if b.issuer != a.issuer {
			changes = append(changes, Change{Kind: KindIssuerChanged, Target: key, Before: b.issuer, After: a.issuer})
		}
	}

	for _, key := range beforeOrder {
		if _, ok := after[key]; !ok && !afterUnseen[key] {
			changes = append(changes, Change{Kind: KindTargetGone, Target: key, Before: string(before[key].status)})
		}
	}
	return changes
}

// index returns the observed state per target key in report order, plus
// the keys of targets that were enumerated but left incomplete.
func index(r *store.Report) (map[string]observed, []string, map[string]bool) {
	m := make(map[string]observed)
	unseen := make(map[string]bool)
	var order []string
	if r == nil {
		return m, order, unseen
	}
	for i := range r.Entries {
		e := &r.Entries[i]
		if e.Probe.Status == store.StatusIncomplete {
			unseen[e.Target.Key()] = true
			continue
		}
		o := observed{status: e.Probe.Status}
		if leaf := e.TLS.Leaf(); leaf != nil {
			o.fingerprint = leaf.FingerprintSHA256
			o.issuer = leaf.Issuer
		}
		key := e.Target.Key()
		if _, dup := m[key]; !dup {
			order = append(order, key)
		}
		m[key] = o
	}
	return m, order, unseen
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
