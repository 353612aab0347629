package report

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

// Aggregator errors.
var (
	ErrDuplicateRecord = errors.New("target already recorded")
	ErrUnknownTarget   = errors.New("target is not part of this scan")
	ErrSealed          = errors.New("aggregator is finalized")
)

const notProbed = "scan ended before the target was resolved"

// Aggregator collects per-target results from concurrent workers and
// produces the ordered report. Each target is recorded at most once.
type Aggregator struct {
	index   map[string]int
	entries []*store.Entry
	targets []store.Target
	mu      sync.Mutex
	sealed  bool
}

// New returns an Aggregator for targets, in enumeration order.
func New(targets []store.Target) *Aggregator {
	a := &Aggregator{
		targets: targets,
		index:   make(map[string]int, len(targets)),
		entries: make([]*store.Entry, len(targets)),
	}
	for i := range targets {
		a.index[targets[i].Key()] = i
	}
	return a
}

// Record stores the outcome for t. summary and tlsErr are both nil when no
// TLS inspection ran.
func (a *Aggregator) Record(t store.Target, res store.ProbeResult, summary *store.TLSSummary, tlsErr error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return ErrSealed
	}
	i, ok := a.index[t.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, t)
	}
	if a.entries[i] != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, t)
	}

	e := &store.Entry{Index: i, Target: a.targets[i], Probe: res, TLS: summary}
	if tlsErr != nil {
		e.TLSError = tlsErr.Error()
	}
	a.entries[i] = e
	return nil
}

// Recorded returns how many targets have a result.
func (a *Aggregator) Recorded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Finalize seals the aggregator and returns the report entries in
// enumeration order. Targets never recorded are filled as incomplete.
func (a *Aggregator) Finalize(now time.Time) (store.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return store.Report{}, ErrSealed
	}
	a.sealed = true

	r := store.Report{FinishedAt: now, Entries: make([]store.Entry, len(a.targets))}
	for i, e := range a.entries {
		if e != nil {
			r.Entries[i] = *e
			continue
		}
		r.Entries[i] = store.Entry{
			Index:  i,
			Target: a.targets[i],
			Probe: store.ProbeResult{
				Target:    a.targets[i],
				Status:    store.StatusIncomplete,
				ErrorKind: store.ErrorKindDeadline,
				Error:     notProbed,
			},
		}
	}
	return r, nil
}
