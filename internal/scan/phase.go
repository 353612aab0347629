package scan

import (
	"fmt"

	"github.com/ppiankov/otterhound/internal/store"
)

var nextPhase = map[store.Phase]store.Phase{
	store.PhaseIdle:        store.PhaseEnumerating,
	store.PhaseEnumerating: store.PhaseProbing,
	store.PhaseProbing:     store.PhaseFinalizing,
	store.PhaseFinalizing:  store.PhaseDone,
}

// Phase returns the current orchestrator state.
func (o *Orchestrator) Phase() store.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// transition advances the state machine. Any other move is a bug.
func (o *Orchestrator) transition(to store.Phase) {
	o.mu.Lock()
	from := o.phase
	if nextPhase[from] != to {
		o.mu.Unlock()
		panic(fmt.Sprintf("scan: illegal phase transition %s -> %s", from, to))
	}
	o.phase = to
	o.mu.Unlock()

	o.log.Debug("phase", "from", from, "to", to)
	if o.opts.OnPhase != nil {
		o.opts.OnPhase(from, to)
	}
}
