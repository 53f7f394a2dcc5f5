package procinfo

import "github.com/dlb-go/dlb/idset"

// Snapshot is a read-only, deep-copied view of one process's
// bookkeeping, the Go analogue of the per-process row printed by the
// original's shmem_procinfo__print_info.
type Snapshot struct {
	PID         PID
	CurrentMask *idset.Set[CPUID]
	FutureMask  *idset.Set[CPUID]
	StolenMask  *idset.Set[CPUID]
	Dirty       bool
}

// Inspect returns a Snapshot of pid's bookkeeping, for admin
// introspection and property-test assertions. It is the one place
// outside the registry's own invariants that reaches past
// GetProcessMask to see current/future/stolen simultaneously.
func (r *Registry) Inspect(pid PID) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return Snapshot{}, errNoProc
	}
	return Snapshot{
		PID:         pid,
		CurrentMask: proc.currentMask.Copy(),
		FutureMask:  proc.futureMask.Copy(),
		StolenMask:  proc.stolenMask.Copy(),
		Dirty:       proc.dirty,
	}, nil
}

// AllSnapshots returns Inspect for every registered process, in slot order.
func (r *Registry) AllSnapshots() []Snapshot {
	r.mu.Lock()
	pids := make([]PID, len(r.slotOrder))
	copy(pids, r.slotOrder)
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(pids))
	for _, pid := range pids {
		if s, err := r.Inspect(pid); err == nil {
			out = append(out, s)
		}
	}
	return out
}
