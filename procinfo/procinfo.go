// Package procinfo implements the node-local Process-Info Registry:
// the per-process record of current/future CPU mask, dirty/returncode
// handshake state, and the steal-capable setprocessmask operation that
// the CPU-Info Registry (package cpuinfo) alone cannot express, since
// stealing bypasses the owner-cooperative lend/reclaim protocol
// entirely.
package procinfo

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/idset"
)

// PID and CPUID are the cpuinfo registry's own types; procinfo drives
// that registry and never invents a second identity for either.
type PID = cpuinfo.PID
type CPUID = cpuinfo.CPUID

// Flags modify the blocking behavior of SetProcessMask and
// GetProcessMask, mirroring the original's DLB_SYNC_QUERY bit.
type Flags uint8

const (
	NoFlags Flags = 0
	// SyncQuery makes the call block until the mask change has been
	// acknowledged (via Polldrom) or the 30-second timeout elapses. It
	// is not externally cancellable; a caller that needs cancellation
	// polls GetProcessMask/Polldrom itself instead of setting this bit.
	SyncQuery Flags = 1 << 0
)

const (
	syncPollInterval = time.Millisecond
	syncTimeout      = 30 * time.Second
)

// Process is one registered process's mask bookkeeping.
type Process struct {
	pid PID

	currentMask *idset.Set[CPUID]
	futureMask  *idset.Set[CPUID]
	stolenMask  *idset.Set[CPUID] // CPUs stolen from this process, owed back on RecoverStolen/return

	dirty      bool
	returncode dlberrors.Code

	cpuUsage    float64
	cpuAvgUsage float64

	loadAvg *loadAverage // nil unless the node enables the load-average sub-feature
}

func newProcess(pid PID, mask *idset.Set[CPUID]) *Process {
	return &Process{
		pid:         pid,
		currentMask: mask.Copy(),
		futureMask:  mask.Copy(),
		stolenMask:  idset.Empty[CPUID](),
	}
}

// Registry is the per-node Process-Info Registry. It owns no CPU state
// directly; every ownership change is realized through the underlying
// cpuinfo.Registry so the two stay consistent under one invariant set.
type Registry struct {
	mu     sync.Mutex
	logger hclog.Logger
	cpus   *cpuinfo.Registry

	procs map[PID]*Process
	// slotOrder is insertion order, never reshuffled; it is the
	// deterministic "slot order" steal iterates victims in.
	slotOrder []PID

	loadAverageEnabled bool
}

// New creates a Process-Info Registry driving cpus.
func New(cpus *cpuinfo.Registry, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger: logger.Named("procinfo"),
		cpus:   cpus,
		procs:  make(map[PID]*Process),
	}
}

// EnableLoadAverage turns on the optional load-average sub-feature
// (supplemented from the original's
// shmem_procinfo__{get,update}loadavg). Off by default.
func (r *Registry) EnableLoadAverage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadAverageEnabled = true
}

func (r *Registry) addSlot(p *Process) {
	r.procs[p.pid] = p
	r.slotOrder = append(r.slotOrder, p.pid)
}

func (r *Registry) removeSlot(pid PID) {
	delete(r.procs, pid)
	for i, p := range r.slotOrder {
		if p == pid {
			r.slotOrder = append(r.slotOrder[:i], r.slotOrder[i+1:]...)
			break
		}
	}
}

// Init registers a process attaching for the first time with its
// initial mask. If the process was already preregistered by an admin
// tool (Preinit), the preregistered future mask wins and is returned so
// the caller adopts it instead of its own requested mask.
func (r *Registry) Init(pid PID, mask *idset.Set[CPUID]) (*idset.Set[CPUID], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.procs[pid]; ok {
		return existing.futureMask.Copy(), nil
	}

	if err := r.cpus.Register(pid, mask); err != nil {
		return nil, err
	}
	r.addSlot(newProcess(pid, mask))
	metrics.IncrCounter([]string{"procinfo", "init"}, float32(mask.Size()))
	r.logger.Debug("process initialized", "pid", pid, "mask", mask.String())
	return mask.Copy(), nil
}

// Preinit is the admin-side registration of a process before it has
// attached itself, e.g. from a job launcher that knows the intended
// mask ahead of time. Without steal it behaves like Init; with steal it
// is allowed to take CPUs away from already-running processes to
// assemble the requested mask, via the same dry-run/commit protocol as
// SetProcessMask.
func (r *Registry) Preinit(pid PID, mask *idset.Set[CPUID], steal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[pid]; ok {
		return dlberrors.PERM
	}

	if !steal {
		if err := r.cpus.Register(pid, mask); err != nil {
			return err
		}
		r.addSlot(newProcess(pid, mask))
		metrics.IncrCounter([]string{"procinfo", "preinit"}, float32(mask.Size()))
		return nil
	}

	proc := newProcess(pid, idset.Empty[CPUID]())
	r.addSlot(proc)
	if err := r.setNewMask(proc, mask, true); err != nil {
		r.removeSlot(pid)
		return err
	}
	r.setNewMask(proc, mask, false)
	// A preregistered process has no prior runtime state to reconcile
	// against: the mask it was just granted becomes current immediately
	// rather than pending acknowledgement through Polldrom.
	proc.currentMask = proc.futureMask.Copy()
	metrics.IncrCounter([]string{"procinfo", "preinit", "steal"}, float32(mask.Size()))
	r.logger.Debug("process preinitialized with steal", "pid", pid, "mask", mask.String())
	return nil
}

// SetProcessMask requests pid's future mask become mask, stealing any
// requested CPU that is neither free nor already pid's own. It is a
// single dry-run/commit transaction: if any requested CPU cannot be
// acquired or stolen, the whole call fails with PERM and nothing is
// mutated (the last-CPU protection invariant is enforced as part of
// this same check, per victim). With SyncQuery set, it blocks until pid
// has acknowledged the new mask via Polldrom (or the 30-second timeout
// elapses) and returns pid's returncode.
func (r *Registry) SetProcessMask(pid PID, mask *idset.Set[CPUID], flags Flags) (dlberrors.Code, error) {
	r.mu.Lock()
	proc, ok := r.procs[pid]
	if !ok {
		r.mu.Unlock()
		return 0, dlberrors.NOPROC
	}
	if proc.dirty {
		r.mu.Unlock()
		return 0, dlberrors.PDIRTY
	}

	if err := r.setNewMask(proc, mask, true); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.setNewMask(proc, mask, false)
	proc.dirty = true
	proc.returncode = dlberrors.SUCCESS
	r.mu.Unlock()

	metrics.IncrCounter([]string{"procinfo", "setprocessmask"}, float32(mask.Size()))
	r.logger.Debug("process mask change requested", "pid", pid, "mask", mask.String())

	if flags&SyncQuery == 0 {
		return dlberrors.SUCCESS, nil
	}
	return r.blockUntilClean(pid)
}

// blockUntilClean polls pid's dirty flag at 1ms resolution for up to 30
// seconds, matching the original SYNC_QUERY wait in shmem_procinfo.c.
func (r *Registry) blockUntilClean(pid PID) (dlberrors.Code, error) {
	deadline := time.Now().Add(syncTimeout)
	for {
		r.mu.Lock()
		proc, ok := r.procs[pid]
		if !ok {
			r.mu.Unlock()
			return 0, dlberrors.NOPROC
		}
		if !proc.dirty {
			rc := proc.returncode
			r.mu.Unlock()
			return rc, nil
		}
		r.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, dlberrors.TIMEOUT
		}
		time.Sleep(syncPollInterval)
	}
}

// Polldrom is the only way a process acknowledges an externally imposed
// mask change: it copies futureMask into currentMask, reports how many
// CPUs and which ones are new, and clears dirty/returncode. It returns
// NOUPDT if the process is not dirty, since there is nothing to report.
func (r *Registry) Polldrom(pid PID) (*idset.Set[CPUID], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[pid]
	if !ok {
		return nil, dlberrors.NOPROC
	}
	if !proc.dirty {
		return nil, dlberrors.NOUPDT
	}

	newMask := proc.futureMask.Copy()
	proc.currentMask = proc.futureMask.Copy()
	proc.dirty = false
	proc.returncode = dlberrors.SUCCESS
	return newMask, nil
}

// GetProcessMask returns pid's mask: current if clean, or (depending on
// flags) the pending future mask or the result of blocking for it to
// become current.
func (r *Registry) GetProcessMask(pid PID, flags Flags) (*idset.Set[CPUID], error) {
	r.mu.Lock()
	proc, ok := r.procs[pid]
	if !ok {
		r.mu.Unlock()
		return nil, dlberrors.NOPROC
	}
	if !proc.dirty {
		mask := proc.currentMask.Copy()
		r.mu.Unlock()
		return mask, nil
	}
	if flags&SyncQuery == 0 {
		mask := proc.futureMask.Copy()
		r.mu.Unlock()
		return mask, nil
	}
	r.mu.Unlock()

	if _, err := r.blockUntilClean(pid); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok = r.procs[pid]
	if !ok {
		return nil, dlberrors.NOPROC
	}
	return proc.currentMask.Copy(), nil
}

// RecoverStolen re-registers, to pid, any CPU previously stolen from it
// that has since gone free (its new owner released it without anyone
// else claiming it first). It is the periodic "ask for my CPUs back"
// call a process can make instead of waiting on a future setprocessmask.
func (r *Registry) RecoverStolen(pid PID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[pid]
	if !ok {
		return dlberrors.NOPROC
	}
	if proc.stolenMask.IsEmpty() {
		return nil
	}

	free := r.cpus.FreeMask()
	toRecover := proc.stolenMask.Intersect(free)
	if toRecover.IsEmpty() {
		return nil
	}

	if err := r.cpus.Register(pid, toRecover); err != nil {
		return err
	}
	proc.futureMask = proc.futureMask.Union(toRecover)
	proc.currentMask = proc.currentMask.Union(toRecover)
	proc.stolenMask = proc.stolenMask.Difference(toRecover)
	metrics.IncrCounter([]string{"procinfo", "recover_stolen"}, float32(toRecover.Size()))
	return nil
}

// Finalize detaches pid, releasing its CPUs. With returnStolen, CPUs
// that were themselves stolen from another still-registered process are
// handed back to that process (marking it dirty) instead of going free.
func (r *Registry) Finalize(pid PID, returnStolen bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[pid]
	if !ok {
		return dlberrors.NOPROC
	}

	target := proc.currentMask
	if proc.dirty {
		target = proc.futureMask
	}
	r.releaseMask(proc, target, returnStolen)
	r.removeSlot(pid)

	metrics.IncrCounter([]string{"procinfo", "finalize"}, 1)
	r.logger.Debug("process finalized", "pid", pid)
	return nil
}

// setNewMask is the dry-run/commit steal transaction grounded in the
// original's set_new_mask/steal_mask/steal_cpu (shmem_procinfo.c):
// classify the requested mask into CPUs to acquire (currently free),
// steal (currently owned by someone else), or free (currently held by
// proc but dropped from the new mask), then attempt the whole
// transaction with no partial effects on failure.
func (r *Registry) setNewMask(proc *Process, mask *idset.Set[CPUID], dryRun bool) error {
	free := r.cpus.FreeMask()

	toAcquire := idset.Empty[CPUID]()
	toSteal := idset.Empty[CPUID]()
	for _, c := range mask.Slice() {
		switch {
		case proc.futureMask.Contains(c):
			// already owned, nothing to do
		case free.Contains(c):
			toAcquire.Insert(c)
		default:
			toSteal.Insert(c)
		}
	}
	toFree := proc.futureMask.Difference(mask)

	if err := r.stealMask(proc, toSteal, dryRun); err != nil {
		return err
	}

	if dryRun {
		return nil
	}

	if !toAcquire.IsEmpty() {
		_ = r.cpus.Register(proc.pid, toAcquire) // toAcquire is free by construction
		proc.futureMask = proc.futureMask.Union(toAcquire)
	}
	if !toFree.IsEmpty() {
		r.releaseMask(proc, toFree, true)
		proc.futureMask = proc.futureMask.Difference(toFree)
	}
	// A CPU proc gets back, by acquire or steal, is no longer owed to it.
	proc.stolenMask = proc.stolenMask.Difference(proc.futureMask)
	return nil
}

// stealMask attempts to steal every CPU in mask, iterating in
// descending CPU-index order and, for each CPU, trying victims in slot
// order. Any CPU that cannot be stolen from any victim fails the whole
// call with PERM, per the original's all-or-nothing steal_mask.
func (r *Registry) stealMask(proc *Process, mask *idset.Set[CPUID], dryRun bool) error {
	// taken counts, during a dry run, the CPUs already promised from each
	// victim, so the last-CPU check sees what the commit will see.
	taken := make(map[PID]int)
	ids := mask.Slice() // ascending
	for i := len(ids) - 1; i >= 0; i-- {
		c := ids[i]
		stolen := false
		for _, victimPID := range r.slotOrder {
			if victimPID == proc.pid {
				continue
			}
			victim := r.procs[victimPID]
			if victim == nil {
				continue
			}
			if dryRun && victim.futureMask.Size()-taken[victimPID] <= 1 {
				continue
			}
			if r.stealCPU(proc, victim, c, dryRun) {
				taken[victimPID]++
				stolen = true
				break
			}
		}
		if !stolen {
			return dlberrors.PERM
		}
	}
	return nil
}

// stealCPU reports whether c can be (or, if !dryRun, was) stolen from
// victim on behalf of proc. A CPU is only stealable out of a process's
// future mask, and never if doing so would leave that mask empty
// (Invariant 8, last-CPU protection).
func (r *Registry) stealCPU(proc, victim *Process, c CPUID, dryRun bool) bool {
	if !victim.futureMask.Contains(c) || victim.futureMask.Size() <= 1 {
		return false
	}
	if dryRun {
		return true
	}

	victim.dirty = true
	victim.stolenMask.Insert(c)
	victim.futureMask.Remove(c)

	proc.futureMask.Insert(c)

	r.cpus.Transfer(proc.pid, idset.From([]CPUID{c}))
	metrics.IncrCounter([]string{"procinfo", "steal"}, 1)
	r.logger.Debug("stole cpu", "cpu", c, "from", victim.pid, "to", proc.pid)
	return true
}

// releaseMask drops proc's ownership of every CPU in mask. When
// returnStolen is set, a CPU that proc itself had stolen from another
// still-registered process goes back to that process (dirty, future
// mask grows) instead of to the free pool.
func (r *Registry) releaseMask(proc *Process, mask *idset.Set[CPUID], returnStolen bool) {
	for _, c := range mask.Slice() {
		var returnedTo *Process
		if returnStolen {
			for _, otherPID := range r.slotOrder {
				if otherPID == proc.pid {
					continue
				}
				other := r.procs[otherPID]
				if other != nil && other.stolenMask.Contains(c) {
					returnedTo = other
					break
				}
			}
		}

		single := idset.From([]CPUID{c})
		if returnedTo != nil {
			returnedTo.stolenMask.Remove(c)
			returnedTo.futureMask.Insert(c)
			returnedTo.dirty = true
			r.cpus.Transfer(returnedTo.pid, single)
		} else {
			r.cpus.Unregister(single)
		}
	}
}

// StealOrder returns the order in which stealMask attempts to steal the
// CPUs in mask: descending CPU index. Exported so tests (and the
// dlbtest virtual-node harness) can assert on steal ordering without
// duplicating the slicing/reversal logic.
func StealOrder(mask *idset.Set[CPUID]) []CPUID {
	ids := mask.Slice()
	out := make([]CPUID, len(ids))
	for i, c := range ids {
		out[len(ids)-1-i] = c
	}
	return out
}
