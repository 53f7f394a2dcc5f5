// Package cpuinfo implements the node-local CPU-Info Registry: the
// per-CPU state machine recording ownership, current guest, and
// pending loan/reclaim/request state. It is the lower of the two
// shared registries; the Process-Info Registry (package procinfo)
// drives it to realize mask changes, and the Coordinator API (package
// coordinator) drives it directly for the into/out-of-blocking-call
// hot path.
package cpuinfo

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/idset"
)

// CPUID identifies a physical CPU in [0, N_cpus).
type CPUID uint16

// PID identifies a registered process. NOBODY is the reserved sentinel
// meaning "no process."
type PID int32

// NOBODY is the owner/guest value of a disabled or unclaimed CPU.
const NOBODY PID = 0

// State is one of the four states a CPU can be in.
type State uint8

const (
	// DISABLED means the CPU has no owner; owner == NOBODY iff state == DISABLED.
	DISABLED State = iota
	// BUSY means the owner is running on its own CPU.
	BUSY
	// LENT means the owner has declared it will not use the CPU for now.
	LENT
	// RECLAIMED means the owner asked for the CPU back while a borrower still held it.
	RECLAIMED
)

func (s State) String() string {
	switch s {
	case DISABLED:
		return "DISABLED"
	case BUSY:
		return "BUSY"
	case LENT:
		return "LENT"
	case RECLAIMED:
		return "RECLAIMED"
	default:
		return "UNKNOWN"
	}
}

// DeliveryMode selects how a blocked acquire request is surfaced to
// the caller: Polling leaves delivery to Poll, Async enqueues the
// requester and hands the CPU over directly on the owner's next lend.
type DeliveryMode uint8

const (
	Polling DeliveryMode = iota
	Async
)

// Entry is a read-only snapshot of one CPU's bookkeeping, safe to read
// without the registry lock.
type Entry struct {
	CPU        CPUID
	Owner      PID
	Guest      PID
	Victim     PID // set only in RECLAIMED, the borrower pending return
	State      State
	Requesters []PID // FIFO order, async mode only
}

type cpuState struct {
	owner      PID
	guest      PID
	victim     PID
	state      State
	requesters []PID
	reqset     *idset.Set[PID]
}

// Registry is the per-CPU ownership state machine for one node. All
// mutating operations are atomic under the registry's own lock; when
// driven from the shared-memory host (package shmem) that lock nests
// inside the cross-process mutex, but the registry remains safe to use
// on its own (e.g. from the dlbtest virtual-node harness).
type Registry struct {
	mu     sync.Mutex
	logger hclog.Logger
	mode   DeliveryMode
	cpus   map[CPUID]*cpuState

	// observed tracks, per pid, the set of CPUs it was last told (via
	// Poll) that it was guesting. Poll emits the symmetric difference
	// against current guest state.
	observed map[PID]*idset.Set[CPUID]
}

// New creates a Registry covering CPUs [0, nCPUs), all initially
// DISABLED, delivering blocked requests according to mode.
func New(nCPUs int, mode DeliveryMode, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Registry{
		logger:   logger.Named("cpuinfo"),
		mode:     mode,
		cpus:     make(map[CPUID]*cpuState, nCPUs),
		observed: make(map[PID]*idset.Set[CPUID]),
	}
	for c := 0; c < nCPUs; c++ {
		r.cpus[CPUID(c)] = &cpuState{
			owner:  NOBODY,
			guest:  NOBODY,
			victim: NOBODY,
			state:  DISABLED,
			reqset: idset.Empty[PID](),
		}
	}
	return r
}

func (r *Registry) cpu(c CPUID) (*cpuState, error) {
	cs, ok := r.cpus[c]
	if !ok {
		return nil, dlberrors.PERM
	}
	return cs, nil
}

// Register marks every CPU in mask as owned by pid, BUSY, with pid as
// its own guest. It fails with PERM, leaving the registry untouched,
// if any requested CPU already has an owner (Invariant 1).
func (r *Registry) Register(pid PID, mask *idset.Set[CPUID]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range mask.Slice() {
		cs, err := r.cpu(c)
		if err != nil {
			return err
		}
		if cs.owner != NOBODY {
			return dlberrors.PERM
		}
	}
	for _, c := range mask.Slice() {
		cs := r.cpus[c]
		cs.owner = pid
		cs.guest = pid
		cs.state = BUSY
	}
	metrics.IncrCounter([]string{"cpuinfo", "register"}, float32(mask.Size()))
	r.logger.Debug("registered cpus", "pid", pid, "mask", mask.String())
	return nil
}

// Unregister releases every CPU in mask back to DISABLED/free, used by
// procinfo when unwinding ownership (finalize, setprocessmask frees).
// It does not check current ownership; callers are expected to have
// already verified pid owns these CPUs.
func (r *Registry) Unregister(mask *idset.Set[CPUID]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range mask.Slice() {
		cs, ok := r.cpus[c]
		if !ok {
			continue
		}
		cs.owner = NOBODY
		cs.guest = NOBODY
		cs.victim = NOBODY
		cs.state = DISABLED
		cs.requesters = nil
		cs.reqset = idset.Empty[PID]()
	}
}

// Transfer forcibly reassigns every CPU in mask to newOwner, BUSY, with
// newOwner as its own guest, regardless of current state. It is the
// primitive behind an administrative steal (package procinfo's
// setprocessmask): unlike the owner-cooperative lend/reclaim protocol,
// a steal does not ask the prior owner's permission, so it bypasses the
// normal state checks entirely. Any queued requesters on the stolen
// CPUs are dropped; a steal supersedes whatever they were waiting for.
func (r *Registry) Transfer(newOwner PID, mask *idset.Set[CPUID]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range mask.Slice() {
		cs, ok := r.cpus[c]
		if !ok {
			continue
		}
		cs.owner = newOwner
		cs.guest = newOwner
		cs.victim = NOBODY
		cs.state = BUSY
		cs.requesters = nil
		cs.reqset = idset.Empty[PID]()
	}
	metrics.IncrCounter([]string{"cpuinfo", "transfer"}, float32(mask.Size()))
	r.logger.Debug("transferred cpus", "new_owner", newOwner, "mask", mask.String())
}

// LendCPU implements the owner's lend_cpu (BUSY -> LENT, or pop a
// requester in async mode) and, when pid does not own c, the
// "cancel a pending request" alternate path described in §4.2: it
// simply drops pid from c's requesters.
func (r *Registry) LendCPU(pid PID, c CPUID) (newGuest PID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, err := r.cpu(c)
	if err != nil {
		return 0, err
	}

	if cs.owner != pid {
		// Non-owner lend cancels a previously enqueued request.
		if cs.reqset.Contains(pid) {
			r.dequeue(cs, pid)
		}
		return 0, nil
	}

	if cs.state == LENT {
		// Idempotent.
		return cs.guest, nil
	}
	if cs.state != BUSY {
		return 0, dlberrors.PERM
	}

	cs.state = LENT
	if r.mode == Async && len(cs.requesters) > 0 {
		next := cs.requesters[0]
		r.dequeue(cs, next)
		cs.guest = next
		metrics.IncrCounter([]string{"cpuinfo", "lend", "async_handoff"}, 1)
		return next, nil
	}
	cs.guest = NOBODY
	metrics.IncrCounter([]string{"cpuinfo", "lend"}, 1)
	return NOBODY, nil
}

// AcquireCPU attempts to borrow a CPU the caller does not own; the
// owner itself gets PERM. It never preempts the owner or an existing
// borrower: when the CPU is
// not immediately available it either enqueues the request (async) or
// reports NOUPDT (polling) for the caller to retry.
func (r *Registry) AcquireCPU(pid PID, c CPUID) (newGuest PID, victim PID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tryAcquire(pid, c, true)
}

// BorrowCPU is AcquireCPU without the enqueue side effect: it always
// returns immediately with SUCCESS or NOUPDT.
func (r *Registry) BorrowCPU(pid PID, c CPUID) (newGuest PID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, _, err := r.tryAcquire(pid, c, false)
	return g, err
}

func (r *Registry) tryAcquire(pid PID, c CPUID, enqueue bool) (newGuest PID, victim PID, err error) {
	cs, err := r.cpu(c)
	if err != nil {
		return 0, -1, err
	}
	if cs.state == DISABLED || cs.owner == pid {
		return 0, -1, dlberrors.PERM
	}
	if cs.guest == pid {
		// Already guesting it: nothing to acquire, nothing to enqueue.
		return pid, -1, nil
	}

	if cs.state == LENT && cs.guest == NOBODY {
		r.dequeue(cs, pid)
		cs.guest = pid
		metrics.IncrCounter([]string{"cpuinfo", "acquire", "immediate"}, 1)
		return pid, -1, nil
	}

	// CPU is BUSY (owner running it), LENT to another borrower, or
	// RECLAIMED: never preempt.
	if enqueue && r.mode == Async {
		if !cs.reqset.Contains(pid) {
			cs.requesters = append(cs.requesters, pid)
			cs.reqset.Insert(pid)
			metrics.IncrCounter([]string{"cpuinfo", "acquire", "noted"}, 1)
		}
		return 0, -1, dlberrors.NOTED
	}
	return 0, -1, dlberrors.NOUPDT
}

// ReclaimCPU implements the owner's reclaim_cpu. Reclaim always wins
// over a simultaneous new acquire by construction: the registry lock
// serializes the two, and a CPU already RECLAIMED or BUSY for its
// owner has nothing left to preempt.
func (r *Registry) ReclaimCPU(pid PID, c CPUID) (newGuest PID, victim PID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, err := r.cpu(c)
	if err != nil {
		return 0, -1, err
	}
	if cs.owner != pid {
		return 0, -1, dlberrors.PERM
	}

	switch cs.state {
	case BUSY:
		return pid, -1, nil
	case RECLAIMED:
		// Idempotent: reclaim already in flight.
		return cs.guest, cs.victim, dlberrors.NOTED
	case LENT:
		if cs.guest == NOBODY {
			cs.state = BUSY
			cs.guest = pid
			metrics.IncrCounter([]string{"cpuinfo", "reclaim", "immediate"}, 1)
			return pid, -1, nil
		}
		v := cs.guest
		cs.state = RECLAIMED
		cs.guest = pid
		cs.victim = v
		metrics.IncrCounter([]string{"cpuinfo", "reclaim", "noted"}, 1)
		return pid, v, dlberrors.NOTED
	default:
		return 0, -1, dlberrors.PERM
	}
}

// ReturnCPU implements a borrower relinquishing a CPU it was
// guesting, completing a pending reclaim if one is outstanding.
func (r *Registry) ReturnCPU(pid PID, c CPUID) (newGuest PID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, err := r.cpu(c)
	if err != nil {
		return 0, err
	}

	// RECLAIMED is checked before the generic guest guard: once a
	// reclaim is in flight, ReclaimCPU has already reassigned guest to
	// the reclaiming owner, leaving the borrower pid is returning on
	// behalf of recorded only in victim.
	switch cs.state {
	case RECLAIMED:
		if cs.victim != pid {
			return 0, dlberrors.PERM
		}
		cs.guest = cs.owner
		cs.state = BUSY
		cs.victim = NOBODY
		metrics.IncrCounter([]string{"cpuinfo", "return", "reclaim_complete"}, 1)
		return cs.owner, nil
	case LENT:
		if cs.guest != pid {
			return 0, dlberrors.PERM
		}
		cs.guest = NOBODY
		metrics.IncrCounter([]string{"cpuinfo", "return"}, 1)
		return NOBODY, nil
	default:
		return 0, dlberrors.PERM
	}
}

// Poll returns the CPUs whose guest assignment has changed for pid
// since the last call to Poll(pid): CPUs pid now guests that it had
// not yet observed, and CPUs pid used to guest that it no longer does.
func (r *Registry) Poll(pid PID) *idset.Set[CPUID] {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := idset.Empty[CPUID]()
	for c, cs := range r.cpus {
		if cs.guest == pid {
			current.Insert(c)
		}
	}

	prev, ok := r.observed[pid]
	if !ok {
		prev = idset.Empty[CPUID]()
	}

	delta := current.Difference(prev).Union(prev.Difference(current))
	r.observed[pid] = current
	return delta
}

// Get returns a point-in-time snapshot of a single CPU's state.
func (r *Registry) Get(c CPUID) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, err := r.cpu(c)
	if err != nil {
		return Entry{}, err
	}
	return snapshot(c, cs), nil
}

// Snapshot returns a deep-copied view of every CPU's bookkeeping, for
// admin introspection (the Go analogue of shmem_procinfo__print_info).
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.cpus))
	for c, cs := range r.cpus {
		out = append(out, snapshot(c, cs))
	}
	return out
}

func snapshot(c CPUID, cs *cpuState) Entry {
	reqs := make([]PID, len(cs.requesters))
	copy(reqs, cs.requesters)
	return Entry{
		CPU:        c,
		Owner:      cs.owner,
		Guest:      cs.guest,
		Victim:     cs.victim,
		State:      cs.state,
		Requesters: reqs,
	}
}

// FreeMask returns the set of CPUs with no owner.
func (r *Registry) FreeMask() *idset.Set[CPUID] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := idset.Empty[CPUID]()
	for c, cs := range r.cpus {
		if cs.owner == NOBODY {
			out.Insert(c)
		}
	}
	return out
}

// OwnerOf reports the current owner of c, or NOBODY if unowned/unknown.
func (r *Registry) OwnerOf(c CPUID) PID {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.cpus[c]
	if !ok {
		return NOBODY
	}
	return cs.owner
}

// dequeue removes pid from cs's requesters, keeping reqset in sync.
// Callers must hold r.mu.
func (r *Registry) dequeue(cs *cpuState, pid PID) {
	for i, p := range cs.requesters {
		if p == pid {
			cs.requesters = append(cs.requesters[:i], cs.requesters[i+1:]...)
			break
		}
	}
	cs.reqset.Remove(pid)
}
