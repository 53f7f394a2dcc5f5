// Package coordinator implements the engine's hot-path API: the
// into/out-of-blocking-call pair an MPI interposer (or any other
// blocking-call wrapper) calls
// around every collective operation, plus the poll entry point a
// process uses to pick up a mask change imposed on it from outside.
//
// This is the Go analogue of the original's IntoBlockingCall /
// OutOfBlockingCall in LB_MPI/process_MPI.c: those call directly into
// the policy layer (LeWI) on every MPI_Waitall et al.; here the
// Coordinator plays that role against the CPU-Info/Process-Info
// registries and an injected Backend instead of a specific MPI runtime.
package coordinator

import (
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/dlb-go/dlb/backend"
	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/idset"
	"github.com/dlb-go/dlb/procinfo"
)

// RegionSync is the subset of shmem.Host's surface a Coordinator needs:
// run a function with the shared region locked and the registries
// synced around it. It is declared here, not imported from package
// shmem, so a single-process Coordinator (tests, the dlbtest virtual
// node) never pulls in shmem's mmap/flock machinery; *shmem.Host
// satisfies it structurally.
type RegionSync interface {
	Do(fn func())
}

// Coordinator ties one process's registered identity to the
// CPU-Info/Process-Info registries and the Backend that actually
// applies a mask it is granted. It also owns the "has this process
// detached" state that makes every call after Finalize return NOSHMEM,
// the per-process counterpart to the Shared-Region Host's own
// per-attachment NOSHMEM handling in package shmem.
type Coordinator struct {
	pid      cpuinfo.PID
	cpus     *cpuinfo.Registry
	procs    *procinfo.Registry
	backend  backend.Backend
	logger   hclog.Logger
	detached bool

	// sync, if set, wraps every operation's registry-facing work in a
	// RegionSync.Do call so it observes and publishes state through a
	// shared region instead of this process's private registries.
	sync RegionSync
}

// New wires a Coordinator for pid against the given registries and
// backend. be may be backend.Noop{} for callers that only want the
// bookkeeping (tests, simulators). The Coordinator drives cpus/procs
// directly with no cross-process synchronization; use NewSynced for a
// node where more than one process attaches to the same registries
// through a shared region.
func New(pid cpuinfo.PID, cpus *cpuinfo.Registry, procs *procinfo.Registry, be backend.Backend, logger hclog.Logger) *Coordinator {
	return newCoordinator(pid, cpus, procs, be, logger, nil)
}

// NewSynced wires a Coordinator exactly like New, except every
// operation runs inside sync.Do: the registries are refreshed from the
// shared region before the operation and republished after, so this
// process's view stays consistent with every other attacher's.
func NewSynced(pid cpuinfo.PID, cpus *cpuinfo.Registry, procs *procinfo.Registry, be backend.Backend, sync RegionSync, logger hclog.Logger) *Coordinator {
	return newCoordinator(pid, cpus, procs, be, logger, sync)
}

func newCoordinator(pid cpuinfo.PID, cpus *cpuinfo.Registry, procs *procinfo.Registry, be backend.Backend, logger hclog.Logger, sync RegionSync) *Coordinator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if be == nil {
		be = backend.Noop{}
	}
	return &Coordinator{pid: pid, cpus: cpus, procs: procs, backend: be, logger: logger.Named("coordinator"), sync: sync}
}

func (c *Coordinator) checkAttached() error {
	if c.detached {
		return dlberrors.NOSHMEM
	}
	return nil
}

// withSync runs fn directly, or inside c.sync.Do if this Coordinator
// was built with NewSynced, so callers don't need to branch on whether
// a shared region is in play.
func (c *Coordinator) withSync(fn func() error) error {
	if c.sync == nil {
		return fn()
	}
	var err error
	c.sync.Do(func() { err = fn() })
	return err
}

// IntoBlockingCall tells the engine this process is about to block (an
// MPI collective, a barrier, anything that won't use its CPU for a
// while): it lends every CPU the process currently owns, so another
// process's acquire/borrow can use them for the duration.
func (c *Coordinator) IntoBlockingCall() error {
	if err := c.checkAttached(); err != nil {
		return err
	}
	var lent *idset.Set[cpuinfo.CPUID]
	err := c.withSync(func() error {
		mask, err := c.procs.GetProcessMask(c.pid, procinfo.NoFlags)
		if err != nil {
			return err
		}
		for _, cpu := range mask.Slice() {
			if _, err := c.cpus.LendCPU(c.pid, cpu); err != nil {
				return err
			}
		}
		lent = mask
		return nil
	})
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"coordinator", "into_blocking_call"}, float32(lent.Size()))
	c.logger.Trace("into blocking call", "pid", c.pid, "lent", lent.String())
	return nil
}

// OutOfBlockingCall tells the engine this process is done blocking: it
// reclaims every CPU in its own mask, picking up the victim if one had
// borrowed it in the meantime, then applies the result through the
// Backend so the OS affinity actually reflects it.
func (c *Coordinator) OutOfBlockingCall() error {
	if err := c.checkAttached(); err != nil {
		return err
	}
	var reclaimed *idset.Set[cpuinfo.CPUID]
	err := c.withSync(func() error {
		mask, err := c.procs.GetProcessMask(c.pid, procinfo.NoFlags)
		if err != nil {
			return err
		}
		for _, cpu := range mask.Slice() {
			_, _, rerr := c.cpus.ReclaimCPU(c.pid, cpu)
			if code, ok := dlberrors.Of(rerr); rerr != nil && (!ok || code != dlberrors.NOTED) {
				return rerr
			}
		}
		reclaimed = mask
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.backend.ApplyMask(c.pid, reclaimed); err != nil {
		return err
	}
	metrics.IncrCounter([]string{"coordinator", "out_of_blocking_call"}, float32(reclaimed.Size()))
	c.logger.Trace("out of blocking call", "pid", c.pid, "reclaimed", reclaimed.String())
	return nil
}

// PollDROMUpdate checks whether this process has a pending, externally
// imposed mask change (a steal via setprocessmask, most commonly from
// an admin tool or a co-scheduler) and, if so, applies it through the
// Backend and acknowledges it via Polldrom. It returns
// (nil, dlberrors.NOUPDT) when there is nothing to do, same as a
// not-dirty Polldrom.
func (c *Coordinator) PollDROMUpdate() (*idset.Set[cpuinfo.CPUID], error) {
	if err := c.checkAttached(); err != nil {
		return nil, err
	}
	var mask *idset.Set[cpuinfo.CPUID]
	err := c.withSync(func() error {
		m, err := c.procs.Polldrom(c.pid)
		if err != nil {
			return err
		}
		mask = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.backend.ApplyMask(c.pid, mask); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"coordinator", "polldrom_update"}, float32(mask.Size()))
	c.logger.Debug("applied DROM update", "pid", c.pid, "mask", mask.String())
	return mask, nil
}

// Finalize detaches this Coordinator's process, releasing its CPUs
// through the Process-Info Registry and marking every subsequent call
// on this Coordinator NOSHMEM. A Coordinator is single-use once
// finalized; attach a new one (via New, after the caller's own Init) to
// resume participating in the engine.
func (c *Coordinator) Finalize(returnStolen bool) error {
	if err := c.checkAttached(); err != nil {
		return err
	}
	err := c.withSync(func() error {
		return c.procs.Finalize(c.pid, returnStolen)
	})
	if err != nil {
		return err
	}
	c.detached = true
	metrics.IncrCounter([]string{"coordinator", "finalize"}, 1)
	return nil
}
