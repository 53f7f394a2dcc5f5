// Package backend defines the pluggable interface the Coordinator uses
// to actually apply a CPU mask change to a process, e.g. via
// sched_setaffinity on Linux. Keeping it an interface (rather than
// hard-coding a syscall) is what lets the dlbtest virtual-node harness
// and unit tests exercise the Coordinator without touching real CPU
// affinity.
package backend

import (
	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/idset"
)

// CPUID and PID reuse the CPU-Info Registry's own types rather than
// redeclaring them, since a *idset.Set[cpuinfo.CPUID] and a
// *idset.Set[uint16] are distinct, non-interchangeable instantiations
// of the generic set type.
type CPUID = cpuinfo.CPUID
type PID = cpuinfo.PID

// Backend applies a mask change to a real OS process. The Coordinator
// calls ApplyMask with the process's mask after PollDROMUpdate has
// acknowledged a change via Polldrom, and after OutOfBlockingCall has
// reclaimed the process's CPUs.
type Backend interface {
	ApplyMask(pid PID, mask *idset.Set[CPUID]) error
}

// Noop is a Backend that does nothing, useful for callers that only
// want the bookkeeping side of the engine (e.g. a scheduler simulator)
// without ever touching real process affinity.
type Noop struct{}

func (Noop) ApplyMask(PID, *idset.Set[CPUID]) error { return nil }
