//go:build linux

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dlb-go/dlb/idset"
)

// Affinity is the real Backend: it applies a mask to a process with
// sched_setaffinity(2), the actual mechanism the node-local engine
// exists to drive. It is Linux-only, same as the rest of the engine's
// assumption of Linux CPU topology.
type Affinity struct{}

// ApplyMask pins pid to exactly the CPUs in mask.
func (Affinity) ApplyMask(pid PID, mask *idset.Set[CPUID]) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range mask.Slice() {
		set.Set(int(c))
	}
	if err := unix.SchedSetaffinity(int(pid), &set); err != nil {
		return fmt.Errorf("sched_setaffinity(pid=%d, mask=%s): %w", pid, mask, err)
	}
	return nil
}
