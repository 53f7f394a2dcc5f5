package procinfo

import (
	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/idset"
)

var errNoProc = dlberrors.NOPROC

// Supplemental admin-tool operations, ported from the ext__* entry
// points in shmem_procinfo.h (getpidlist, getcpuusage, getcpuavgusage,
// getnodeusage/getnodeavgusage, getactivecpus/getactivecpuslist). These
// are read-only introspection, used by dlb_shm(.exe) and friends rather
// than by a process managing its own mask.

// GetPIDList returns every currently registered pid, in slot order.
func (r *Registry) GetPIDList() []PID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PID, len(r.slotOrder))
	copy(out, r.slotOrder)
	return out
}

// CPUUsage reports pid's last-recorded instantaneous CPU usage: the
// number of CPUs in pid's current mask at the last UpdateUsage call.
func (r *Registry) CPUUsage(pid PID) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return 0, errNoProc
	}
	return proc.cpuUsage, nil
}

// CPUAvgUsage reports pid's exponential-average usage, updated by
// UpdateUsage.
func (r *Registry) CPUAvgUsage(pid PID) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return 0, errNoProc
	}
	return proc.cpuAvgUsage, nil
}

// NodeUsage sums CPUUsage across every registered process.
func (r *Registry) NodeUsage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, proc := range r.procs {
		total += proc.cpuUsage
	}
	return total
}

// NodeAvgUsage sums CPUAvgUsage across every registered process.
func (r *Registry) NodeAvgUsage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, proc := range r.procs {
		total += proc.cpuAvgUsage
	}
	return total
}

// UpdateUsage recomputes pid's instantaneous and exponential-average
// usage from its current mask size, the Go analogue
// of the original's periodic usage sampling (normally driven by a timer
// in the caller; procinfo itself stays free of background goroutines).
func (r *Registry) UpdateUsage(pid PID, decay float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return errNoProc
	}
	proc.cpuUsage = float64(proc.currentMask.Size())
	proc.cpuAvgUsage = decay*proc.cpuAvgUsage + (1-decay)*proc.cpuUsage
	return nil
}

// ActiveCPUs reports the number of CPUs pid currently owns (its future
// mask size), the Go analogue of the original's per-process
// shmem_procinfo__getactivecpus(pid).
func (r *Registry) ActiveCPUs(pid PID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return 0, errNoProc
	}
	return proc.futureMask.Size(), nil
}

// NodeActiveCPUs returns the number of CPUs owned by some registered
// process, across the whole node.
func (r *Registry) NodeActiveCPUs() int {
	return r.ActiveCPUsList().Size()
}

// ActiveCPUsList returns the set of CPUs owned by some registered
// process, the complement of the CPU-Info Registry's free mask.
func (r *Registry) ActiveCPUsList() *idset.Set[CPUID] {
	r.mu.Lock()
	all := idset.Empty[CPUID]()
	for _, proc := range r.procs {
		all = all.Union(proc.futureMask)
	}
	r.mu.Unlock()
	return all
}

// loadAverage is the optional per-process load-average sub-feature from
// the original's shmem_procinfo__{get,update}loadavg: a 1/5/15-minute
// decayed load sample, off unless EnableLoadAverage was called. It is
// always accessed under the owning Registry's lock, so it carries no
// mutex of its own.
type loadAverage struct {
	load1  float64
	load5  float64
	load15 float64
}

// Decay constants for a 5-second sampling interval, the same values
// Linux uses for its 1/5/15-minute load average windows.
const (
	loadDecay1  = 0.9200
	loadDecay5  = 0.9834
	loadDecay15 = 0.9945
)

// UpdateLoadAvg feeds a new instantaneous load sample into pid's
// decayed averages. It is a no-op, not an error, when the
// load-average sub-feature has not been enabled, so callers can wire
// it unconditionally without branching on node configuration.
func (r *Registry) UpdateLoadAvg(pid PID, instant float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loadAverageEnabled {
		return nil
	}
	proc, ok := r.procs[pid]
	if !ok {
		return errNoProc
	}

	if proc.loadAvg == nil {
		proc.loadAvg = &loadAverage{}
	}
	la := proc.loadAvg
	la.load1 = la.load1*loadDecay1 + instant*(1-loadDecay1)
	la.load5 = la.load5*loadDecay5 + instant*(1-loadDecay5)
	la.load15 = la.load15*loadDecay15 + instant*(1-loadDecay15)
	return nil
}

// LoadAvg returns pid's current (1, 5, 15 minute) decayed load average.
// It returns all zeros, not an error, if the sub-feature is disabled or
// no sample has been recorded yet.
func (r *Registry) LoadAvg(pid PID) (load1, load5, load15 float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[pid]
	if !ok {
		return 0, 0, 0, errNoProc
	}
	if proc.loadAvg == nil {
		return 0, 0, 0, nil
	}
	return proc.loadAvg.load1, proc.loadAvg.load5, proc.loadAvg.load15, nil
}
