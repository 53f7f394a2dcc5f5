package shmem

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/procinfo"
)

// Host is the cross-process front door to the CPU-Info and Process-Info
// registries: a Region plus one registry pair bound to it. Every other
// package drives the registries directly for the common single-process
// case (tests, the dlbtest virtual-node harness); Host is for a real
// multi-process node, where SPEC_FULL.md requires the registries to be
// readable and mutable from more than one OS process through the
// region's fixed-width wire arrays (§5, §6).
type Host struct {
	region *Region
	cpus   *cpuinfo.Registry
	procs  *procinfo.Registry

	nCPUs  int
	nProcs int
}

// NewHost attaches to (creating if absent) the shared region at path
// and wires a fresh CPU-Info/Process-Info registry pair to it. mode
// selects the CPU-Info registry's delivery mode (cpuinfo.Polling or
// cpuinfo.Async); logger is shared by the region and both registries.
func NewHost(path string, nCPUs, nProcs int, mode cpuinfo.DeliveryMode, logger hclog.Logger) (*Host, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	region, err := Open(path, nCPUs, nProcs, logger)
	if err != nil {
		return nil, err
	}

	cpus := cpuinfo.New(nCPUs, mode, logger)
	procs := procinfo.New(cpus, logger)

	h := &Host{region: region, cpus: cpus, procs: procs, nCPUs: nCPUs, nProcs: nProcs}
	region.Lock()
	h.sync()
	region.Unlock()
	return h, nil
}

// Region returns the underlying shared-region attachment, e.g. for a
// caller that wants Header() or a manual Lock/Unlock around a sequence
// of calls.
func (h *Host) Region() *Region {
	return h.region
}

// Registries returns the CPU-Info and Process-Info registries this Host
// wires to the shared region. Reading or mutating them outside of Do is
// only safe for the attaching process's own view; another attacher's
// changes are only picked up on the next Do.
func (h *Host) Registries() (*cpuinfo.Registry, *procinfo.Registry) {
	return h.cpus, h.procs
}

// sync decodes the region's current wire bytes into the registries,
// picking up any mutation another attacher committed since this Host
// last looked. Caller must hold the region's lock.
func (h *Host) sync() {
	h.cpus.DecodeFrom(h.region.CPUInfoBytes())
	h.procs.DecodeFrom(h.region.ProcInfoBytes(), h.nCPUs, h.nProcs)
}

// flush encodes the registries' current state back into the region's
// wire bytes, publishing this attacher's mutation to everyone else.
// Caller must hold the region's lock.
func (h *Host) flush() {
	h.cpus.EncodeTo(h.region.CPUInfoBytes())
	h.procs.EncodeTo(h.region.ProcInfoBytes(), h.nCPUs, h.nProcs)
}

// Do runs fn with the region locked, the registries freshly synced from
// whatever the last writer published, and the result of fn flushed back
// before the lock is released. Every registry operation a caller wants
// visible across processes must happen inside fn; operations run
// directly against Registries() outside of Do stay process-local until
// the next Do call observes them.
func (h *Host) Do(fn func()) {
	h.region.Lock()
	defer h.region.Unlock()

	h.sync()
	fn()
	h.flush()
}

// Close detaches the Host's region. It does not remove the backing
// file; another Host (in this or another process) can still attach to
// it afterward.
func (h *Host) Close() error {
	if err := h.region.Close(); err != nil {
		return fmt.Errorf("close host: %w", err)
	}
	return nil
}
