// Package dlbtest is a virtual-node test harness: an in-process,
// in-memory node (no real shared memory, no real CPU affinity) wiring
// together cpuinfo, procinfo, and coordinator exactly as a real node
// would, for property and scenario tests that want the whole stack
// without the shmem/backend I/O. It is the Go analogue of the
// original's mu_testing_set_sys_size helper used throughout
// tests/test/02_shmem: a cheap way to stand up an N-CPU node in a unit
// test.
package dlbtest

import (
	"github.com/hashicorp/go-hclog"

	"github.com/dlb-go/dlb/backend"
	"github.com/dlb-go/dlb/coordinator"
	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/idset"
	"github.com/dlb-go/dlb/procinfo"
)

// Node is a virtual node of nCPUs, with no persistence: it exists only
// for the duration of the test that creates it.
type Node struct {
	NCPUs int
	CPUs  *cpuinfo.Registry
	Procs *procinfo.Registry

	backend *recordingBackend
}

// NewNode creates an empty virtual node with the given CPU count and
// delivery mode.
func NewNode(nCPUs int, mode cpuinfo.DeliveryMode) *Node {
	cpus := cpuinfo.New(nCPUs, mode, hclog.NewNullLogger())
	procs := procinfo.New(cpus, hclog.NewNullLogger())
	return &Node{NCPUs: nCPUs, CPUs: cpus, Procs: procs, backend: &recordingBackend{}}
}

// Spawn registers a process owning mask and returns a Coordinator bound
// to it, ready to drive IntoBlockingCall/OutOfBlockingCall/PollDROMUpdate.
func (n *Node) Spawn(pid cpuinfo.PID, mask *idset.Set[cpuinfo.CPUID]) (*coordinator.Coordinator, error) {
	if _, err := n.Procs.Init(pid, mask); err != nil {
		return nil, err
	}
	return coordinator.New(pid, n.CPUs, n.Procs, n.backend, hclog.NewNullLogger()), nil
}

// AppliedMasks returns, per pid, the sequence of masks the virtual
// node's recording Backend observed being applied, in call order. It
// lets a test assert on the externally visible effect of a scenario
// (what affinity would actually have been set) without reaching into
// registry internals.
func (n *Node) AppliedMasks(pid cpuinfo.PID) []string {
	return n.backend.calls[pid]
}

type recordingBackend struct {
	calls map[cpuinfo.PID][]string
}

func (b *recordingBackend) ApplyMask(pid cpuinfo.PID, mask *idset.Set[cpuinfo.CPUID]) error {
	if b.calls == nil {
		b.calls = make(map[cpuinfo.PID][]string)
	}
	b.calls[pid] = append(b.calls[pid], mask.String())
	return nil
}

var _ backend.Backend = (*recordingBackend)(nil)
