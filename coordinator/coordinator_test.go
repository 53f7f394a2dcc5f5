package coordinator

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/dlb-go/dlb/backend"
	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/idset"
	"github.com/dlb-go/dlb/procinfo"
)

type recordingBackend struct {
	calls []string
}

func (b *recordingBackend) ApplyMask(pid cpuinfo.PID, mask *idset.Set[cpuinfo.CPUID]) error {
	b.calls = append(b.calls, mask.String())
	return nil
}

// mustInit registers pid with mask, failing the test on error.
func mustInit(t *testing.T, procs *procinfo.Registry, pid cpuinfo.PID, mask *idset.Set[cpuinfo.CPUID]) {
	t.Helper()
	_, err := procs.Init(pid, mask)
	must.NoError(t, err)
}

func TestIntoOutOfBlockingCall_LendsAndReclaims(t *testing.T) {
	cpus := cpuinfo.New(4, cpuinfo.Polling, nil)
	procs := procinfo.New(cpus, nil)
	mustInit(t, procs, 111, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{0, 1}))
	mustInit(t, procs, 222, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{2, 3}))

	be := &recordingBackend{}
	co := New(111, cpus, procs, be, nil)

	must.NoError(t, co.IntoBlockingCall())
	entry, err := cpus.Get(0)
	must.NoError(t, err)
	must.Eq(t, cpuinfo.LENT, entry.State)

	_, err = cpus.BorrowCPU(222, 0)
	must.NoError(t, err)

	must.NoError(t, co.OutOfBlockingCall())
	entry, err = cpus.Get(0)
	must.NoError(t, err)
	must.Eq(t, cpuinfo.RECLAIMED, entry.State)
	must.Len(t, 1, be.calls)
}

func TestPollDROMUpdate(t *testing.T) {
	cpus := cpuinfo.New(4, cpuinfo.Polling, nil)
	procs := procinfo.New(cpus, nil)
	mustInit(t, procs, 111, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{0, 1}))

	be := &recordingBackend{}
	co := New(111, cpus, procs, be, nil)

	_, err := co.PollDROMUpdate()
	must.EqError(t, err, "NOUPDT")

	_, err = procs.SetProcessMask(111, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{0}), procinfo.NoFlags)
	must.NoError(t, err)

	mask, err := co.PollDROMUpdate()
	must.NoError(t, err)
	must.Eq(t, "0", mask.String())
	must.Eq(t, []string{"0"}, be.calls)
}

func TestFinalize_MakesFurtherCallsNoShmem(t *testing.T) {
	cpus := cpuinfo.New(2, cpuinfo.Polling, nil)
	procs := procinfo.New(cpus, nil)
	mustInit(t, procs, 111, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{0}))

	co := New(111, cpus, procs, backend.Noop{}, nil)
	must.NoError(t, co.Finalize(false))

	err := co.Finalize(false)
	must.EqError(t, err, "NOSHMEM")

	_, err = co.PollDROMUpdate()
	must.EqError(t, err, "NOSHMEM")
}

// TestScenario_S4_DoubleFinalize is the literal "finalize(p1)=SUCCESS;
// finalize(p2)=SUCCESS; finalize(p2)=NOSHMEM" scenario: each process's
// own Coordinator enforces that nothing works on it again once it has
// detached, independent of what the other process does.
func TestScenario_S4_DoubleFinalize(t *testing.T) {
	cpus := cpuinfo.New(4, cpuinfo.Polling, nil)
	procs := procinfo.New(cpus, nil)
	mustInit(t, procs, 111, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{0, 1}))
	mustInit(t, procs, 222, idset.From[cpuinfo.CPUID]([]cpuinfo.CPUID{2, 3}))

	co1 := New(111, cpus, procs, backend.Noop{}, nil)
	co2 := New(222, cpus, procs, backend.Noop{}, nil)

	must.NoError(t, co1.Finalize(false))
	must.NoError(t, co2.Finalize(false))

	err := co2.Finalize(false)
	must.EqError(t, err, "NOSHMEM")
}
