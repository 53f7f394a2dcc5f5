package cpuinfo

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/dlb-go/dlb/idset"
)

const (
	p1 PID = 111
	p2 PID = 222
)

func fourCPUNode(t *testing.T, mode DeliveryMode) *Registry {
	t.Helper()
	r := New(4, mode, nil)
	must.NoError(t, r.Register(p1, idset.From[CPUID]([]CPUID{0, 1})))
	must.NoError(t, r.Register(p2, idset.From[CPUID]([]CPUID{2, 3})))
	return r
}

// TestScenario_S1 is the literal "successful ping-pong (polling mode)"
// scenario.
func TestScenario_S1_PollingPingPong(t *testing.T) {
	r := fourCPUNode(t, Polling)

	_, _, err := r.AcquireCPU(p1, 3)
	must.EqError(t, err, "NOUPDT")

	g, err := r.LendCPU(p2, 3)
	must.NoError(t, err)
	must.Eq(t, NOBODY, g)

	g, v, err := r.AcquireCPU(p1, 3)
	must.NoError(t, err)
	must.Eq(t, p1, g)
	must.Eq(t, PID(-1), v)

	_, _, err = r.ReclaimCPU(p1, 3)
	must.EqError(t, err, "PERM")

	g, v, err = r.ReclaimCPU(p2, 3)
	must.EqError(t, err, "NOTED")
	must.Eq(t, p2, g)
	must.Eq(t, p1, v)

	g, err = r.ReturnCPU(p1, 3)
	must.NoError(t, err)
	must.Eq(t, p2, g)
}

// TestScenario_S2 is the async-mode variant: the first acquire is
// NOTED and the next lend hands the CPU straight to the requester.
func TestScenario_S2_AsyncPingPong(t *testing.T) {
	r := fourCPUNode(t, Async)

	_, _, err := r.AcquireCPU(p1, 3)
	must.EqError(t, err, "NOTED")

	g, err := r.LendCPU(p2, 3)
	must.NoError(t, err)
	must.Eq(t, p1, g)
}

// TestScenario_S3 is the "late reply" scenario: a queued request can
// be withdrawn by the requester calling lend_cpu on a CPU it does not
// own.
func TestScenario_S3_LateReply(t *testing.T) {
	r := fourCPUNode(t, Async)

	_, _, err := r.AcquireCPU(p1, 3)
	must.EqError(t, err, "NOTED")

	g, err := r.LendCPU(p1, 3) // withdraw the queued request
	must.NoError(t, err)
	must.True(t, g <= 0)

	g, err = r.LendCPU(p2, 3)
	must.NoError(t, err)
	must.True(t, g <= 0)

	g, v, err := r.ReclaimCPU(p2, 3)
	must.NoError(t, err)
	must.Eq(t, p2, g)
	must.Eq(t, PID(-1), v)
}

func TestRegister_PermOnConflict(t *testing.T) {
	r := New(2, Polling, nil)
	must.NoError(t, r.Register(p1, idset.From[CPUID]([]CPUID{0})))
	err := r.Register(p2, idset.From[CPUID]([]CPUID{0, 1}))
	must.EqError(t, err, "PERM")

	// Dry-run atomicity: CPU 1 must remain unowned after the failed call.
	entry, err := r.Get(1)
	must.NoError(t, err)
	must.Eq(t, NOBODY, entry.Owner)
}

func TestLendCPU_Idempotent(t *testing.T) {
	r := fourCPUNode(t, Polling)
	g1, err := r.LendCPU(p1, 0)
	must.NoError(t, err)
	g2, err := r.LendCPU(p1, 0)
	must.NoError(t, err)
	must.Eq(t, g1, g2)
}

func TestReclaimCPU_Idempotent(t *testing.T) {
	r := fourCPUNode(t, Polling)
	_, err := r.LendCPU(p1, 0)
	must.NoError(t, err)
	_, err = r.BorrowCPU(p2, 0)
	must.NoError(t, err)

	g1, v1, err1 := r.ReclaimCPU(p1, 0)
	must.EqError(t, err1, "NOTED")
	g2, v2, err2 := r.ReclaimCPU(p1, 0)
	must.EqError(t, err2, "NOTED")
	must.Eq(t, g1, g2)
	must.Eq(t, v1, v2)
}

// TestFIFO covers property 4: p_a enqueues before p_b, and when the
// owner lends the CPU twice in a row, p_a is served first.
func TestFIFO(t *testing.T) {
	r := fourCPUNode(t, Async)
	pa, pb := PID(301), PID(302)

	_, _, err := r.AcquireCPU(pa, 2) // CPU 2 is BUSY (p2 owns/runs it): enqueue
	must.EqError(t, err, "NOTED")
	_, _, err = r.AcquireCPU(pb, 2)
	must.EqError(t, err, "NOTED")

	g, err := r.LendCPU(p2, 2) // pops pa
	must.NoError(t, err)
	must.Eq(t, pa, g)

	_, v, err := r.ReclaimCPU(p2, 2)
	must.EqError(t, err, "NOTED")
	must.Eq(t, pa, v)

	g, err = r.ReturnCPU(pa, 2)
	must.NoError(t, err)
	must.Eq(t, p2, g)

	g, err = r.LendCPU(p2, 2) // pops pb
	must.NoError(t, err)
	must.Eq(t, pb, g)
}

func TestAcquireCPU_NoDoubleEnqueue(t *testing.T) {
	r := fourCPUNode(t, Async)
	_, _, err := r.AcquireCPU(p1, 2)
	must.EqError(t, err, "NOTED")
	_, _, err = r.AcquireCPU(p1, 2)
	must.EqError(t, err, "NOTED")

	entry, err := r.Get(2)
	must.NoError(t, err)
	must.Len(t, 1, entry.Requesters)
}

func TestPoll_DeltaMask(t *testing.T) {
	r := fourCPUNode(t, Polling)

	// The first poll reports the process's own initially-owned CPUs,
	// since they were never previously observed.
	delta := r.Poll(p1)
	must.Eq(t, "0-1", delta.String())

	_, err := r.LendCPU(p2, 2)
	must.NoError(t, err)
	_, _, err = r.AcquireCPU(p1, 2)
	must.NoError(t, err)

	delta = r.Poll(p1)
	must.Eq(t, "2", delta.String())

	// Second poll with no further change observes nothing new.
	delta = r.Poll(p1)
	must.True(t, delta.IsEmpty())
}

func TestFreeMask(t *testing.T) {
	r := New(4, Polling, nil)
	must.NoError(t, r.Register(p1, idset.From[CPUID]([]CPUID{0, 1})))
	must.Eq(t, "2-3", r.FreeMask().String())
}
