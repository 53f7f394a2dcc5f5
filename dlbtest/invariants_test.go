package dlbtest

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/idset"
	"github.com/dlb-go/dlb/procinfo"
)

// checkInvariants asserts invariants 1-9 against the current state of a
// virtual node. It is called after every randomized operation in
// TestInvariants_RandomizedOperationSequences, and directly in a few
// targeted unit tests below.
func checkInvariants(t *rapid.T, n *Node, pids []cpuinfo.PID) {
	entries := n.CPUs.Snapshot()
	free := idset.Empty[cpuinfo.CPUID]()
	owned := idset.Empty[cpuinfo.CPUID]()

	for _, e := range entries {
		// Invariant 1: owner == NOBODY iff DISABLED.
		if (e.Owner == cpuinfo.NOBODY) != (e.State == cpuinfo.DISABLED) {
			t.Fatalf("invariant 1 violated at cpu %d: owner=%d state=%s", e.CPU, e.Owner, e.State)
		}
		// Invariant 2: BUSY implies guest == owner.
		if e.State == cpuinfo.BUSY && e.Guest != e.Owner {
			t.Fatalf("invariant 2 violated at cpu %d: guest=%d owner=%d", e.CPU, e.Guest, e.Owner)
		}
		// Invariant 3: LENT implies the guest is nobody or a non-owner.
		if e.State == cpuinfo.LENT && e.Guest == e.Owner {
			t.Fatalf("invariant 3 violated at cpu %d: LENT with owner %d as guest", e.CPU, e.Owner)
		}
		// Invariant 4: RECLAIMED implies owner asked for it back and a
		// pending victim is recorded.
		if e.State == cpuinfo.RECLAIMED && e.Victim == cpuinfo.NOBODY {
			t.Fatalf("invariant 4 violated at cpu %d: RECLAIMED with no victim", e.CPU)
		}
		// Invariant 5: no requester appears twice, and never also guest.
		seen := make(map[cpuinfo.PID]bool)
		for _, p := range e.Requesters {
			if seen[p] {
				t.Fatalf("invariant 5 violated at cpu %d: pid %d requests twice", e.CPU, p)
			}
			seen[p] = true
			if p == e.Guest {
				t.Fatalf("invariant 5 violated at cpu %d: pid %d is both guest and requester", e.CPU, p)
			}
		}

		if e.Owner == cpuinfo.NOBODY {
			free.Insert(e.CPU)
		} else {
			owned.Insert(e.CPU)
		}
	}

	// Invariant 6: owned and free partition [0, N_cpus).
	if owned.Intersect(free).Size() != 0 {
		t.Fatalf("invariant 6 violated: owned and free overlap")
	}
	if owned.Size()+free.Size() != n.NCPUs {
		t.Fatalf("invariant 6 violated: owned(%d)+free(%d) != n_cpus(%d)", owned.Size(), free.Size(), n.NCPUs)
	}

	for _, pid := range pids {
		snap, err := n.Procs.Inspect(pid)
		if err != nil {
			continue // finalized mid-sequence
		}
		// Invariant 7: stolen_mask(p) disjoint from future_mask(p).
		if snap.StolenMask.Intersect(snap.FutureMask).Size() != 0 {
			t.Fatalf("invariant 7 violated for pid %d: stolen and future masks overlap", pid)
		}
		// Invariant 8: future_mask never empty while registered.
		if snap.FutureMask.IsEmpty() {
			t.Fatalf("invariant 8 violated for pid %d: future mask empty", pid)
		}
		// Invariant 9 (the guaranteed direction): clean implies current
		// has actually caught up to future. The converse does not hold
		// as a strict iff -- SetProcessMask unconditionally marks the
		// caller dirty as a side effect even when the requested mask
		// happens to match what it already has.
		if !snap.Dirty && !snap.CurrentMask.Equal(snap.FutureMask) {
			t.Fatalf("invariant 9 violated for pid %d: not dirty but current=%s != future=%s",
				pid, snap.CurrentMask, snap.FutureMask)
		}
	}
}

// TestInvariants_RandomizedOperationSequences drives a small virtual
// node through randomized lend/acquire/reclaim/return/setmask sequences
// and checks invariants 1-9 after every step.
func TestInvariants_RandomizedOperationSequences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nCPUs := rapid.IntRange(2, 8).Draw(t, "nCPUs")
		nProcs := rapid.IntRange(2, 4).Draw(t, "nProcs")
		mode := cpuinfo.Polling
		if rapid.Bool().Draw(t, "async") {
			mode = cpuinfo.Async
		}

		n := NewNode(nCPUs, mode)
		pids := make([]cpuinfo.PID, nProcs)
		for i := range pids {
			pids[i] = cpuinfo.PID(100 + i)
		}

		// Split CPUs round-robin across processes so every process
		// starts with a non-empty mask (required by Init's contract).
		masks := make([]*idset.Set[cpuinfo.CPUID], nProcs)
		for i := range masks {
			masks[i] = idset.Empty[cpuinfo.CPUID]()
		}
		for c := 0; c < nCPUs; c++ {
			masks[c%nProcs].Insert(cpuinfo.CPUID(c))
		}
		for i, pid := range pids {
			if masks[i].IsEmpty() {
				continue // more processes than CPUs; this one never registers
			}
			if _, err := n.Procs.Init(pid, masks[i]); err != nil {
				t.Fatalf("init pid %d: %v", pid, err)
			}
		}

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pid := pids[rapid.IntRange(0, nProcs-1).Draw(t, "pid")]
			cpu := cpuinfo.CPUID(rapid.IntRange(0, nCPUs-1).Draw(t, "cpu"))

			if _, err := n.Procs.Inspect(pid); err != nil {
				continue // not registered on this run (more procs than CPUs)
			}

			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				_, _ = n.CPUs.LendCPU(pid, cpu)
			case 1:
				_, _, _ = n.CPUs.AcquireCPU(pid, cpu)
			case 2:
				_, _, _ = n.CPUs.ReclaimCPU(pid, cpu)
			case 3:
				_, _ = n.CPUs.ReturnCPU(pid, cpu)
			case 4:
				_, _ = n.Procs.SetProcessMask(pid, idset.From([]cpuinfo.CPUID{cpu}), procinfo.NoFlags)
			}

			checkInvariants(t, n, pids)
		}
	})
}
