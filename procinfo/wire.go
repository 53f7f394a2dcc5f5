package procinfo

import (
	"encoding/binary"

	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/idset"
)

// maskBytes is the width of a single current/future/stolen bitset for a
// node of nCPUs CPUs: ceil(nCPUs/8) bytes, per §6's bitset wire format.
func maskBytes(nCPUs int) int {
	return (nCPUs + 7) / 8
}

// entryWireSize is the fixed per-process width of the shared region's
// ProcessInfo array (§6): pid(4) + dirty(1) + returncode(4) + three
// masks of maskBytes(nCPUs) each (current, future, stolen).
func entryWireSize(nCPUs int) int {
	return 4 + 1 + 4 + 3*maskBytes(nCPUs)
}

// WireSize returns the number of bytes a ProcessInfo array for nProcs
// process slots occupies in the shared region, for a node of nCPUs
// CPUs.
func WireSize(nCPUs, nProcs int) int {
	return nProcs * entryWireSize(nCPUs)
}

// EncodeTo serializes up to nProcs registered processes, in slot order,
// into buf, matching the shared region's ProcessInfo[n_procs] layout
// (§6). A slot beyond the number of currently registered processes is
// zeroed (pid 0, the reserved NOBODY value, marking it unoccupied).
// Processes beyond the first nProcs slots are silently not serialized;
// the shared region is fixed-size and nProcs is expected to be the
// node's configured process-slot budget.
func (r *Registry) EncodeTo(buf []byte, nCPUs, nProcs int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	width := entryWireSize(nCPUs)
	mb := maskBytes(nCPUs)

	n := len(r.slotOrder)
	if n > nProcs {
		n = nProcs
	}
	for i := 0; i < nProcs; i++ {
		off := i * width
		for j := range buf[off : off+width] {
			buf[off+j] = 0
		}
		if i >= n {
			continue
		}

		proc := r.procs[r.slotOrder[i]]
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(proc.pid)))
		if proc.dirty {
			buf[off+4] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+5:], uint32(int32(proc.returncode)))

		copy(buf[off+9:], proc.currentMask.EncodeBitset(nCPUs))
		copy(buf[off+9+mb:], proc.futureMask.EncodeBitset(nCPUs))
		copy(buf[off+9+2*mb:], proc.stolenMask.EncodeBitset(nCPUs))
	}
}

// DecodeFrom replaces the registry's process table with what was
// serialized into buf by EncodeTo, preserving local-only bookkeeping
// (cpuUsage/cpuAvgUsage/loadAvg) for a pid that was already known, and
// creating a fresh entry for one discovered only through the shared
// region (e.g. registered by another attaching process since this
// registry last synced). Intended to run while holding the shared
// region's cross-process mutex, immediately before an operation reads
// or mutates process state, so the operation sees any other attacher's
// changes.
func (r *Registry) DecodeFrom(buf []byte, nCPUs, nProcs int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	width := entryWireSize(nCPUs)
	mb := maskBytes(nCPUs)

	procs := make(map[PID]*Process, nProcs)
	slotOrder := make([]PID, 0, nProcs)

	for i := 0; i < nProcs; i++ {
		off := i * width
		pid := PID(int32(binary.LittleEndian.Uint32(buf[off:])))
		if pid == 0 {
			continue
		}

		proc, ok := r.procs[pid]
		if !ok {
			proc = &Process{pid: pid}
		}
		proc.dirty = buf[off+4] != 0
		proc.returncode = dlberrors.Code(int32(binary.LittleEndian.Uint32(buf[off+5:])))
		proc.currentMask = idset.DecodeBitset[CPUID](buf[off+9 : off+9+mb])
		proc.futureMask = idset.DecodeBitset[CPUID](buf[off+9+mb : off+9+2*mb])
		proc.stolenMask = idset.DecodeBitset[CPUID](buf[off+9+2*mb : off+9+3*mb])

		procs[pid] = proc
		slotOrder = append(slotOrder, pid)
	}

	r.procs = procs
	r.slotOrder = slotOrder
}
