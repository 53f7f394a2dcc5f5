package cpuinfo

import (
	"encoding/binary"

	"github.com/dlb-go/dlb/idset"
)

// MaxRequesters bounds the async-mode FIFO request queue a single CPU's
// wire-format entry can carry (§3: "requesters ... bounded; async mode
// only"). A request beyond this bound is simply not serialized; the
// shared-region layout is fixed-size (§6), so the queue can't grow
// without limit the way the in-memory slice otherwise could.
const MaxRequesters = 8

// entryWireSize is the fixed per-CPU width of the shared-region's
// CpuInfo array (§6): owner(4) + guest(4) + victim(4) + state(1) +
// requester count(1) + up to MaxRequesters pids (4 bytes each).
const entryWireSize = 4 + 4 + 4 + 1 + 1 + 4*MaxRequesters

// WireSize returns the number of bytes a CpuInfo array for nCPUs CPUs
// occupies in the shared region.
func WireSize(nCPUs int) int {
	return nCPUs * entryWireSize
}

// EncodeTo serializes every CPU's bookkeeping into buf, in ascending
// CPU index order, matching the shared region's CpuInfo[n_cpus] layout
// (§6). buf must be at least WireSize(nCPUs) bytes, where nCPUs is the
// number of CPUs this Registry covers.
func (r *Registry) EncodeTo(buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.cpus)
	for c := 0; c < n; c++ {
		cs := r.cpus[CPUID(c)]
		off := c * entryWireSize
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(cs.owner)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(int32(cs.guest)))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(int32(cs.victim)))
		buf[off+12] = byte(cs.state)

		reqN := len(cs.requesters)
		if reqN > MaxRequesters {
			reqN = MaxRequesters
		}
		buf[off+13] = byte(reqN)
		for i := 0; i < reqN; i++ {
			binary.LittleEndian.PutUint32(buf[off+14+4*i:], uint32(int32(cs.requesters[i])))
		}
		for i := reqN; i < MaxRequesters; i++ {
			binary.LittleEndian.PutUint32(buf[off+14+4*i:], 0)
		}
	}
}

// DecodeFrom replaces the registry's state with what was serialized into
// buf by EncodeTo, rebuilding each CPU's requester FIFO and membership
// set from the wire-format queue. Intended to run while holding the
// shared region's cross-process mutex, immediately before a mutating
// operation, so the operation sees any other attacher's changes.
func (r *Registry) DecodeFrom(buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.cpus)
	for c := 0; c < n; c++ {
		cs := r.cpus[CPUID(c)]
		off := c * entryWireSize
		cs.owner = PID(int32(binary.LittleEndian.Uint32(buf[off:])))
		cs.guest = PID(int32(binary.LittleEndian.Uint32(buf[off+4:])))
		cs.victim = PID(int32(binary.LittleEndian.Uint32(buf[off+8:])))
		cs.state = State(buf[off+12])

		reqN := int(buf[off+13])
		cs.requesters = cs.requesters[:0]
		cs.reqset = idset.Empty[PID]()
		for i := 0; i < reqN; i++ {
			p := PID(int32(binary.LittleEndian.Uint32(buf[off+14+4*i:])))
			cs.requesters = append(cs.requesters, p)
			cs.reqset.Insert(p)
		}
	}
}
