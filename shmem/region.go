// Package shmem implements the node-local Shared-Region Host: a
// file-backed mmap region that every process on the node attaches to,
// guarded by a robust cross-process mutex that survives a lock
// holder's death, plus a consistency sweep that releases the CPUs of
// registered processes that are no longer alive.
//
// Go has no PTHREAD_MUTEX_ROBUST-style primitive, so this package gets
// the "the kernel cleans up after a dead holder" property from an OS
// file lock (flock) on a companion file instead: a held flock is
// released automatically on process exit, the same way etcd's bbolt
// takes a flock on its data file for exactly this reason.
package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/dlb-go/dlb/cpuinfo"
	"github.com/dlb-go/dlb/dlberrors"
	"github.com/dlb-go/dlb/procinfo"
)

const (
	magic         uint32 = 0xd1b0017a
	headerVersion uint32 = 1
	headerSize           = 20 // magic(4) + version(4) + size(4) + nCPUs(4) + nProcs(4)
)

// ErrVersionMismatch is returned by Open when an existing region's
// header was written by a binary whose wire layout differs from this
// one's, the shmem-specific VERSION_MISMATCH condition spec.md §4.1
// describes. There is no dlberrors.Code for it: §6's stable error-code
// table only enumerates conditions an engine operation can return to a
// caller, and attaching to an incompatible region is refused before
// any operation runs.
var ErrVersionMismatch = errors.New("shmem: version mismatch")

// ErrNoMem is returned when the region's backing file cannot be grown
// to the size this binary's layout requires. It is dlberrors.NOMEM
// itself, since Code already satisfies the error interface and running
// out of room for the shared region is exactly the condition NOMEM
// names in §6's error-code table.
var ErrNoMem = dlberrors.NOMEM

// Header is the fixed-size preamble written at the start of the mmap'd
// region, letting an attaching process sanity-check that it is mapping
// a region its own binary's layout understands before it touches
// anything past the header.
type Header struct {
	Magic   uint32
	Version uint32
	Size    uint32 // total region size in bytes, including this header
	NCPUs   uint32
	NProcs  uint32
}

func (h Header) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
	binary.LittleEndian.PutUint32(buf[12:16], h.NCPUs)
	binary.LittleEndian.PutUint32(buf[16:20], h.NProcs)
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
		NCPUs:   binary.LittleEndian.Uint32(buf[12:16]),
		NProcs:  binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// Region is one process's mapping of the node-local shared region. The
// bytes past the header are laid out as the CPU-Info registry's wire
// array immediately followed by the Process-Info registry's wire array
// (SPEC_FULL.md's described layout); CPUInfoBytes/ProcInfoBytes hand
// each registry its own slice so cpuinfo and procinfo never need to
// know about shmem or each other's offsets.
type Region struct {
	logger hclog.Logger
	file   *os.File
	data   []byte
	mutex  *RobustMutex

	path   string
	size   int
	nCPUs  int
	nProcs int
}

// Key derives the path of the backing file for a given node-local DLB
// instance name, salted with the caller's uid so distinct users on a
// shared node never collide on the same region (mirroring the
// original's per-uid shm_open key).
func Key(baseDir, name string) string {
	return fmt.Sprintf("%s/dlb.%d.%s.region", baseDir, os.Getuid(), name)
}

// Open attaches to (creating if absent) the shared region at path,
// sized to hold nCPUs CPUs' worth of CPU-Info bookkeeping and nProcs
// process slots' worth of Process-Info bookkeeping, plus the header.
// The first attacher initializes the header; later attachers verify it
// matches instead of re-initializing.
func Open(path string, nCPUs, nProcs int, logger hclog.Logger) (*Region, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("shmem")

	size := headerSize + cpuinfo.WireSize(nCPUs) + procinfo.WireSize(nCPUs, nProcs)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}

	mutex, err := NewRobustMutex(path + ".lock")
	if err != nil {
		f.Close()
		return nil, err
	}

	mutex.Lock()
	// On failure the mutex is closed rather than unlocked: closing the
	// lock file releases the flock, and a failing branch below may have
	// closed it already through r.Close.
	keep := false
	defer func() {
		if keep {
			mutex.Unlock()
		} else {
			mutex.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate region file: %w: %v", ErrNoMem, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region: %w: %v", ErrNoMem, err)
	}

	r := &Region{logger: logger, file: f, data: data, mutex: mutex, path: path, size: size, nCPUs: nCPUs, nProcs: nProcs}

	existing := unmarshalHeader(data[:headerSize])
	switch {
	case existing.Magic == 0:
		h := Header{Magic: magic, Version: headerVersion, Size: uint32(size), NCPUs: uint32(nCPUs), NProcs: uint32(nProcs)}
		h.marshal(data[:headerSize])
		logger.Debug("initialized shared region", "path", path, "n_cpus", nCPUs, "n_procs", nProcs)
	case existing.Magic != magic:
		r.Close()
		return nil, fmt.Errorf("shmem: %s: bad magic %#x, region is not a DLB region", path, existing.Magic)
	case existing.Version != headerVersion:
		r.Close()
		return nil, fmt.Errorf("shmem: %s: %w (region %d, binary %d)", path, ErrVersionMismatch, existing.Version, headerVersion)
	case existing.NCPUs != uint32(nCPUs):
		r.Close()
		return nil, fmt.Errorf("shmem: %s: n_cpus mismatch (region %d, requested %d)", path, existing.NCPUs, nCPUs)
	case existing.NProcs != uint32(nProcs):
		r.Close()
		return nil, fmt.Errorf("shmem: %s: n_procs mismatch (region %d, requested %d)", path, existing.NProcs, nProcs)
	}

	keep = true
	return r, nil
}

// Header returns the region's current header, read under the mutex.
func (r *Region) Header() Header {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return unmarshalHeader(r.data[:headerSize])
}

// CPUInfoBytes returns the slice of the shared region backing the
// CPU-Info registry's wire array. Callers must hold Lock while reading
// or writing through it.
func (r *Region) CPUInfoBytes() []byte {
	start := headerSize
	end := start + cpuinfo.WireSize(r.nCPUs)
	return r.data[start:end]
}

// ProcInfoBytes returns the slice of the shared region backing the
// Process-Info registry's wire array, immediately following the
// CPU-Info array. Callers must hold Lock while reading or writing
// through it.
func (r *Region) ProcInfoBytes() []byte {
	start := headerSize + cpuinfo.WireSize(r.nCPUs)
	end := start + procinfo.WireSize(r.nCPUs, r.nProcs)
	return r.data[start:end]
}

// Lock acquires the region's cross-process mutex. Every registry
// mutation performed while holding it nests inside this same lock, so a
// process that dies mid-mutation releases it automatically (flock
// semantics) rather than leaving the region wedged for everyone else.
func (r *Region) Lock() {
	r.mutex.Lock()
}

// Unlock releases the region's cross-process mutex.
func (r *Region) Unlock() {
	r.mutex.Unlock()
}

// Close unmaps and closes the region's backing file. It does not remove
// the file from disk; the next Open call reattaches to the same region.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	if r.mutex != nil {
		r.mutex.Close()
	}
	return err
}
