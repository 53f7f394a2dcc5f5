package shmem

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dlb-go/dlb/dlberrors"
)

// Handle is the process-local attachment to a shared Region: every
// Init-style call in a process shares one Handle and one underlying
// mmap, reference-counted so the Nth detach doesn't unmap out from
// under the first N-1 callers still using it. It also tracks whether
// this process has detached at all, since every further call after a
// full detach must fail with NOSHMEM rather than silently reattaching.
type Handle struct {
	mu       sync.Mutex
	region   *Region
	refcount int
	detached bool

	path   string
	nCPUs  int
	nProcs int
	logger hclog.Logger
}

// NewHandle creates an unattached handle for the region at path.
func NewHandle(path string, nCPUs, nProcs int, logger hclog.Logger) *Handle {
	return &Handle{path: path, nCPUs: nCPUs, nProcs: nProcs, logger: logger}
}

// Attach opens (or shares, if already open in this process) the
// underlying Region. It fails with NOSHMEM if this handle has already
// been fully detached once; a torn-down handle never comes back.
func (h *Handle) Attach() (*Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		return nil, dlberrors.NOSHMEM
	}
	if h.region == nil {
		r, err := Open(h.path, h.nCPUs, h.nProcs, h.logger)
		if err != nil {
			return nil, fmt.Errorf("attach: %w", err)
		}
		h.region = r
	}
	h.refcount++
	return h.region, nil
}

// Region returns the currently attached Region, or NOSHMEM if this
// handle has never attached or has fully detached.
func (h *Handle) Region() (*Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.region == nil || h.detached {
		return nil, dlberrors.NOSHMEM
	}
	return h.region, nil
}

// Detach drops one reference; the last detach in the process actually
// unmaps the region and permanently marks this handle as torn down, so
// every later operation through it returns NOSHMEM, matching the
// "any op after finalize" row of the engine's error-code table.
func (h *Handle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.region == nil || h.detached {
		return dlberrors.NOSHMEM
	}
	h.refcount--
	if h.refcount > 0 {
		return nil
	}
	err := h.region.Close()
	h.region = nil
	h.detached = true
	return err
}
