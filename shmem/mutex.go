package shmem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RobustMutex is a cross-process mutex backed by an OS advisory file
// lock (flock). It stands in for the original's
// PTHREAD_PROCESS_SHARED/PTHREAD_MUTEX_ROBUST pairing: the kernel holds
// the lock state, not the process, so a holder that dies (including via
// SIGKILL) has its lock released automatically rather than leaving
// every other attacher blocked forever. This is the same property
// go.etcd.io/bbolt relies on taking an flock on its data file before
// allowing writes.
//
// Unlike a POSIX robust mutex, a released-by-death flock carries no
// "was this left in a consistent state?" flag; RobustMutex pairs with
// the consistency sweep (Sweep, in sweep.go), which callers run to
// re-derive region consistency from process liveness instead.
type RobustMutex struct {
	file *os.File
	// local excludes other holders of this same RobustMutex, which flock
	// alone does not: a repeated flock on one open file succeeds.
	local sync.Mutex
}

// NewRobustMutex opens (creating if absent) the lock file at path.
func NewRobustMutex(path string) (*RobustMutex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &RobustMutex{file: f}, nil
}

// Lock blocks until the mutex is acquired.
func (m *RobustMutex) Lock() {
	m.local.Lock()
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX); err != nil {
		// flock on an open, valid fd only fails on interrupt or a
		// kernel resource exhaustion; neither is recoverable by the
		// caller, and every other lock user in this codebase treats a
		// held lock as infallible once acquired.
		panic(fmt.Sprintf("shmem: flock: %v", err))
	}
}

// TryLock attempts to acquire the mutex without blocking, reporting
// whether it succeeded.
func (m *RobustMutex) TryLock() bool {
	if !m.local.TryLock() {
		return false
	}
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		m.local.Unlock()
		return false
	}
	return true
}

// Unlock releases the mutex.
func (m *RobustMutex) Unlock() {
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_UN); err != nil {
		panic(fmt.Sprintf("shmem: flock unlock: %v", err))
	}
	m.local.Unlock()
}

// Close releases the underlying file descriptor. The lock itself is
// released as a side effect, same as process death would.
func (m *RobustMutex) Close() error {
	return m.file.Close()
}
