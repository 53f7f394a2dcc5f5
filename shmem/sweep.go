package shmem

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	ps "github.com/mitchellh/go-ps"

	"github.com/dlb-go/dlb/procinfo"
)

// LivenessChecker reports whether pid still names a running process. It
// is satisfied by checkProcessAlive (backed by mitchellh/go-ps) and
// stubbed out in tests that need to simulate a crash without actually
// killing anything.
type LivenessChecker func(pid int) (bool, error)

// checkProcessAlive is the default LivenessChecker, a thin wrapper over
// go-ps's process table scan.
func checkProcessAlive(pid int) (bool, error) {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return proc != nil, nil
}

// Sweep reclaims CPUs from any registered process that is no longer
// alive: the flock in RobustMutex already guarantees a dead lock holder
// doesn't wedge the region, but a process that died while merely
// registered (not necessarily mid-mutation) leaves its CPUs marked busy
// forever unless something notices it is gone. Sweep is meant to run
// periodically (e.g. from a node-level reaper) or once at a new
// process's attach time, holding the region's mutex for its duration.
func Sweep(procs *procinfo.Registry, alive LivenessChecker, logger hclog.Logger) ([]procinfo.PID, error) {
	if alive == nil {
		alive = checkProcessAlive
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("shmem.sweep")

	var reclaimed []procinfo.PID
	var result *multierror.Error
	for _, pid := range procs.GetPIDList() {
		ok, err := alive(int(pid))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if ok {
			continue
		}
		if err := procs.Finalize(pid, true); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		reclaimed = append(reclaimed, pid)
		logger.Info("reclaimed CPUs from dead process", "pid", pid)
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Warn("sweep encountered errors", "error", err)
		return reclaimed, err
	}
	return reclaimed, nil
}
