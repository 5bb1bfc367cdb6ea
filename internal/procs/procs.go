// Package procs wraps the signal-level process operations shared by the
// spawner, monitor and resource manager.
package procs

import (
	"context"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

type Liveness int

const (
	LivenessDead Liveness = iota
	LivenessAlive
	// LivenessForeign means the process exists but belongs to another user.
	LivenessForeign
)

// Probe sends signal 0. Not found is dead; found without permission still
// counts as alive.
func Probe(pid int) Liveness {
	if pid <= 0 {
		return LivenessDead
	}
	err := unix.Kill(pid, 0)
	switch err {
	case nil:
		if isZombie(pid) {
			return LivenessDead
		}
		return LivenessAlive
	case unix.EPERM:
		return LivenessForeign
	default:
		return LivenessDead
	}
}

func Alive(pid int) bool {
	return Probe(pid) != LivenessDead
}

// Signal delivers sig to pid. A vanished process is not an error.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// SignalGroup delivers sig to the process group led by pid, falling back to
// the single process when no such group exists.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return Signal(pid, sig)
}

// Terminate sends SIGTERM, waits up to grace for the process to exit, then
// sends SIGKILL. It reports whether a kill was needed.
func Terminate(ctx context.Context, pid int, grace time.Duration) (bool, error) {
	if !Alive(pid) {
		return false, nil
	}
	if err := SignalGroup(pid, syscall.SIGTERM); err != nil {
		return false, err
	}
	if WaitExit(ctx, pid, grace) {
		return false, nil
	}
	if err := SignalGroup(pid, syscall.SIGKILL); err != nil {
		return true, err
	}
	WaitExit(ctx, pid, time.Second)
	return true, nil
}

// WaitExit polls until pid is gone or the timeout elapses.
func WaitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func isZombie(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	states, err := proc.Status()
	if err != nil {
		return false
	}
	for _, state := range states {
		if state == process.Zombie {
			return true
		}
	}
	return false
}
