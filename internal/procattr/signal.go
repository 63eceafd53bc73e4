package procattr

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

func ensure(cmd *exec.Cmd) *syscall.SysProcAttr {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	return cmd.SysProcAttr
}

// SignalGroup delivers sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Terminate sends SIGTERM to the group and returns immediately. If exited
// is not closed within grace the group is sent SIGKILL from a background
// goroutine. The returned channel is closed once the escalation decision has
// been made. Terminate never waits on the process itself; the caller owns
// cmd.Wait.
func Terminate(p *os.Process, exited <-chan struct{}, grace time.Duration) <-chan struct{} {
	settled := make(chan struct{})
	if p == nil {
		close(settled)
		return settled
	}
	_ = SignalGroup(p, syscall.SIGTERM)

	go func() {
		defer close(settled)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			_ = KillGroup(p)
		}
	}()
	return settled
}
