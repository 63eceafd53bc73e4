//go:build linux

// Package procattr configures agent subprocesses so that the whole process
// tree can be signalled and does not outlive the bridge.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group and asks the kernel to send it
// SIGTERM if the bridge process dies without cleaning up. Attributes already
// present on cmd are kept.
func Set(cmd *exec.Cmd) {
	attr := ensure(cmd)
	attr.Setpgid = true
	attr.Pgid = 0
	attr.Pdeathsig = syscall.SIGTERM
}
