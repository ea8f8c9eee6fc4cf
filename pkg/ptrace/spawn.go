package ptrace

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// SpawnTraced starts command as a stopped tracee: the child calls
// PTRACE_TRACEME before exec, so it receives an initial SIGTRAP stop at
// the entry point of the freshly loaded image, which the caller must
// consume with a Wait before doing anything else. Pdeathsig ensures the
// child is killed if the tracer dies first.
func SpawnTraced(command []string, stdout, stderr *os.File) (pid int, err error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("ptrace: spawn: empty command")
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		return 0, fmt.Errorf("ptrace: spawn: resolve %q: %w", command[0], err)
	}

	cmd := exec.Command(path, command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("ptrace: spawn %q: %w", path, err)
	}
	return cmd.Process.Pid, nil
}
