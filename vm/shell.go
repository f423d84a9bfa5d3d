package vm

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultShell runs commands unless overridden with WithShell.
const DefaultShell = "bash"

// command builds "<shell> -c text" with the VM environment, started in
// the session's working directory. Privileged
// commands get a sudo prefix unless the VM already runs as root.
func (vm *VM) command(ctx context.Context, text string, sudo bool) *exec.Cmd {
	var cmd *exec.Cmd
	if sudo && unix.Geteuid() != 0 {
		cmd = exec.CommandContext(ctx, "sudo", "-E", vm.shell, "-c", text)
	} else {
		cmd = exec.CommandContext(ctx, vm.shell, "-c", text)
	}
	cmd.Env = vm.environ()
	cmd.Dir = vm.dir
	cmd.Stdin = vm.stdin
	cmd.Stdout = vm.stdout
	cmd.Stderr = vm.stderr
	return cmd
}

// runCommand runs text to completion and returns its exit status.
// Unprivileged commands go through the shell session when there is one.
func (vm *VM) runCommand(ctx context.Context, text string, sudo bool) int {
	vm.stats.Execs++
	if status, ok := vm.inSession(ctx, text, sudo, vm.stdout); ok {
		return status
	}
	status, err := exitStatus(vm.command(ctx, text, sudo).Run())
	if err != nil {
		log.Warningf("%s: %v", text, err)
	}
	return status
}

// inSession runs text in the shell session with stdout sent to dst. ok
// is false when the command has to run on its own instead.
func (vm *VM) inSession(ctx context.Context, text string, sudo bool, dst io.Writer) (int, bool) {
	if sudo && unix.Geteuid() != 0 {
		return 0, false
	}
	s := vm.shellSession()
	if s == nil {
		return 0, false
	}
	return vm.sessionRun(ctx, s, text, dst)
}

// exitStatus converts the error from exec.Cmd.Run or Wait into a shell
// style status. Errors other than a non-zero exit are returned as well.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ee.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return 127, err
	}
	return 126, err
}

// syncWriter serializes writes from the VM and from spawned tasks that
// share one destination.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
