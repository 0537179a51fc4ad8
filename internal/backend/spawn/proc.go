// ABOUTME: Child process lifecycle for the spawn adapter
// ABOUTME: Processes run in their own group so a kill reaps forked descendants too

package spawn

import (
	"bufio"
	"errors"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// gracePeriod is how long a process group gets between SIGTERM and SIGKILL.
const gracePeriod = 3 * time.Second

// stderrTailLines is how many trailing stderr lines surface on failure.
const stderrTailLines = 10

// CommandFactory builds the child command. Injected so tests can substitute
// harmless executables.
type CommandFactory func(name string, arg ...string) *exec.Cmd

// process tracks one running child for a composite key.
type process struct {
	cmd  *exec.Cmd
	pgid int

	// done closes once Wait has returned and the process is fully settled.
	done chan struct{}

	// stopped marks a deliberate termination so the exit path stays quiet.
	stopped atomic.Bool
}

// signalGroup sends sig to the whole process group, ignoring
// already-gone errors.
func (p *process) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-p.pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// kill terminates the process group: SIGTERM, a grace period, then SIGKILL.
// It waits for the owning goroutine to settle the process before returning.
func (p *process) kill() {
	_ = p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.done:
		return
	case <-time.After(gracePeriod):
	}

	_ = p.signalGroup(syscall.SIGKILL)
	<-p.done
}

// consumeStderr buffers stderr and returns the last few lines for
// diagnostics. The full stream is never surfaced.
func consumeStderr(r *bufio.Scanner) []string {
	var tail []string
	for r.Scan() {
		line := r.Text()
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	return tail
}

// exitCode extracts the exit status from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// processAlive reports whether any member of the group still exists.
func processAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}
