//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// sendGracefulStop asks the child to shut down cleanly. Vite flushes its
// dependency cache on SIGTERM.
func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
