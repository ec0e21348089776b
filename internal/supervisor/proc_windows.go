//go:build windows

package supervisor

import "os"

// sendGracefulStop has no SIGTERM equivalent on Windows; the grace period
// is skipped and the child is killed outright.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
