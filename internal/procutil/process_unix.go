//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate sends SIGTERM so the helper can release the fingerprint
// device before exiting. Callers enforce a hard-kill deadline separately.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
