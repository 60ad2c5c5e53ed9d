//go:build windows

package procutil

import (
	"os"
)

// GracefulTerminate terminates the helper process. Process.Signal only
// supports os.Kill on Windows, so termination is immediate; the SDK driver
// releases the device handle when the process exits.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}
