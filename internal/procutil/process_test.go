package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestProcess is re-executed as a subprocess that idles until terminated.
func TestProcess(t *testing.T) {
	if os.Getenv("PROCUTIL_WANT_PROCESS") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func TestGracefulTerminate(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestProcess")
	cmd.Env = append(os.Environ(), "PROCUTIL_WANT_PROCESS=1")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := GracefulTerminate(cmd.Process); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("process did not exit after termination")
	}
}

func TestGracefulTerminateExitedProcess(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestProcess")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Terminating an already-exited process must not panic; the error return
	// is platform-specific and not asserted.
	_ = GracefulTerminate(cmd.Process)
}
