package helper

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os/exec"
	"syscall"
	"time"

	"github.com/pulsogym/huellad/internal/procutil"
)

// OutcomeKind discriminates the possible results of one helper invocation.
type OutcomeKind int

const (
	// OutcomeSuccess: exit 0 and a JSON object on stdout.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeHelperError: non-zero exit but the helper still emitted a
	// structured error object, passed through for diagnostic value.
	OutcomeHelperError
	// OutcomeTimeout: the wall-clock budget elapsed and the process was killed.
	OutcomeTimeout
	// OutcomeSpawnFailure: the process could not be started, or no helper
	// installation exists.
	OutcomeSpawnFailure
	// OutcomeNonZeroExit: non-zero exit with no recoverable JSON.
	OutcomeNonZeroExit
	// OutcomeInvalidOutput: exit 0 but stdout held no recoverable JSON object.
	OutcomeInvalidOutput
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeHelperError:
		return "helper_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSpawnFailure:
		return "spawn_failure"
	case OutcomeNonZeroExit:
		return "non_zero_exit"
	case OutcomeInvalidOutput:
		return "invalid_output"
	default:
		return "unknown"
	}
}

// Outcome is the single result value produced by Run. Exactly one outcome is
// produced per invocation; which fields are populated depends on Kind.
type Outcome struct {
	Kind       OutcomeKind
	Payload    map[string]any // Success
	Detail     map[string]any // HelperError
	Message    string         // SpawnFailure
	ExitCode   int            // NonZeroExit
	StderrTail string         // NonZeroExit
	StdoutTail string         // NonZeroExit
}

// tailLimit bounds the stderr/stdout excerpts kept on a failed invocation,
// both to cap log size and to keep binary-ish payloads out of responses.
const tailLimit = 200

// Run spawns the helper described by desc with the given arguments and a
// wall-clock timeout, and normalises every possible result into one Outcome.
// The subprocess inherits the agent's environment; stdin is closed and both
// output streams are captured in full.
func Run(ctx context.Context, desc Descriptor, args []string, timeout time.Duration) Outcome {
	if desc.Mode == ModeUnavailable {
		return Outcome{Kind: OutcomeSpawnFailure, Message: "helper not found"}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch desc.Mode {
	case ModeProject:
		// Build-and-run from source via the SDK.
		full := append([]string{"run", "--project", desc.Path, "--"}, args...)
		cmd = exec.CommandContext(runCtx, "dotnet", full...)
	default:
		cmd = exec.CommandContext(runCtx, desc.Path, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On timeout, ask the helper to exit so the SDK driver can release the
	// device, then hard-kill if it lingers.
	cmd.Cancel = func() error {
		return procutil.GracefulTerminate(cmd.Process)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		log.Printf("[Helper] spawn failed (%s %v): %v", desc.Path, args, err)
		return Outcome{Kind: OutcomeSpawnFailure, Message: err.Error()}
	}

	waitErr := cmd.Wait()

	// The timeout is the only cancellation primitive and it wins over any
	// exit status recorded after the kill.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Printf("[Helper] invocation %v timed out after %s", args, timeout)
		return Outcome{Kind: OutcomeTimeout}
	}
	if runCtx.Err() != nil {
		return Outcome{Kind: OutcomeSpawnFailure, Message: "invocation canceled"}
	}

	if waitErr == nil {
		if obj, ok := ExtractJSON(stdout.String()); ok {
			return Outcome{Kind: OutcomeSuccess, Payload: obj}
		}
		log.Printf("[Helper] exit 0 but stdout held no JSON object (%d bytes)", stdout.Len())
		return Outcome{Kind: OutcomeInvalidOutput}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		log.Printf("[Helper] wait failed: %v", waitErr)
		return Outcome{Kind: OutcomeSpawnFailure, Message: waitErr.Error()}
	}

	// Helpers may report a structured error object and still exit non-zero;
	// prefer that over a generic failure.
	if obj, ok := ExtractJSON(stdout.String()); ok {
		return Outcome{Kind: OutcomeHelperError, Detail: obj}
	}

	code := exitCode(exitErr)
	log.Printf("[Helper] exit %d with no JSON; stderr tail: %s", code, tail(stderr.String()))
	return Outcome{
		Kind:       OutcomeNonZeroExit,
		ExitCode:   code,
		StderrTail: tail(stderr.String()),
		StdoutTail: tail(stdout.String()),
	}
}

// exitCode extracts the exit code, mapping death-by-signal to 128+signal.
func exitCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return exitErr.ExitCode()
}

func tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	return s[len(s)-tailLimit:]
}
