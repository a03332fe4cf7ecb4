package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TimeoutError reports a child process that exceeded its configured wall-clock
// timeout and was forcibly terminated. Fatal to the invocation, never retried.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command exceeded timeout of %s and was terminated", e.Timeout)
}

// ExitError reports a child process that exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.Code)
}

// drainGrace bounds how long output draining may outlive the child process.
const drainGrace = 200 * time.Millisecond

// RunSpec describes one child-process invocation.
type RunSpec struct {
	Command []string // argv, must be non-empty
	Env     []string // full child environment, as produced by MergeEnv
	Dir     string   // working directory
	Timeout time.Duration
	LogFile string // optional append-only log file
}

// Runner executes external programs, streaming their combined output to the
// console and optionally to a per-stage log file. In dry-run mode it logs the
// would-be command line and spawns nothing.
type Runner struct {
	DryRun bool
	Stdout io.Writer // defaults to os.Stdout
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

// Run spawns the command and blocks until it exits or the timeout elapses,
// returning the wall-clock elapsed time. Stdout and stderr are merged and
// drained line by line; identical lines go to the console and, if configured,
// to the log file bracketed by start/end timestamp markers.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (time.Duration, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("command must be a non-empty list of arguments")
	}

	cmdStr := strings.Join(spec.Command, " ")
	slog.Info("executing command", "command", cmdStr)

	if r.DryRun {
		slog.Info("dry-run enabled, command not executed")
		return 0, nil
	}

	var logFile *os.File
	if spec.LogFile != "" {
		var err error
		logFile, err = os.OpenFile(spec.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("opening log file %s: %w", spec.LogFile, err)
		}
		fmt.Fprintf(logFile, "# Command: %s\n# Started: %s\n\n", cmdStr, time.Now().UTC().Format(time.RFC3339))
	}

	start := time.Now()
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// The Finished marker is written on every exit path, including timeouts
	// and external signals, so logs are never silently truncated.
	defer func() {
		if logFile != nil {
			fmt.Fprintf(logFile, "\n# Finished: %s\n", time.Now().UTC().Format(time.RFC3339))
			logFile.Close()
		}
	}()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return 0, fmt.Errorf("starting command: %w", err)
	}
	// The parent's copy of the write end must be closed or the read loop
	// never sees EOF after the child exits.
	pw.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(r.stdout(), line)
			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}
		}
	}()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	// A grandchild that inherited the pipe can hold it open after the child
	// exits. The exit status decides when Run returns, not the pipe: after a
	// short grace the drain is abandoned.
	select {
	case <-drained:
	case <-time.After(drainGrace):
		pr.Close()
		<-drained
	}
	pr.Close()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// ExitCode -1 means the child died on a signal, which is how the
			// context deadline terminates it. A real exit code wins over a
			// deadline that fired while the run was wrapping up.
			killed := exitErr.ExitCode() == -1
			if killed && spec.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
				slog.Error("command exceeded timeout and was terminated", "timeout", spec.Timeout, "command", cmdStr)
				return elapsed, &TimeoutError{Timeout: spec.Timeout}
			}
			if killed && runCtx.Err() != nil {
				slog.Error("command cancelled", "command", cmdStr, "cause", runCtx.Err())
				return elapsed, fmt.Errorf("command cancelled: %w", runCtx.Err())
			}
			slog.Error("command failed", "exit_code", exitErr.ExitCode(), "command", cmdStr)
			return elapsed, &ExitError{Code: exitErr.ExitCode()}
		}
		return elapsed, fmt.Errorf("waiting for command: %w", waitErr)
	}

	slog.Info("stage finished", "elapsed_seconds", fmt.Sprintf("%.1f", elapsed.Seconds()))
	return elapsed, nil
}
