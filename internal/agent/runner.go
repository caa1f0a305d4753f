package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/job"
)

const (
	DefaultShell          = "/bin/sh"
	DefaultCommandTimeout = 5 * time.Minute

	// Each output stream is capped so the sealed result fits the relay's
	// request body limit.
	maxOutputBytes = 256 << 10
)

// Runner executes a decrypted command. Failures are reported inside the
// Result, never as an error.
type Runner interface {
	Run(ctx context.Context, cmd job.Command) job.Result
}

type ShellRunner struct {
	Shell   string
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, cmd job.Command) job.Result {
	started := time.Now().UTC()
	result := job.Result{StartedAt: started}

	if err := cmd.Validate(); err != nil {
		result.ExitCode = -1
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC()
		return result
	}

	shell := r.Shell
	if shell == "" {
		shell = DefaultShell
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	c := exec.CommandContext(ctx, shell, "-c", cmd.Shell.Line)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = time.Second

	err := c.Run()
	result.FinishedAt = time.Now().UTC()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case err != nil:
		result.ExitCode = -1
		result.Error = err.Error()
	}
	if stdout.truncated || stderr.truncated {
		if result.Error != "" {
			result.Error += "; "
		}
		result.Error += fmt.Sprintf("output truncated to %d bytes per stream", maxOutputBytes)
	}
	return result
}

type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
