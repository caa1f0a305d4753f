// Package job defines the plaintext that travels inside sealed envelopes:
// the command an operator asks an agent to run, and the result the agent
// sends back.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/codec"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

var (
	ErrUnknownKind = errors.New("job: unknown command kind")
	ErrEmptyShell  = errors.New("job: empty shell command")
)

type Kind string

const (
	KindShell Kind = "shell"
)

// Command is a tagged variant. Exactly the field matching Kind is set.
type Command struct {
	Kind  Kind          `cbor:"1,keyasint"`
	Shell *ShellCommand `cbor:"2,keyasint,omitempty"`
	// IssuedAt lets the agent log how stale a job was when it ran.
	IssuedAt time.Time `cbor:"3,keyasint"`
}

type ShellCommand struct {
	Line string `cbor:"1,keyasint"`
}

func Shell(line string) Command {
	return Command{
		Kind:     KindShell,
		Shell:    &ShellCommand{Line: line},
		IssuedAt: time.Now().UTC(),
	}
}

func (c Command) Validate() error {
	switch c.Kind {
	case KindShell:
		if c.Shell == nil || c.Shell.Line == "" {
			return ErrEmptyShell
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
}

func (c Command) String() string {
	if c.Kind == KindShell && c.Shell != nil {
		return c.Shell.Line
	}
	return string(c.Kind)
}

// Result is what the agent reports for a job. A command that could not be
// started or exited non-zero is still a Result; Error carries the reason.
type Result struct {
	ExitCode   int       `cbor:"1,keyasint"`
	Stdout     []byte    `cbor:"2,keyasint"`
	Stderr     []byte    `cbor:"3,keyasint"`
	Error      string    `cbor:"4,keyasint,omitempty"`
	StartedAt  time.Time `cbor:"5,keyasint"`
	FinishedAt time.Time `cbor:"6,keyasint"`
}

func (r Result) Succeeded() bool {
	return r.Error == "" && r.ExitCode == 0
}

func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := codec.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

func EncodeResult(r Result) ([]byte, error) {
	return codec.Marshal(r)
}

func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := codec.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// ResultContext is the context a result is sealed under. The job id alone
// is chosen by the relay, so the digest of the job's own signature ties the
// result to the envelope the agent actually opened.
func ResultContext(jobID uuid.UUID, jobSignature []byte) []byte {
	digest := blake3.Sum256(jobSignature)
	out := make([]byte, 0, len(jobID)+len(digest))
	out = append(out, jobID[:]...)
	return append(out, digest[:]...)
}
