package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateUnsealing
	StateExecuting
	StateSealing
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateUnsealing:
		return "unsealing"
	case StateExecuting:
		return "executing"
	case StateSealing:
		return "sealing"
	case StateSubmitting:
		return "submitting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrUntrustedOperator = errors.New("job from untrusted operator")
	ErrJobDropped        = errors.New("job dropped")
)

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	if prev := State(a.state.Swap(int32(s))); prev != s {
		slog.Debug("Agent state", "from", prev, "to", s)
	}
}

// handle takes one claimed job through unseal, execute, seal and submit.
// Jobs that fail authentication are dropped without a result and reported
// to the relay as rejected.
func (a *Agent) handle(ctx context.Context, j *dto.JobResponse) error {
	jobID, err := uuid.Parse(j.ID)
	if err != nil {
		return fmt.Errorf("%w: bad job id %q", ErrJobDropped, j.ID)
	}
	logger := slog.With("job_id", jobID)

	a.setState(StateUnsealing)
	sender := ed25519.PublicKey(j.SenderPublicKey)
	envelope := j.Job.Envelope()
	plaintext, err := a.unseal(sender, envelope)
	if err != nil {
		logger.Warn("Dropping job", "reason", err)
		a.reject(ctx, logger, jobID, err)
		return fmt.Errorf("%w: %w", ErrJobDropped, err)
	}

	var result job.Result
	cmd, err := job.DecodeCommand(plaintext)
	if err == nil {
		err = cmd.Validate()
	}
	if err != nil {
		now := time.Now().UTC()
		result = job.Result{ExitCode: -1, Error: err.Error(), StartedAt: now, FinishedAt: now}
		logger.Warn("Invalid command", "error", err)
	} else {
		a.setState(StateExecuting)
		logger.Info("Executing job", "kind", cmd.Kind, "operator", identity.Fingerprint(sender), "issued_at", cmd.IssuedAt)
		result = a.runner.Run(ctx, cmd)
		logger.Info("Job finished",
			"exit_code", result.ExitCode,
			"duration", result.FinishedAt.Sub(result.StartedAt),
			"error", result.Error)
	}

	a.setState(StateSealing)
	env, err := a.sealResult(job.ResultContext(jobID, envelope.Signature), sender, result)
	if err != nil {
		return fmt.Errorf("seal result: %w", err)
	}

	a.setState(StateSubmitting)
	if err := a.api.SubmitResult(ctx, jobID, env); err != nil {
		// A redelivered job whose first result already landed.
		if apiclient.IsStatus(err, http.StatusConflict) {
			logger.Info("Result already recorded")
			return nil
		}
		return fmt.Errorf("submit result: %w", err)
	}
	return nil
}

// reject tells the relay the job will never be run, so its lease does not
// bring it back. A failure only means the job is dropped again next time.
func (a *Agent) reject(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, cause error) {
	a.setState(StateSubmitting)
	err := a.api.RejectJob(ctx, jobID, rejectReason(cause))
	if err != nil && !apiclient.IsStatus(err, http.StatusConflict) {
		logger.Warn("Failed to reject job", "error", err)
	}
}

// rejectReason is the short, fixed text the relay stores for the operator.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUntrustedOperator):
		return "untrusted operator"
	case errors.Is(err, identity.ErrInvalidPublicKey):
		return "invalid sender key"
	case errors.Is(err, sealed.ErrSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, sealed.ErrDecryptionFailed):
		return "decryption failed"
	default:
		return "malformed job"
	}
}

// unseal authenticates and decrypts a job. The sender key is checked
// before anything runs, since the result must later be sealed to it.
func (a *Agent) unseal(sender ed25519.PublicKey, env sealed.Envelope) ([]byte, error) {
	if !a.trusts(sender) {
		return nil, ErrUntrustedOperator
	}
	if _, err := identity.ExchangePublicKeyFor(sender); err != nil {
		return nil, err
	}

	binding := a.identity.PublicKey()
	var lastErr error
	for _, pk := range a.keyring.Openers() {
		plaintext, err := sealed.Open(pk, binding, sender, sealed.PurposeJob, &env)
		if err == nil {
			return plaintext, nil
		}
		// A bad signature is bad for every key.
		if errors.Is(err, sealed.ErrSignatureInvalid) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (a *Agent) trusts(sender ed25519.PublicKey) bool {
	if len(a.cfg.TrustedOperators) == 0 {
		return true
	}
	for _, k := range a.cfg.TrustedOperators {
		if k.Equal(sender) {
			return true
		}
	}
	return false
}

// sealResult encrypts the result to the operator's identity under the job's
// result context.
func (a *Agent) sealResult(resultContext []byte, operator ed25519.PublicKey, result job.Result) (*sealed.Envelope, error) {
	payload, err := job.EncodeResult(result)
	if err != nil {
		return nil, err
	}
	exchange, err := identity.ExchangePublicKeyFor(operator)
	if err != nil {
		return nil, err
	}
	return sealed.Seal(a.identity, sealed.Recipient{PublicKey: exchange, Context: resultContext}, sealed.PurposeResult, payload)
}
