// Package operator is the client side of the dispatch protocol: it seals
// commands to an agent's signed prekey, submits them through the relay and
// opens the sealed results.
package operator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/prekey"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

const DefaultWaitInterval = time.Second

var (
	ErrResultPending = errors.New("result not available yet")
	ErrForeignJob    = errors.New("job was submitted by another operator")
	ErrJobRejected   = errors.New("agent rejected the job")
)

// API is the subset of the relay client used by operators.
type API interface {
	ListAgents(ctx context.Context) ([]dto.AgentResponse, error)
	GetAgent(ctx context.Context, agentID uuid.UUID) (*dto.AgentResponse, error)
	SubmitJob(ctx context.Context, agentID uuid.UUID, job *sealed.Envelope, senderPublicKey []byte) (uuid.UUID, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*dto.JobResponse, error)
}

type AgentInfo struct {
	dto.AgentResponse
	// PrekeyTrusted is false when the published prekey is not signed by the
	// agent's identity key. Such agents cannot be sent jobs.
	PrekeyTrusted bool
}

type Operator struct {
	identity *identity.Identity
	api      API
	ledger   *Ledger
}

// New returns an Operator. ledger may be nil, in which case submitted jobs
// are not recorded locally.
func New(id *identity.Identity, api API, ledger *Ledger) *Operator {
	return &Operator{identity: id, api: api, ledger: ledger}
}

func (o *Operator) Identity() *identity.Identity {
	return o.identity
}

func (o *Operator) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	agents, err := o.api.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	infos := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		trusted := prekey.Verify(a.IdentityPublicKey, a.PublicPrekey, a.PublicPrekeySignature)
		if !trusted {
			slog.Warn("Agent prekey signature invalid", "agent_id", a.ID)
		}
		infos = append(infos, AgentInfo{AgentResponse: a, PrekeyTrusted: trusted})
	}
	return infos, nil
}

// Exec seals cmd to the agent's current prekey and submits it.
func (o *Operator) Exec(ctx context.Context, agentID uuid.UUID, cmd job.Command) (uuid.UUID, error) {
	agent, err := o.api.GetAgent(ctx, agentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	if err := prekey.Require(agent.IdentityPublicKey, agent.PublicPrekey, agent.PublicPrekeySignature); err != nil {
		return uuid.Nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	payload, err := job.EncodeCommand(cmd)
	if err != nil {
		return uuid.Nil, err
	}
	to := sealed.Recipient{
		PublicKey: [32]byte(agent.PublicPrekey),
		Context:   agent.IdentityPublicKey,
	}
	env, err := sealed.Seal(o.identity, to, sealed.PurposeJob, payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seal job: %w", err)
	}

	jobID, err := o.api.SubmitJob(ctx, agentID, env, o.identity.PublicKey())
	if err != nil {
		return uuid.Nil, fmt.Errorf("submit job: %w", err)
	}
	slog.Debug("Submitted job", "job_id", jobID, "agent_id", agentID)

	if o.ledger != nil {
		err := o.ledger.Record(Entry{
			JobID:         jobID,
			AgentID:       agentID,
			AgentIdentity: agent.IdentityPublicKey,
			HostName:      agent.HostName,
			Command:       cmd.String(),
			SubmittedAt:   time.Now().UTC(),
			JobSignature:  env.Signature,
		})
		if err != nil {
			// The job is already queued; losing the ledger entry only
			// costs the pinned agent key and job signature.
			slog.Warn("Failed to record job in ledger", "job_id", jobID, "error", err)
		}
	}
	return jobID, nil
}

// FetchResult opens the result of a job this operator submitted. It returns
// ErrResultPending while the agent has not answered and ErrJobRejected when
// the agent refused to run it.
func (o *Operator) FetchResult(ctx context.Context, jobID uuid.UUID) (*job.Result, error) {
	j, err := o.api.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if !bytes.Equal(j.SenderPublicKey, o.identity.PublicKey()) {
		return nil, ErrForeignJob
	}
	if j.RejectedAt != nil {
		if o.ledger != nil {
			if err := o.ledger.MarkRejected(jobID, j.RejectReason, *j.RejectedAt); err != nil && !errors.Is(err, ErrNotInLedger) {
				slog.Warn("Failed to update ledger", "job_id", jobID, "error", err)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobRejected, j.RejectReason)
	}
	if j.Result == nil {
		return nil, ErrResultPending
	}

	agentKey, jobSignature, err := o.pinned(ctx, jobID, j)
	if err != nil {
		return nil, err
	}

	env := j.Result.Envelope()
	plaintext, err := sealed.Open(o.identity, job.ResultContext(jobID, jobSignature), agentKey, sealed.PurposeResult, &env)
	if err != nil {
		return nil, fmt.Errorf("open result of job %s: %w", jobID, err)
	}
	result, err := job.DecodeResult(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", jobID, err)
	}

	if o.ledger != nil {
		if err := o.ledger.MarkCompleted(jobID, result.ExitCode, result.FinishedAt); err != nil && !errors.Is(err, ErrNotInLedger) {
			slog.Warn("Failed to update ledger", "job_id", jobID, "error", err)
		}
	}
	return &result, nil
}

// WaitResult polls FetchResult every interval until the result arrives or
// ctx is done.
func (o *Operator) WaitResult(ctx context.Context, jobID uuid.UUID, interval time.Duration) (*job.Result, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := o.FetchResult(ctx, jobID)
		if !errors.Is(err, ErrResultPending) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pinned returns the agent identity and job signature the result must match.
// Both come from the ledger when the job is recorded there; otherwise the
// relay's copies are all there is.
func (o *Operator) pinned(ctx context.Context, jobID uuid.UUID, j *dto.JobResponse) (ed25519.PublicKey, []byte, error) {
	if o.ledger != nil {
		entry, err := o.ledger.Get(jobID)
		if err == nil {
			signature := entry.JobSignature
			if len(signature) == 0 {
				signature = j.Job.Signature
			}
			return ed25519.PublicKey(entry.AgentIdentity), signature, nil
		}
		if !errors.Is(err, ErrNotInLedger) {
			return nil, nil, fmt.Errorf("read ledger: %w", err)
		}
	}

	agentID, err := uuid.Parse(j.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("job %s: bad agent id %q", jobID, j.AgentID)
	}
	agent, err := o.api.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return ed25519.PublicKey(agent.IdentityPublicKey), j.Job.Signature, nil
}
