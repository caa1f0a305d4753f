// Package registry is the relay's storage contract: agent records and the
// opaque job mailbox. Nothing stored here is ever decrypted or verified by
// the relay; validation is limited to field sizes.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrResultExists  = errors.New("job already has a result")
	ErrJobRejected   = errors.New("job was rejected by its agent")
	ErrForbidden     = errors.New("job belongs to another agent")
	ErrInvalidRecord = errors.New("invalid record")
)

const (
	prekeySize = 32

	maxHostNameLength     = 255
	maxMachineIDLength    = 255
	MaxRejectReasonLength = 255
)

type Agent struct {
	ID                    uuid.UUID
	MachineID             string
	HostName              string
	CreatedAt             time.Time
	LastSeenAt            time.Time
	IdentityPublicKey     []byte
	PublicPrekey          []byte
	PublicPrekeySignature []byte
}

type Job struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	Envelope        sealed.Envelope
	SenderPublicKey []byte
	CreatedAt       time.Time
	ClaimedAt       *time.Time
	// Result and CompletedAt are both nil until the agent responds.
	Result      *sealed.Envelope
	CompletedAt *time.Time
	// RejectedAt is set instead when the agent refused the job.
	RejectedAt   *time.Time
	RejectReason string
}

func (j *Job) Completed() bool {
	return j.Result != nil
}

func (j *Job) Rejected() bool {
	return j.RejectedAt != nil
}

// Finished jobs are never claimed again.
func (j *Job) Finished() bool {
	return j.Completed() || j.Rejected()
}

type NewAgent struct {
	MachineID             string
	HostName              string
	IdentityPublicKey     []byte
	PublicPrekey          []byte
	PublicPrekeySignature []byte
}

func (a NewAgent) Validate() error {
	if a.MachineID == "" || len(a.MachineID) > maxMachineIDLength {
		return fmt.Errorf("%w: machine_id", ErrInvalidRecord)
	}
	if len(a.HostName) > maxHostNameLength {
		return fmt.Errorf("%w: host_name", ErrInvalidRecord)
	}
	if len(a.IdentityPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: identity_public_key", ErrInvalidRecord)
	}
	return ValidatePrekey(a.PublicPrekey, a.PublicPrekeySignature)
}

func ValidatePrekey(prekey, signature []byte) error {
	if len(prekey) != prekeySize {
		return fmt.Errorf("%w: public_prekey", ErrInvalidRecord)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: public_prekey_signature", ErrInvalidRecord)
	}
	return nil
}

type NewJob struct {
	AgentID         uuid.UUID
	Envelope        sealed.Envelope
	SenderPublicKey []byte
}

func (j NewJob) Validate() error {
	if !sealed.WellFormed(&j.Envelope) {
		return fmt.Errorf("%w: sealed job", ErrInvalidRecord)
	}
	if len(j.SenderPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: sender_public_key", ErrInvalidRecord)
	}
	return nil
}

func ValidateRejectReason(reason string) error {
	if len(reason) > MaxRejectReasonLength {
		return fmt.Errorf("%w: reason", ErrInvalidRecord)
	}
	return nil
}

func ValidateResult(result *sealed.Envelope) error {
	if !sealed.WellFormed(result) {
		return fmt.Errorf("%w: sealed result", ErrInvalidRecord)
	}
	return nil
}

// Store is implemented by MemoryStore and by the Postgres queries in
// internal/db.
type Store interface {
	CreateAgent(ctx context.Context, agent NewAgent) (*Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	TouchAgent(ctx context.Context, id uuid.UUID, seenAt time.Time) error
	UpdatePrekey(ctx context.Context, id uuid.UUID, prekey, signature []byte) error

	CreateJob(ctx context.Context, job NewJob) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	// ClaimJobs returns up to limit uncompleted jobs for the agent that are
	// unclaimed or whose claim is older than lease, and stamps them as
	// claimed. Concurrent callers never receive the same job within one
	// lease.
	ClaimJobs(ctx context.Context, agentID uuid.UUID, lease time.Duration, limit int) ([]Job, error)
	// CompleteJob stores the sealed result exactly once.
	CompleteJob(ctx context.Context, jobID, agentID uuid.UUID, result sealed.Envelope) error
	// RejectJob marks a job its agent refused to run. Like CompleteJob it
	// finishes the job, so it is never claimed again.
	RejectJob(ctx context.Context, jobID, agentID uuid.UUID, reason string) error
	// PurgeFinishedJobs deletes jobs completed or rejected before the cutoff.
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}
