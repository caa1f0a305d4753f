package dto

import (
	"time"

	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
)

// SealedEnvelope is the wire form of sealed.Envelope. Byte fields are
// standard base64.
type SealedEnvelope struct {
	Ciphertext         []byte `json:"ciphertext" binding:"required"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key" binding:"required"`
	Nonce              []byte `json:"nonce" binding:"required"`
	Signature          []byte `json:"signature" binding:"required"`
}

func NewSealedEnvelope(env sealed.Envelope) SealedEnvelope {
	return SealedEnvelope{
		Ciphertext:         env.Ciphertext,
		EphemeralPublicKey: env.EphemeralPublicKey,
		Nonce:              env.Nonce,
		Signature:          env.Signature,
	}
}

func (e SealedEnvelope) Envelope() sealed.Envelope {
	return sealed.Envelope{
		Ciphertext:         e.Ciphertext,
		EphemeralPublicKey: e.EphemeralPublicKey,
		Nonce:              e.Nonce,
		Signature:          e.Signature,
	}
}

type SubmitJobRequest struct {
	Job             SealedEnvelope `json:"job"`
	SenderPublicKey []byte         `json:"sender_public_key" binding:"required"`
}

type SubmitJobResponse struct {
	ID string `json:"id"`
}

type SubmitResultRequest struct {
	Result SealedEnvelope `json:"result"`
}

type RejectJobRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

type JobResponse struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Job             SealedEnvelope  `json:"job"`
	SenderPublicKey []byte          `json:"sender_public_key"`
	CreatedAt       time.Time       `json:"created_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	Result          *SealedEnvelope `json:"result,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	RejectReason    string          `json:"reject_reason,omitempty"`
}

type PollJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

func NewJobResponse(j *registry.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID.String(),
		AgentID:         j.AgentID.String(),
		Job:             NewSealedEnvelope(j.Envelope),
		SenderPublicKey: j.SenderPublicKey,
		CreatedAt:       j.CreatedAt,
		ClaimedAt:       j.ClaimedAt,
		CompletedAt:     j.CompletedAt,
		RejectedAt:      j.RejectedAt,
		RejectReason:    j.RejectReason,
	}
	if j.Result != nil {
		r := NewSealedEnvelope(*j.Result)
		resp.Result = &r
	}
	return resp
}
