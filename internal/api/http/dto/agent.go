package dto

import (
	"time"

	"github.com/EternisAI/silo-dispatch/internal/registry"
)

type RegisterAgentRequest struct {
	MachineID             string `json:"machine_id" binding:"required,max=255"`
	HostName              string `json:"host_name" binding:"max=255"`
	IdentityPublicKey     []byte `json:"identity_public_key" binding:"required"`
	PublicPrekey          []byte `json:"public_prekey" binding:"required"`
	PublicPrekeySignature []byte `json:"public_prekey_signature" binding:"required"`
}

type RegisterAgentResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type UpdatePrekeyRequest struct {
	PublicPrekey          []byte `json:"public_prekey" binding:"required"`
	PublicPrekeySignature []byte `json:"public_prekey_signature" binding:"required"`
}

type AgentResponse struct {
	ID                    string    `json:"id"`
	MachineID             string    `json:"machine_id"`
	HostName              string    `json:"host_name"`
	CreatedAt             time.Time `json:"created_at"`
	LastSeenAt            time.Time `json:"last_seen_at"`
	IdentityPublicKey     []byte    `json:"identity_public_key"`
	PublicPrekey          []byte    `json:"public_prekey"`
	PublicPrekeySignature []byte    `json:"public_prekey_signature"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

func NewAgentResponse(a *registry.Agent) AgentResponse {
	return AgentResponse{
		ID:                    a.ID.String(),
		MachineID:             a.MachineID,
		HostName:              a.HostName,
		CreatedAt:             a.CreatedAt,
		LastSeenAt:            a.LastSeenAt,
		IdentityPublicKey:     a.IdentityPublicKey,
		PublicPrekey:          a.PublicPrekey,
		PublicPrekeySignature: a.PublicPrekeySignature,
	}
}
