package apiclient

import (
	"context"
	"fmt"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

func (c *Client) RegisterAgent(ctx context.Context, req dto.RegisterAgentRequest) (*dto.RegisterAgentResponse, error) {
	var resp dto.RegisterAgentResponse
	if err := c.do(ctx, "POST", "/api/agents", req, &resp); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(resp.ID); err != nil || resp.Token == "" {
		return nil, fmt.Errorf("%w: registration without id or token", ErrMalformedResponse)
	}
	return &resp, nil
}

func (c *Client) UpdatePrekey(ctx context.Context, agentID uuid.UUID, prekey, signature []byte) error {
	req := dto.UpdatePrekeyRequest{PublicPrekey: prekey, PublicPrekeySignature: signature}
	return c.do(ctx, "PUT", "/api/agents/"+agentID.String()+"/prekey", req, nil)
}

func (c *Client) PollJobs(ctx context.Context, agentID uuid.UUID) ([]dto.JobResponse, error) {
	var resp dto.PollJobsResponse
	if err := c.do(ctx, "GET", "/api/agents/"+agentID.String()+"/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) SubmitResult(ctx context.Context, jobID uuid.UUID, result *sealed.Envelope) error {
	req := dto.SubmitResultRequest{Result: dto.NewSealedEnvelope(*result)}
	return c.do(ctx, "POST", "/api/jobs/"+jobID.String()+"/result", req, nil)
}

func (c *Client) RejectJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	req := dto.RejectJobRequest{Reason: reason}
	return c.do(ctx, "POST", "/api/jobs/"+jobID.String()+"/reject", req, nil)
}

func (c *Client) ListAgents(ctx context.Context) ([]dto.AgentResponse, error) {
	var resp dto.ListAgentsResponse
	if err := c.do(ctx, "GET", "/api/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*dto.AgentResponse, error) {
	var resp dto.AgentResponse
	if err := c.do(ctx, "GET", "/api/agents/"+agentID.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SubmitJob(ctx context.Context, agentID uuid.UUID, job *sealed.Envelope, senderPublicKey []byte) (uuid.UUID, error) {
	req := dto.SubmitJobRequest{Job: dto.NewSealedEnvelope(*job), SenderPublicKey: senderPublicKey}

	var resp dto.SubmitJobResponse
	if err := c.do(ctx, "POST", "/api/agents/"+agentID.String()+"/jobs", req, &resp); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: job id %q", ErrMalformedResponse, resp.ID)
	}
	return id, nil
}

func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*dto.JobResponse, error) {
	var resp dto.JobResponse
	if err := c.do(ctx, "GET", "/api/jobs/"+jobID.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
