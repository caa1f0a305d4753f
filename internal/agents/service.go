// Package agents manages agent records on the relay. The relay never checks
// the prekey signature; operators do that before sealing anything.
package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/google/uuid"
)

type Service struct {
	store   registry.Store
	jwtConf auth.Config
}

func NewService(store registry.Store, jwtConf auth.Config) *Service {
	return &Service{
		store:   store,
		jwtConf: jwtConf,
	}
}

func (s *Service) Register(ctx context.Context, reg Registration) (_ *Registered, err error) {
	defer func() {
		metrics.AgentRegistrationsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	agent, err := s.store.CreateAgent(ctx, registry.NewAgent{
		MachineID:             reg.MachineID,
		HostName:              reg.HostName,
		IdentityPublicKey:     reg.IdentityPublicKey,
		PublicPrekey:          reg.PublicPrekey,
		PublicPrekeySignature: reg.PublicPrekeySignature,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	token, err := auth.GenerateToken(s.jwtConf, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID,
		"machine_id", agent.MachineID,
		"host_name", agent.HostName)

	return &Registered{Agent: agent, Token: token}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*registry.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]registry.Agent, error) {
	return s.store.ListAgents(ctx)
}

func (s *Service) RotatePrekey(ctx context.Context, id uuid.UUID, prekey, signature []byte) (err error) {
	defer func() {
		metrics.PrekeyRotationsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if err := s.store.UpdatePrekey(ctx, id, prekey, signature); err != nil {
		return err
	}
	slog.Info("Agent prekey rotated", "agent_id", id)
	return nil
}
