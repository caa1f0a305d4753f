// Package jobs is the relay's mailbox: operators drop sealed jobs, agents
// claim them and hand back sealed results.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

const (
	DefaultClaimTTL        = 5 * time.Minute
	DefaultResultRetention = 24 * time.Hour
	DefaultPollLimit       = 32
)

type Config struct {
	ClaimTTL        time.Duration `mapstructure:"claim_ttl"`
	ResultRetention time.Duration `mapstructure:"result_retention"`
	PollLimit       int           `mapstructure:"poll_limit"`
}

type Service struct {
	store registry.Store
	cfg   Config
}

func NewService(store registry.Store, cfg Config) *Service {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = DefaultResultRetention
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	return &Service{store: store, cfg: cfg}
}

func (s *Service) Submit(ctx context.Context, agentID uuid.UUID, env sealed.Envelope, senderPublicKey []byte) (_ *registry.Job, err error) {
	defer func() {
		metrics.JobsSubmittedTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	j, err := s.store.CreateJob(ctx, registry.NewJob{
		AgentID:         agentID,
		Envelope:        env,
		SenderPublicKey: senderPublicKey,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Job queued", "job_id", j.ID, "agent_id", agentID, "size", len(env.Ciphertext))
	return j, nil
}

// Poll records the agent as seen and claims its pending jobs.
func (s *Service) Poll(ctx context.Context, agentID uuid.UUID) ([]registry.Job, error) {
	metrics.PollsTotal.Inc()

	if err := s.store.TouchAgent(ctx, agentID, time.Now()); err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimJobs(ctx, agentID, s.cfg.ClaimTTL, s.cfg.PollLimit)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		metrics.JobsClaimedTotal.Add(float64(len(claimed)))
		slog.Debug("Jobs claimed", "agent_id", agentID, "count", len(claimed))
	}
	return claimed, nil
}

func (s *Service) SubmitResult(ctx context.Context, jobID, agentID uuid.UUID, result sealed.Envelope) (err error) {
	defer func() {
		metrics.JobsCompletedTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if err := s.store.CompleteJob(ctx, jobID, agentID, result); err != nil {
		return err
	}
	slog.Info("Job completed", "job_id", jobID, "agent_id", agentID)
	return nil
}

// Reject finishes a job the agent refused to run, so the lease does not
// hand it out again.
func (s *Service) Reject(ctx context.Context, jobID, agentID uuid.UUID, reason string) (err error) {
	defer func() {
		metrics.JobsRejectedTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	if err := s.store.RejectJob(ctx, jobID, agentID, reason); err != nil {
		return err
	}
	slog.Warn("Job rejected by agent", "job_id", jobID, "agent_id", agentID, "reason", reason)
	return nil
}

func (s *Service) Fetch(ctx context.Context, jobID uuid.UUID) (*registry.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Service) cleanup(ctx context.Context) {
	removed, err := s.store.PurgeFinishedJobs(ctx, time.Now().Add(-s.cfg.ResultRetention))
	if err != nil {
		slog.Error("Failed to purge finished jobs", "error", err)
		return
	}
	if removed > 0 {
		metrics.JobsPurgedTotal.Add(float64(removed))
		slog.Debug("Purged finished jobs", "removed", removed)
	}
}
