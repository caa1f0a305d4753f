// Package agent runs on the remote machine: it registers with the relay,
// publishes a signed prekey, and executes the jobs operators seal to it.
package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/prekey"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultPrekeyRotation = 7 * 24 * time.Hour
)

// API is the subset of the relay API the agent uses.
type API interface {
	SetToken(token string)
	RegisterAgent(ctx context.Context, req dto.RegisterAgentRequest) (*dto.RegisterAgentResponse, error)
	UpdatePrekey(ctx context.Context, agentID uuid.UUID, prekey, signature []byte) error
	PollJobs(ctx context.Context, agentID uuid.UUID) ([]dto.JobResponse, error)
	SubmitResult(ctx context.Context, jobID uuid.UUID, result *sealed.Envelope) error
	RejectJob(ctx context.Context, jobID uuid.UUID, reason string) error
}

type Config struct {
	StateDir       string
	PollInterval   time.Duration
	PrekeyRotation time.Duration
	HostName       string
	MachineID      string
	// TrustedOperators restricts which operator identities may send jobs.
	// Empty accepts any correctly signed job.
	TrustedOperators []ed25519.PublicKey
}

type Agent struct {
	cfg      Config
	api      API
	runner   Runner
	identity *identity.Identity
	keyring  *prekey.Keyring

	id            uuid.UUID
	lastRotation  time.Time
	prekeyPending bool
	state         atomic.Int32
}

// New loads (or creates) the agent identity and prekeys from the state
// directory. It does not contact the relay.
func New(cfg Config, api API, runner Runner) (*Agent, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("%w: state dir not set", ErrStateIO)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PrekeyRotation <= 0 {
		cfg.PrekeyRotation = DefaultPrekeyRotation
	}
	if cfg.MachineID == "" {
		cfg.MachineID = MachineID()
	}

	id, err := identity.LoadOrCreate(IdentityPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	keyring, err := prekey.LoadKeyring(cfg.StateDir, id)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:          cfg,
		api:          api,
		runner:       runner,
		identity:     id,
		keyring:      keyring,
		lastRotation: time.Now(),
	}, nil
}

func (a *Agent) ID() uuid.UUID { return a.id }

func (a *Agent) Identity() *identity.Identity { return a.identity }

// Init registers the agent on first run. On later runs it reuses the stored
// registration and re-publishes the current prekey, which may have been
// rotated or re-issued since the relay last saw it. A relay outage at that
// point is not fatal; the upload is retried from Run.
func (a *Agent) Init(ctx context.Context) error {
	reg, ok, err := LoadRegistration(a.cfg.StateDir)
	if err != nil {
		return err
	}

	if ok {
		a.id = reg.AgentID
		a.api.SetToken(reg.Token)
		slog.Info("Loaded agent registration", "agent_id", a.id, "fingerprint", a.identity.Fingerprint())
		if err := a.publishPrekey(ctx); err != nil {
			if !apiclient.IsTemporary(err) {
				return err
			}
			// prekeyPending is set; Run keeps retrying the upload.
			slog.Warn("Relay unavailable, prekey upload deferred", "error", err)
		}
		return nil
	}

	current := a.keyring.Current()
	pub := current.PublicKey()
	resp, err := a.api.RegisterAgent(ctx, dto.RegisterAgentRequest{
		MachineID:             a.cfg.MachineID,
		HostName:              a.cfg.HostName,
		IdentityPublicKey:     a.identity.PublicKey(),
		PublicPrekey:          pub[:],
		PublicPrekeySignature: current.Signature(),
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	reg = Registration{AgentID: uuid.MustParse(resp.ID), Token: resp.Token}
	if err := SaveRegistration(a.cfg.StateDir, reg); err != nil {
		return err
	}

	a.id = reg.AgentID
	a.api.SetToken(reg.Token)
	slog.Info("Agent registered", "agent_id", a.id, "fingerprint", a.identity.Fingerprint())
	return nil
}

// Run polls until ctx is cancelled. An in-flight poll batch finishes first.
func (a *Agent) Run(ctx context.Context) error {
	if a.id == uuid.Nil {
		return errors.New("agent not initialised")
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("Polling for jobs", "agent_id", a.id, "interval", a.cfg.PollInterval)
	for {
		a.maybeRotatePrekey(ctx)
		if _, err := a.PollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Agent stopped", "agent_id", a.id)
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce claims pending jobs and handles them one after another. It
// returns how many results were submitted.
func (a *Agent) PollOnce(ctx context.Context) (int, error) {
	a.setState(StatePolling)
	defer a.setState(StateIdle)

	jobs, err := a.api.PollJobs(ctx, a.id)
	if err != nil {
		return 0, fmt.Errorf("poll jobs: %w", err)
	}

	submitted := 0
	for i := range jobs {
		if err := a.handle(ctx, &jobs[i]); err != nil {
			slog.Warn("Job not completed", "job_id", jobs[i].ID, "error", err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (a *Agent) maybeRotatePrekey(ctx context.Context) {
	if time.Since(a.lastRotation) >= a.cfg.PrekeyRotation {
		if err := a.RotatePrekey(ctx); err != nil {
			slog.Error("Prekey rotation failed", "error", err)
		}
		return
	}
	if a.prekeyPending {
		if err := a.publishPrekey(ctx); err != nil {
			slog.Warn("Prekey upload still failing", "error", err)
		}
	}
}

// RotatePrekey issues a new prekey and publishes it. The replaced prekey is
// kept locally so jobs already sealed to it still open.
func (a *Agent) RotatePrekey(ctx context.Context) error {
	if _, err := a.keyring.Rotate(); err != nil {
		return fmt.Errorf("rotate prekey: %w", err)
	}
	a.lastRotation = time.Now()
	slog.Info("Prekey rotated", "agent_id", a.id)
	return a.publishPrekey(ctx)
}

func (a *Agent) publishPrekey(ctx context.Context) error {
	current := a.keyring.Current()
	pub := current.PublicKey()
	if err := a.api.UpdatePrekey(ctx, a.id, pub[:], current.Signature()); err != nil {
		a.prekeyPending = true
		if apiclient.IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("agent %s is unknown to the relay, remove %s to re-register: %w",
				a.id, a.cfg.StateDir, err)
		}
		return fmt.Errorf("publish prekey: %w", err)
	}
	a.prekeyPending = false
	return nil
}
