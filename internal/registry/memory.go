package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
)

// MemoryStore keeps agents and jobs in process memory. It is used when no
// database is configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*Agent
	jobs   map[uuid.UUID]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[uuid.UUID]*Agent),
		jobs:   make(map[uuid.UUID]*Job),
	}
}

func (s *MemoryStore) CreateAgent(_ context.Context, na NewAgent) (*Agent, error) {
	if err := na.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:                    uuid.New(),
		MachineID:             na.MachineID,
		HostName:              na.HostName,
		CreatedAt:             now,
		LastSeenAt:            now,
		IdentityPublicKey:     clone(na.IdentityPublicKey),
		PublicPrekey:          clone(na.PublicPrekey),
		PublicPrekeySignature: clone(na.PublicPrekeySignature),
	}

	s.mu.Lock()
	s.agents[a.ID] = a
	s.mu.Unlock()

	return copyAgent(a), nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return copyAgent(a), nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, *copyAgent(a))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) TouchAgent(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	a.LastSeenAt = seenAt.UTC()
	return nil
}

func (s *MemoryStore) UpdatePrekey(_ context.Context, id uuid.UUID, prekey, signature []byte) error {
	if err := ValidatePrekey(prekey, signature); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	a.PublicPrekey = clone(prekey)
	a.PublicPrekeySignature = clone(signature)
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, nj NewJob) (*Job, error) {
	if err := nj.Validate(); err != nil {
		return nil, err
	}

	j := &Job{
		ID:              uuid.New(),
		AgentID:         nj.AgentID,
		Envelope:        cloneEnvelope(nj.Envelope),
		SenderPublicKey: clone(nj.SenderPublicKey),
		CreatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[nj.AgentID]; !exists {
		return nil, ErrAgentNotFound
	}
	s.jobs[j.ID] = j
	return copyJob(j), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ClaimJobs(_ context.Context, agentID uuid.UUID, lease time.Duration, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agentID]; !exists {
		return nil, ErrAgentNotFound
	}

	now := time.Now().UTC()
	staleBefore := now.Add(-lease)

	var candidates []*Job
	for _, j := range s.jobs {
		if j.AgentID != agentID || j.Finished() {
			continue
		}
		if j.ClaimedAt != nil && j.ClaimedAt.After(staleBefore) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]Job, 0, len(candidates))
	for _, j := range candidates {
		claimedAt := now
		j.ClaimedAt = &claimedAt
		result = append(result, *copyJob(j))
	}
	return result, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID, agentID uuid.UUID, result sealed.Envelope) error {
	if err := ValidateResult(&result); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if j.AgentID != agentID {
		return ErrForbidden
	}
	if err := finishedErr(j); err != nil {
		return err
	}

	r := cloneEnvelope(result)
	completedAt := time.Now().UTC()
	j.Result = &r
	j.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) RejectJob(_ context.Context, jobID, agentID uuid.UUID, reason string) error {
	if err := ValidateRejectReason(reason); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if j.AgentID != agentID {
		return ErrForbidden
	}
	if err := finishedErr(j); err != nil {
		return err
	}

	rejectedAt := time.Now().UTC()
	j.RejectedAt = &rejectedAt
	j.RejectReason = reason
	return nil
}

func (s *MemoryStore) PurgeFinishedJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, j := range s.jobs {
		if finishedBefore(j.CompletedAt, before) || finishedBefore(j.RejectedAt, before) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func finishedErr(j *Job) error {
	switch {
	case j.Completed():
		return ErrResultExists
	case j.Rejected():
		return ErrJobRejected
	}
	return nil
}

func finishedBefore(at *time.Time, before time.Time) bool {
	return at != nil && at.Before(before)
}

func copyAgent(a *Agent) *Agent {
	c := *a
	c.IdentityPublicKey = clone(a.IdentityPublicKey)
	c.PublicPrekey = clone(a.PublicPrekey)
	c.PublicPrekeySignature = clone(a.PublicPrekeySignature)
	return &c
}

func copyJob(j *Job) *Job {
	c := *j
	c.Envelope = cloneEnvelope(j.Envelope)
	c.SenderPublicKey = clone(j.SenderPublicKey)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.Result != nil {
		r := cloneEnvelope(*j.Result)
		c.Result = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.RejectedAt != nil {
		t := *j.RejectedAt
		c.RejectedAt = &t
	}
	return &c
}

func cloneEnvelope(e sealed.Envelope) sealed.Envelope {
	return sealed.Envelope{
		Ciphertext:         clone(e.Ciphertext),
		EphemeralPublicKey: clone(e.EphemeralPublicKey),
		Nonce:              clone(e.Nonce),
		Signature:          clone(e.Signature),
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
