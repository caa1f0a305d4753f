package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgCodeForeignKeyViolation = "23503"

	agentColumns = `id, machine_id, host_name, created_at, last_seen_at,
		identity_public_key, public_prekey, public_prekey_signature`

	jobColumns = `id, agent_id, encrypted_job, ephemeral_public_key, nonce, signature,
		sender_public_key, created_at, claimed_at, encrypted_result,
		result_ephemeral_public_key, result_nonce, result_signature, completed_at,
		rejected_at, reject_reason`
)

// Queries is the Postgres implementation of registry.Store.
type Queries struct {
	pool *pgxpool.Pool
}

var _ registry.Store = (*Queries)(nil)

func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

func (q *Queries) CreateAgent(ctx context.Context, na registry.NewAgent) (*registry.Agent, error) {
	if err := na.Validate(); err != nil {
		return nil, err
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO agents (machine_id, host_name, identity_public_key, public_prekey, public_prekey_signature)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+agentColumns,
		na.MachineID, na.HostName, na.IdentityPublicKey, na.PublicPrekey, na.PublicPrekeySignature)

	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

func (q *Queries) GetAgent(ctx context.Context, id uuid.UUID) (*registry.Agent, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, toPgUUID(id))

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (q *Queries) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []registry.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

func (q *Queries) TouchAgent(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	tag, err := q.pool.Exec(ctx, `UPDATE agents SET last_seen_at = $2 WHERE id = $1`, toPgUUID(id), seenAt.UTC())
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrAgentNotFound
	}
	return nil
}

func (q *Queries) UpdatePrekey(ctx context.Context, id uuid.UUID, prekey, signature []byte) error {
	if err := registry.ValidatePrekey(prekey, signature); err != nil {
		return err
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE agents SET public_prekey = $2, public_prekey_signature = $3
		WHERE id = $1`,
		toPgUUID(id), prekey, signature)
	if err != nil {
		return fmt.Errorf("update prekey: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrAgentNotFound
	}
	return nil
}

func (q *Queries) CreateJob(ctx context.Context, nj registry.NewJob) (*registry.Job, error) {
	if err := nj.Validate(); err != nil {
		return nil, err
	}

	row := q.pool.QueryRow(ctx, `
		INSERT INTO jobs (agent_id, encrypted_job, ephemeral_public_key, nonce, signature, sender_public_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		toPgUUID(nj.AgentID), nj.Envelope.Ciphertext, nj.Envelope.EphemeralPublicKey,
		nj.Envelope.Nonce, nj.Envelope.Signature, nj.SenderPublicKey)

	j, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCodeForeignKeyViolation {
			return nil, registry.ErrAgentNotFound
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (q *Queries) GetJob(ctx context.Context, id uuid.UUID) (*registry.Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, toPgUUID(id))

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJobs locks the candidate rows with SKIP LOCKED so concurrent polls
// for the same agent partition the pending jobs between them.
func (q *Queries) ClaimJobs(ctx context.Context, agentID uuid.UUID, lease time.Duration, limit int) ([]registry.Job, error) {
	var exists bool
	if err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, toPgUUID(agentID)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check agent: %w", err)
	}
	if !exists {
		return nil, registry.ErrAgentNotFound
	}

	if limit <= 0 {
		limit = math.MaxInt32
	}
	now := time.Now().UTC()

	rows, err := q.pool.Query(ctx, `
		UPDATE jobs SET claimed_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE agent_id = $1
			  AND completed_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at <= $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		toPgUUID(agentID), now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	jobs := []registry.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

func (q *Queries) CompleteJob(ctx context.Context, jobID, agentID uuid.UUID, result sealed.Envelope) error {
	if err := registry.ValidateResult(&result); err != nil {
		return err
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			encrypted_result = $3,
			result_ephemeral_public_key = $4,
			result_nonce = $5,
			result_signature = $6,
			completed_at = NOW()
		WHERE id = $1 AND agent_id = $2 AND completed_at IS NULL AND rejected_at IS NULL`,
		toPgUUID(jobID), toPgUUID(agentID),
		result.Ciphertext, result.EphemeralPublicKey, result.Nonce, result.Signature)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return q.whyNotUpdated(ctx, jobID, agentID)
}

func (q *Queries) RejectJob(ctx context.Context, jobID, agentID uuid.UUID, reason string) error {
	if err := registry.ValidateRejectReason(reason); err != nil {
		return err
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET rejected_at = NOW(), reject_reason = $3
		WHERE id = $1 AND agent_id = $2 AND completed_at IS NULL AND rejected_at IS NULL`,
		toPgUUID(jobID), toPgUUID(agentID), reason)
	if err != nil {
		return fmt.Errorf("reject job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return q.whyNotUpdated(ctx, jobID, agentID)
}

// whyNotUpdated maps a finishing UPDATE that matched no row to the registry
// error explaining it.
func (q *Queries) whyNotUpdated(ctx context.Context, jobID, agentID uuid.UUID) error {
	var (
		owner     pgtype.UUID
		completed bool
		rejected  bool
	)
	err := q.pool.QueryRow(ctx, `
		SELECT agent_id, completed_at IS NOT NULL, rejected_at IS NOT NULL
		FROM jobs WHERE id = $1`, toPgUUID(jobID)).
		Scan(&owner, &completed, &rejected)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.ErrJobNotFound
		}
		return fmt.Errorf("check job: %w", err)
	}
	switch {
	case uuid.UUID(owner.Bytes) != agentID:
		return registry.ErrForbidden
	case completed:
		return registry.ErrResultExists
	case rejected:
		return registry.ErrJobRejected
	}
	return fmt.Errorf("job %s: no rows updated", jobID)
}

func (q *Queries) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (completed_at IS NOT NULL AND completed_at < $1)
		   OR (rejected_at IS NOT NULL AND rejected_at < $1)`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAgent(row pgx.Row) (*registry.Agent, error) {
	var (
		id         pgtype.UUID
		createdAt  pgtype.Timestamptz
		lastSeenAt pgtype.Timestamptz
		a          registry.Agent
	)
	err := row.Scan(&id, &a.MachineID, &a.HostName, &createdAt, &lastSeenAt,
		&a.IdentityPublicKey, &a.PublicPrekey, &a.PublicPrekeySignature)
	if err != nil {
		return nil, err
	}
	a.ID = uuid.UUID(id.Bytes)
	a.CreatedAt = createdAt.Time
	a.LastSeenAt = lastSeenAt.Time
	return &a, nil
}

func scanJob(row pgx.Row) (*registry.Job, error) {
	var (
		id, agentID pgtype.UUID
		createdAt   pgtype.Timestamptz
		claimedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
		rejectedAt  pgtype.Timestamptz
		result      sealed.Envelope
		j           registry.Job
	)
	err := row.Scan(&id, &agentID,
		&j.Envelope.Ciphertext, &j.Envelope.EphemeralPublicKey, &j.Envelope.Nonce, &j.Envelope.Signature,
		&j.SenderPublicKey, &createdAt, &claimedAt,
		&result.Ciphertext, &result.EphemeralPublicKey, &result.Nonce, &result.Signature,
		&completedAt, &rejectedAt, &j.RejectReason)
	if err != nil {
		return nil, err
	}

	j.ID = uuid.UUID(id.Bytes)
	j.AgentID = uuid.UUID(agentID.Bytes)
	j.CreatedAt = createdAt.Time
	j.ClaimedAt = timePtr(claimedAt)
	if completedAt.Valid {
		j.Result = &result
		j.CompletedAt = timePtr(completedAt)
	}
	j.RejectedAt = timePtr(rejectedAt)
	return &j, nil
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
