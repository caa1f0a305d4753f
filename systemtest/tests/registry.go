package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentRecord(t *testing.T) registry.NewAgent {
	return registry.NewAgent{
		MachineID:             "machine-" + uuid.NewString(),
		HostName:              "host",
		IdentityPublicKey:     randomBytes(t, 32),
		PublicPrekey:          randomBytes(t, 32),
		PublicPrekeySignature: randomBytes(t, 64),
	}
}

func newEnvelope(t *testing.T) sealed.Envelope {
	return sealed.Envelope{
		Ciphertext:         randomBytes(t, 64),
		EphemeralPublicKey: randomBytes(t, sealed.EphemeralKeySize),
		Nonce:              randomBytes(t, sealed.NonceSize),
		Signature:          randomBytes(t, sealed.SignatureSize),
	}
}

// TestRegistry checks the Store contract that every backend must honour.
func TestRegistry(t *testing.T, store registry.Store) {
	ctx := context.Background()

	t.Run("agent round trip", func(t *testing.T) {
		na := newAgentRecord(t)
		a, err := store.CreateAgent(ctx, na)
		require.NoError(t, err)

		got, err := store.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, na.MachineID, got.MachineID)
		assert.Equal(t, na.IdentityPublicKey, got.IdentityPublicKey)
		assert.Equal(t, na.PublicPrekey, got.PublicPrekey)

		prekey, sig := randomBytes(t, 32), randomBytes(t, 64)
		require.NoError(t, store.UpdatePrekey(ctx, a.ID, prekey, sig))
		require.NoError(t, store.TouchAgent(ctx, a.ID, time.Now()))

		got, err = store.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, prekey, got.PublicPrekey)
		assert.Equal(t, sig, got.PublicPrekeySignature)

		_, err = store.GetAgent(ctx, uuid.New())
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)
		assert.ErrorIs(t, store.UpdatePrekey(ctx, uuid.New(), prekey, sig), registry.ErrAgentNotFound)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := store.CreateJob(ctx, registry.NewJob{AgentID: uuid.New(), Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)

		_, err = store.ClaimJobs(ctx, uuid.New(), time.Minute, 10)
		assert.ErrorIs(t, err, registry.ErrAgentNotFound)
	})

	t.Run("result is written once", func(t *testing.T) {
		a, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		other, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)

		env := newEnvelope(t)
		j, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: env, SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)
		assert.Nil(t, j.Result)

		result := newEnvelope(t)
		assert.ErrorIs(t, store.CompleteJob(ctx, uuid.New(), a.ID, result), registry.ErrJobNotFound)
		assert.ErrorIs(t, store.CompleteJob(ctx, j.ID, other.ID, result), registry.ErrForbidden)
		require.NoError(t, store.CompleteJob(ctx, j.ID, a.ID, result))
		assert.ErrorIs(t, store.CompleteJob(ctx, j.ID, a.ID, newEnvelope(t)), registry.ErrResultExists)

		got, err := store.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, env, got.Envelope)
		require.NotNil(t, got.Result)
		assert.Equal(t, result, *got.Result)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("lease expiry redelivers", func(t *testing.T) {
		a, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		j, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)

		lease := 50 * time.Millisecond
		first, err := store.ClaimJobs(ctx, a.ID, lease, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		none, err := store.ClaimJobs(ctx, a.ID, lease, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		time.Sleep(2 * lease)
		again, err := store.ClaimJobs(ctx, a.ID, lease, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, j.ID, again[0].ID)
	})

	t.Run("concurrent claims are exclusive", func(t *testing.T) {
		a, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		const jobCount = 40
		for i := 0; i < jobCount; i++ {
			_, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
			require.NoError(t, err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[uuid.UUID]int)
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimJobs(ctx, a.ID, time.Hour, 3)
					if err != nil || len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, j := range claimed {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobCount)
		for id, count := range seen {
			assert.Equal(t, 1, count, "job %s delivered more than once", id)
		}
	})

	t.Run("rejected job is finished", func(t *testing.T) {
		a, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		other, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		j, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)

		claimed, err := store.ClaimJobs(ctx, a.ID, time.Millisecond, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		assert.ErrorIs(t, store.RejectJob(ctx, j.ID, other.ID, "decryption failed"), registry.ErrForbidden)
		require.NoError(t, store.RejectJob(ctx, j.ID, a.ID, "decryption failed"))
		assert.ErrorIs(t, store.RejectJob(ctx, j.ID, a.ID, "again"), registry.ErrJobRejected)
		assert.ErrorIs(t, store.CompleteJob(ctx, j.ID, a.ID, newEnvelope(t)), registry.ErrJobRejected)

		// The lease has lapsed, but a rejected job is never handed out again.
		time.Sleep(5 * time.Millisecond)
		claimed, err = store.ClaimJobs(ctx, a.ID, time.Millisecond, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		got, err := store.GetJob(ctx, j.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RejectedAt)
		assert.Equal(t, "decryption failed", got.RejectReason)
		assert.True(t, got.Finished())

		done, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)
		require.NoError(t, store.CompleteJob(ctx, done.ID, a.ID, newEnvelope(t)))
		assert.ErrorIs(t, store.RejectJob(ctx, done.ID, a.ID, "late"), registry.ErrResultExists)
	})

	t.Run("purge finished", func(t *testing.T) {
		a, err := store.CreateAgent(ctx, newAgentRecord(t))
		require.NoError(t, err)
		done, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)
		rejected, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)
		open, err := store.CreateJob(ctx, registry.NewJob{AgentID: a.ID, Envelope: newEnvelope(t), SenderPublicKey: randomBytes(t, 32)})
		require.NoError(t, err)
		require.NoError(t, store.CompleteJob(ctx, done.ID, a.ID, newEnvelope(t)))
		require.NoError(t, store.RejectJob(ctx, rejected.ID, a.ID, "untrusted operator"))

		removed, err := store.PurgeFinishedJobs(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(2))

		_, err = store.GetJob(ctx, done.ID)
		assert.ErrorIs(t, err, registry.ErrJobNotFound)
		_, err = store.GetJob(ctx, rejected.ID)
		assert.ErrorIs(t, err, registry.ErrJobNotFound)
		_, err = store.GetJob(ctx, open.ID)
		assert.NoError(t, err)
	})
}
