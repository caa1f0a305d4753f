package jobs

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func testEnvelope(t *testing.T) sealed.Envelope {
	return sealed.Envelope{
		Ciphertext:         randomBytes(t, 64),
		EphemeralPublicKey: randomBytes(t, sealed.EphemeralKeySize),
		Nonce:              randomBytes(t, sealed.NonceSize),
		Signature:          randomBytes(t, sealed.SignatureSize),
	}
}

func setup(t *testing.T, cfg Config) (*Service, *registry.MemoryStore, *registry.Agent) {
	t.Helper()
	store := registry.NewMemoryStore()
	agent, err := store.CreateAgent(context.Background(), registry.NewAgent{
		MachineID:             "m",
		IdentityPublicKey:     randomBytes(t, 32),
		PublicPrekey:          randomBytes(t, 32),
		PublicPrekeySignature: randomBytes(t, 64),
	})
	require.NoError(t, err)
	return NewService(store, cfg), store, agent
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(registry.NewMemoryStore(), Config{})
	assert.Equal(t, DefaultClaimTTL, svc.cfg.ClaimTTL)
	assert.Equal(t, DefaultResultRetention, svc.cfg.ResultRetention)
	assert.Equal(t, DefaultPollLimit, svc.cfg.PollLimit)
}

func TestSubmitPollComplete(t *testing.T) {
	svc, _, agent := setup(t, Config{})
	ctx := context.Background()

	env := testEnvelope(t)
	j, err := svc.Submit(ctx, agent.ID, env, randomBytes(t, 32))
	require.NoError(t, err)

	polled, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, j.ID, polled[0].ID)
	assert.Equal(t, env, polled[0].Envelope)

	result := testEnvelope(t)
	require.NoError(t, svc.SubmitResult(ctx, j.ID, agent.ID, result))

	fetched, err := svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.Result)
	assert.Equal(t, result, *fetched.Result)

	assert.ErrorIs(t, svc.SubmitResult(ctx, j.ID, agent.ID, result), registry.ErrResultExists)
}

func TestPollTouchesAgent(t *testing.T) {
	svc, store, agent := setup(t, Config{})
	ctx := context.Background()

	time.Sleep(2 * time.Millisecond)
	_, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.After(agent.LastSeenAt))
}

func TestPollUnknownAgent(t *testing.T) {
	svc, _, _ := setup(t, Config{})

	_, err := svc.Poll(context.Background(), uuid.New())
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestPollRespectsLease(t *testing.T) {
	svc, _, agent := setup(t, Config{ClaimTTL: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.Submit(ctx, agent.ID, testEnvelope(t), randomBytes(t, 32))
	require.NoError(t, err)

	first, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, second)

	time.Sleep(20 * time.Millisecond)

	third, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestRejectedJobIsNotRedelivered(t *testing.T) {
	svc, _, agent := setup(t, Config{ClaimTTL: time.Millisecond, ResultRetention: time.Millisecond})
	ctx := context.Background()

	// Well formed but undecryptable: the agent refuses it.
	j, err := svc.Submit(ctx, agent.ID, testEnvelope(t), randomBytes(t, 32))
	require.NoError(t, err)

	polled, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.NoError(t, svc.Reject(ctx, j.ID, agent.ID, "decryption failed"))
	assert.ErrorIs(t, svc.Reject(ctx, j.ID, agent.ID, "decryption failed"), registry.ErrJobRejected)

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		again, err := svc.Poll(ctx, agent.ID)
		require.NoError(t, err)
		assert.Empty(t, again, "poll %d", i)
	}

	fetched, err := svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.RejectedAt)
	assert.Equal(t, "decryption failed", fetched.RejectReason)

	svc.cleanup(ctx)
	_, err = svc.Fetch(ctx, j.ID)
	assert.ErrorIs(t, err, registry.ErrJobNotFound)
}

func TestCleanupPurgesExpiredResults(t *testing.T) {
	svc, _, agent := setup(t, Config{ResultRetention: time.Millisecond})
	ctx := context.Background()

	j, err := svc.Submit(ctx, agent.ID, testEnvelope(t), randomBytes(t, 32))
	require.NoError(t, err)
	require.NoError(t, svc.SubmitResult(ctx, j.ID, agent.ID, testEnvelope(t)))

	time.Sleep(5 * time.Millisecond)
	svc.cleanup(ctx)

	_, err = svc.Fetch(ctx, j.ID)
	assert.ErrorIs(t, err, registry.ErrJobNotFound)
}

func TestStartCleanupStopsOnCancel(t *testing.T) {
	svc, _, _ := setup(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.StartCleanup(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
