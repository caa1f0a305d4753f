package tests

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agent"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/operator"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner answers known command lines without touching the host.
type scriptedRunner map[string]string

func (r scriptedRunner) Run(_ context.Context, cmd job.Command) job.Result {
	now := time.Now().UTC()
	out, ok := r[cmd.String()]
	if !ok {
		return job.Result{ExitCode: 127, Stderr: []byte(cmd.String() + ": not found\n"), StartedAt: now, FinishedAt: now}
	}
	return job.Result{Stdout: []byte(out), StartedAt: now, FinishedAt: now}
}

// tamperingRelay corrupts every job envelope on its way to the relay.
type tamperingRelay struct {
	operator.API
}

func (r tamperingRelay) SubmitJob(ctx context.Context, agentID uuid.UUID, env *sealed.Envelope, senderPublicKey []byte) (uuid.UUID, error) {
	corrupted := *env
	corrupted.Ciphertext = append([]byte(nil), env.Ciphertext...)
	corrupted.Ciphertext[0] ^= 0xff
	return r.API.SubmitJob(ctx, agentID, &corrupted, senderPublicKey)
}

func newOperator(t *testing.T, baseURL string) *operator.Operator {
	t.Helper()
	return newOperatorWith(t, baseURL, func(api operator.API) operator.API { return api })
}

func newOperatorWith(t *testing.T, baseURL string, wrap func(operator.API) operator.API) *operator.Operator {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	client, err := apiclient.New(apiclient.Config{BaseURL: baseURL, APIKey: apiKey, UserAgent: "silo-dispatch-client/test"})
	require.NoError(t, err)

	ledger, err := operator.OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	return operator.New(id, wrap(client), ledger)
}

func startAgent(t *testing.T, baseURL string, runner agent.Runner, trusted ...ed25519.PublicKey) *agent.Agent {
	t.Helper()
	a, _ := startAgentWithClient(t, baseURL, runner, trusted...)
	return a
}

// startAgentWithClient also returns the agent's authenticated relay client.
func startAgentWithClient(t *testing.T, baseURL string, runner agent.Runner, trusted ...ed25519.PublicKey) (*agent.Agent, *apiclient.Client) {
	t.Helper()
	client, err := apiclient.New(apiclient.Config{BaseURL: baseURL, UserAgent: "silo-dispatch-agent/test"})
	require.NoError(t, err)

	a, err := agent.New(agent.Config{
		StateDir:         t.TempDir(),
		HostName:         "target-1",
		MachineID:        "systemtest-machine",
		TrustedOperators: trusted,
	}, client, runner)
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	return a, client
}

// TestDispatch drives operator and agent through a relay backed by store.
func TestDispatch(t *testing.T, store registry.Store) {
	srv := StartRelay(t, store)
	ctx := context.Background()

	t.Run("whoami", func(t *testing.T) {
		op := newOperator(t, srv.URL)
		a := startAgent(t, srv.URL, scriptedRunner{"whoami": "root\n"}, op.Identity().PublicKey())

		agents, err := op.ListAgents(ctx)
		require.NoError(t, err)
		var found bool
		for _, info := range agents {
			if info.ID == a.ID().String() {
				found = true
				assert.True(t, info.PrekeyTrusted)
				assert.Equal(t, "target-1", info.HostName)
			}
		}
		require.True(t, found, "registered agent must be listed")

		jobID, err := op.Exec(ctx, a.ID(), job.Shell("whoami"))
		require.NoError(t, err)

		_, err = op.FetchResult(ctx, jobID)
		assert.ErrorIs(t, err, operator.ErrResultPending)

		n, err := a.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		res, err := op.FetchResult(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, "root\n", string(res.Stdout))
		assert.Equal(t, 0, res.ExitCode)

		// Opening the stored result again yields the same plaintext.
		again, err := op.FetchResult(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, res.Stdout, again.Stdout)

		n, err = a.PollOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("failing command", func(t *testing.T) {
		op := newOperator(t, srv.URL)
		a := startAgent(t, srv.URL, scriptedRunner{})

		jobID, err := op.Exec(ctx, a.ID(), job.Shell("frobnicate"))
		require.NoError(t, err)
		_, err = a.PollOnce(ctx)
		require.NoError(t, err)

		res, err := op.FetchResult(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, 127, res.ExitCode)
		assert.Contains(t, string(res.Stderr), "not found")
	})

	t.Run("untrusted operator", func(t *testing.T) {
		trusted := newOperator(t, srv.URL)
		stranger := newOperator(t, srv.URL)
		a := startAgent(t, srv.URL, scriptedRunner{"id": "uid=0(root)\n"}, trusted.Identity().PublicKey())

		jobID, err := stranger.Exec(ctx, a.ID(), job.Shell("id"))
		require.NoError(t, err)

		n, err := a.PollOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = stranger.FetchResult(ctx, jobID)
		assert.ErrorIs(t, err, operator.ErrJobRejected)
		assert.ErrorContains(t, err, "untrusted operator")
	})

	t.Run("tampered job is not redelivered", func(t *testing.T) {
		const lease = 50 * time.Millisecond
		leased := StartRelayWithConfig(t, store, jobs.Config{ClaimTTL: lease})

		op := newOperatorWith(t, leased.URL, func(api operator.API) operator.API { return tamperingRelay{api} })
		runner := scriptedRunner{"reboot": ""}
		a, agentClient := startAgentWithClient(t, leased.URL, runner, op.Identity().PublicKey())

		jobID, err := op.Exec(ctx, a.ID(), job.Shell("reboot"))
		require.NoError(t, err)

		n, err := a.PollOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = op.FetchResult(ctx, jobID)
		assert.ErrorIs(t, err, operator.ErrJobRejected)
		assert.ErrorContains(t, err, "invalid signature")

		// Well past the claim lease the job stays off the agent's queue.
		time.Sleep(3 * lease)
		pending, err := agentClient.PollJobs(ctx, a.ID())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("prekey rotation", func(t *testing.T) {
		op := newOperator(t, srv.URL)
		a := startAgent(t, srv.URL, scriptedRunner{"hostname": "target-1\n"})

		before, err := op.Exec(ctx, a.ID(), job.Shell("hostname"))
		require.NoError(t, err)
		require.NoError(t, a.RotatePrekey(ctx))
		after, err := op.Exec(ctx, a.ID(), job.Shell("hostname"))
		require.NoError(t, err)

		n, err := a.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []uuid.UUID{before, after} {
			res, err := op.FetchResult(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "target-1\n", string(res.Stdout))
		}
	})

	t.Run("shell", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("requires /bin/sh")
		}
		op := newOperator(t, srv.URL)
		a := startAgent(t, srv.URL, agent.ShellRunner{Timeout: 10 * time.Second})

		jobID, err := op.Exec(ctx, a.ID(), job.Shell("echo hello; echo oops >&2; exit 3"))
		require.NoError(t, err)
		_, err = a.PollOnce(ctx)
		require.NoError(t, err)

		res, err := op.WaitResult(ctx, jobID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(res.Stdout))
		assert.Equal(t, "oops\n", string(res.Stderr))
		assert.Equal(t, 3, res.ExitCode)
	})
}
