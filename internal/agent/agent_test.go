package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/codec"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/prekey"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAPI is a mock implementation of API
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) SetToken(token string) {
	m.Called(token)
}

func (m *MockAPI) RegisterAgent(ctx context.Context, req dto.RegisterAgentRequest) (*dto.RegisterAgentResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*dto.RegisterAgentResponse)
	return resp, args.Error(1)
}

func (m *MockAPI) UpdatePrekey(ctx context.Context, agentID uuid.UUID, prekey, signature []byte) error {
	args := m.Called(ctx, agentID, prekey, signature)
	return args.Error(0)
}

func (m *MockAPI) PollJobs(ctx context.Context, agentID uuid.UUID) ([]dto.JobResponse, error) {
	args := m.Called(ctx, agentID)
	jobs, _ := args.Get(0).([]dto.JobResponse)
	return jobs, args.Error(1)
}

func (m *MockAPI) SubmitResult(ctx context.Context, jobID uuid.UUID, result *sealed.Envelope) error {
	args := m.Called(ctx, jobID, result)
	return args.Error(0)
}

func (m *MockAPI) RejectJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	args := m.Called(ctx, jobID, reason)
	return args.Error(0)
}

// MockRunner is a mock implementation of Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd job.Command) job.Result {
	args := m.Called(ctx, cmd)
	return args.Get(0).(job.Result)
}

func newTestAgent(t *testing.T, cfg Config) (*Agent, *MockAPI, *MockRunner) {
	t.Helper()
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	cfg.MachineID = "machine-1"
	cfg.HostName = "host-1"

	api := &MockAPI{}
	runner := &MockRunner{}
	a, err := New(cfg, api, runner)
	require.NoError(t, err)
	a.id = uuid.New()
	return a, api, runner
}

func newOperator(t *testing.T) *identity.Identity {
	t.Helper()
	op, err := identity.Generate()
	require.NoError(t, err)
	return op
}

func sealPayload(t *testing.T, operator *identity.Identity, a *Agent, payload []byte) dto.JobResponse {
	t.Helper()
	to := sealed.Recipient{PublicKey: a.keyring.Current().PublicKey(), Context: a.identity.PublicKey()}
	env, err := sealed.Seal(operator, to, sealed.PurposeJob, payload)
	require.NoError(t, err)

	return dto.JobResponse{
		ID:              uuid.NewString(),
		AgentID:         a.id.String(),
		Job:             dto.NewSealedEnvelope(*env),
		SenderPublicKey: operator.PublicKey(),
	}
}

func sealCommand(t *testing.T, operator *identity.Identity, a *Agent, cmd job.Command) dto.JobResponse {
	t.Helper()
	payload, err := job.EncodeCommand(cmd)
	require.NoError(t, err)
	return sealPayload(t, operator, a, payload)
}

func openResult(t *testing.T, operator *identity.Identity, a *Agent, j dto.JobResponse, env *sealed.Envelope) job.Result {
	t.Helper()
	resultContext := job.ResultContext(uuid.MustParse(j.ID), j.Job.Signature)
	plaintext, err := sealed.Open(operator, resultContext, a.identity.PublicKey(), sealed.PurposeResult, env)
	require.NoError(t, err)
	res, err := job.DecodeResult(plaintext)
	require.NoError(t, err)
	return res
}

func TestInitRegistersOnce(t *testing.T) {
	dir := t.TempDir()
	a, api, _ := newTestAgent(t, Config{StateDir: dir})
	a.id = uuid.Nil

	agentID := uuid.New()
	api.On("RegisterAgent", mock.Anything, mock.MatchedBy(func(req dto.RegisterAgentRequest) bool {
		return req.MachineID == "machine-1" &&
			req.HostName == "host-1" &&
			prekey.Verify(req.IdentityPublicKey, req.PublicPrekey, req.PublicPrekeySignature)
	})).Return(&dto.RegisterAgentResponse{ID: agentID.String(), Token: "tok"}, nil).Once()
	api.On("SetToken", "tok").Return()

	require.NoError(t, a.Init(context.Background()))
	assert.Equal(t, agentID, a.ID())
	api.AssertExpectations(t)

	reg, ok, err := LoadRegistration(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, agentID, reg.AgentID)
	assert.Equal(t, "tok", reg.Token)

	// A restart reuses the registration and republishes the prekey.
	restarted, api2, _ := newTestAgent(t, Config{StateDir: dir})
	api2.On("SetToken", "tok").Return()
	api2.On("UpdatePrekey", mock.Anything, agentID, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, restarted.Init(context.Background()))
	assert.Equal(t, agentID, restarted.ID())
	assert.Equal(t, a.identity.PublicKey(), restarted.identity.PublicKey())
	api2.AssertNotCalled(t, "RegisterAgent", mock.Anything, mock.Anything)
}

func TestInitToleratesRelayOutage(t *testing.T) {
	dir := t.TempDir()
	agentID := uuid.New()
	require.NoError(t, SaveRegistration(dir, Registration{AgentID: agentID, Token: "tok"}))

	a, api, _ := newTestAgent(t, Config{StateDir: dir, PrekeyRotation: time.Hour})
	api.On("SetToken", "tok").Return()
	api.On("UpdatePrekey", mock.Anything, agentID, mock.Anything, mock.Anything).
		Return(&apiclient.APIError{StatusCode: http.StatusServiceUnavailable, Message: "Service Unavailable"}).Once()

	require.NoError(t, a.Init(context.Background()))
	assert.Equal(t, agentID, a.ID())
	assert.True(t, a.prekeyPending)

	// The relay is back: the next loop iteration publishes the prekey.
	api.On("UpdatePrekey", mock.Anything, agentID, mock.Anything, mock.Anything).Return(nil).Once()
	a.maybeRotatePrekey(context.Background())
	assert.False(t, a.prekeyPending)
	api.AssertNumberOfCalls(t, "UpdatePrekey", 2)
}

func TestInitUnknownToRelayIsFatal(t *testing.T) {
	dir := t.TempDir()
	agentID := uuid.New()
	require.NoError(t, SaveRegistration(dir, Registration{AgentID: agentID, Token: "tok"}))

	a, api, _ := newTestAgent(t, Config{StateDir: dir})
	api.On("SetToken", "tok").Return()
	api.On("UpdatePrekey", mock.Anything, agentID, mock.Anything, mock.Anything).
		Return(&apiclient.APIError{StatusCode: http.StatusNotFound, Message: "agent not found"})

	err := a.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apiclient.IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "re-register")
}

func TestInitRegistrationFailure(t *testing.T) {
	a, api, _ := newTestAgent(t, Config{})
	api.On("RegisterAgent", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	err := a.Init(context.Background())
	require.Error(t, err)

	_, ok, err := LoadRegistration(a.cfg.StateDir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollOnceRunsJobAndSealsResult(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("whoami"))
	jobID := uuid.MustParse(j.ID)

	api.On("PollJobs", mock.Anything, a.id).Return([]dto.JobResponse{j}, nil)
	runner.On("Run", mock.Anything, mock.MatchedBy(func(cmd job.Command) bool {
		return cmd.Kind == job.KindShell && cmd.Shell.Line == "whoami"
	})).Return(job.Result{Stdout: []byte("root\n")})

	var submitted *sealed.Envelope
	api.On("SubmitResult", mock.Anything, jobID, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.Get(2).(*sealed.Envelope) }).
		Return(nil)

	n, err := a.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateIdle, a.State())

	require.NotNil(t, submitted)
	res := openResult(t, operator, a, j, submitted)
	assert.Equal(t, "root\n", string(res.Stdout))
	assert.True(t, res.Succeeded())

	// The result is bound to its job id and to the envelope that was run.
	otherJob := job.ResultContext(uuid.New(), j.Job.Signature)
	_, err = sealed.Open(operator, otherJob, a.identity.PublicKey(), sealed.PurposeResult, submitted)
	assert.ErrorIs(t, err, sealed.ErrSignatureInvalid)

	otherEnvelope := job.ResultContext(jobID, sealCommand(t, operator, a, job.Shell("id")).Job.Signature)
	_, err = sealed.Open(operator, otherEnvelope, a.identity.PublicKey(), sealed.PurposeResult, submitted)
	assert.ErrorIs(t, err, sealed.ErrSignatureInvalid)
}

func TestTamperedJobIsDropped(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("id"))
	j.Job.Ciphertext[0] ^= 0x01

	api.On("PollJobs", mock.Anything, a.id).Return([]dto.JobResponse{j}, nil)
	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "invalid signature").Return(nil)

	n, err := a.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	api.AssertNotCalled(t, "SubmitResult", mock.Anything, mock.Anything, mock.Anything)
	api.AssertNumberOfCalls(t, "RejectJob", 1)
}

func TestUndecryptableJobIsRejected(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	// Correctly signed, but sealed to a prekey the agent never kept.
	stray, err := prekey.Issue(a.identity)
	require.NoError(t, err)
	to := sealed.Recipient{PublicKey: stray.PublicKey(), Context: a.identity.PublicKey()}
	env, err := sealed.Seal(operator, to, sealed.PurposeJob, []byte("payload"))
	require.NoError(t, err)

	j := dto.JobResponse{
		ID:              uuid.NewString(),
		AgentID:         a.id.String(),
		Job:             dto.NewSealedEnvelope(*env),
		SenderPublicKey: operator.PublicKey(),
	}
	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "decryption failed").Return(nil)

	err = a.handle(context.Background(), &j)
	assert.ErrorIs(t, err, sealed.ErrDecryptionFailed)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestRejectFailureStillDropsJob(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("id"))
	j.Job.Signature[0] ^= 0x01
	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "invalid signature").Return(errors.New("connection refused"))

	err := a.handle(context.Background(), &j)
	assert.ErrorIs(t, err, ErrJobDropped)
	assert.Equal(t, StateSubmitting, a.State())
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestLowOrderSenderIsDropped(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	neutral := make([]byte, ed25519.PublicKeySize)
	neutral[0] = 1

	j := sealCommand(t, operator, a, job.Shell("id"))
	j.SenderPublicKey = neutral
	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "invalid sender key").Return(nil)

	err := a.handle(context.Background(), &j)
	assert.ErrorIs(t, err, ErrJobDropped)
	assert.ErrorIs(t, err, identity.ErrInvalidPublicKey)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	api.AssertNotCalled(t, "SubmitResult", mock.Anything, mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestJobWithWrongSenderIsDropped(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("id"))
	j.SenderPublicKey = newOperator(t).PublicKey()

	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "invalid signature").Return(nil)

	err := a.handle(context.Background(), &j)
	assert.ErrorIs(t, err, ErrJobDropped)
	assert.ErrorIs(t, err, sealed.ErrSignatureInvalid)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestUntrustedOperatorIsDropped(t *testing.T) {
	trusted := newOperator(t)
	a, api, runner := newTestAgent(t, Config{TrustedOperators: []ed25519.PublicKey{trusted.PublicKey()}})

	j := sealCommand(t, newOperator(t), a, job.Shell("id"))
	api.On("RejectJob", mock.Anything, uuid.MustParse(j.ID), "untrusted operator").Return(nil)

	err := a.handle(context.Background(), &j)
	assert.ErrorIs(t, err, ErrUntrustedOperator)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestTrustedOperatorIsAccepted(t *testing.T) {
	trusted := newOperator(t)
	a, api, runner := newTestAgent(t, Config{TrustedOperators: []ed25519.PublicKey{trusted.PublicKey()}})

	j := sealCommand(t, trusted, a, job.Shell("id"))
	runner.On("Run", mock.Anything, mock.Anything).Return(job.Result{})
	api.On("SubmitResult", mock.Anything, uuid.MustParse(j.ID), mock.Anything).Return(nil)

	require.NoError(t, a.handle(context.Background(), &j))
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestUnknownCommandKindReportsFailure(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	payload, err := codec.Marshal(job.Command{Kind: "upload", IssuedAt: time.Now()})
	require.NoError(t, err)
	j := sealPayload(t, operator, a, payload)
	jobID := uuid.MustParse(j.ID)

	var submitted *sealed.Envelope
	api.On("SubmitResult", mock.Anything, jobID, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.Get(2).(*sealed.Envelope) }).
		Return(nil)

	require.NoError(t, a.handle(context.Background(), &j))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)

	res := openResult(t, operator, a, j, submitted)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Error, "unknown command kind")
}

func TestJobSealedToPreviousPrekeyOpens(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("hostname"))
	_, err := a.keyring.Rotate()
	require.NoError(t, err)

	runner.On("Run", mock.Anything, mock.Anything).Return(job.Result{Stdout: []byte("box\n")})
	api.On("SubmitResult", mock.Anything, uuid.MustParse(j.ID), mock.Anything).Return(nil)

	require.NoError(t, a.handle(context.Background(), &j))
}

func TestResultConflictIsNotAnError(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("id"))
	runner.On("Run", mock.Anything, mock.Anything).Return(job.Result{})
	api.On("SubmitResult", mock.Anything, mock.Anything, mock.Anything).
		Return(&apiclient.APIError{StatusCode: http.StatusConflict, Message: "job already has a result"})

	assert.NoError(t, a.handle(context.Background(), &j))
}

func TestSubmitFailureIsReported(t *testing.T) {
	a, api, runner := newTestAgent(t, Config{})
	operator := newOperator(t)

	j := sealCommand(t, operator, a, job.Shell("id"))
	runner.On("Run", mock.Anything, mock.Anything).Return(job.Result{})
	api.On("SubmitResult", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout"))
	api.On("PollJobs", mock.Anything, a.id).Return([]dto.JobResponse{j}, nil)

	n, err := a.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollError(t *testing.T) {
	a, api, _ := newTestAgent(t, Config{})
	api.On("PollJobs", mock.Anything, a.id).Return(nil, errors.New("connection refused"))

	_, err := a.PollOnce(context.Background())
	assert.Error(t, err)
}

func TestRotatePrekeyPublishes(t *testing.T) {
	a, api, _ := newTestAgent(t, Config{})
	before := a.keyring.Current().PublicKey()

	var published []byte
	api.On("UpdatePrekey", mock.Anything, a.id, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = args.Get(2).([]byte)
			assert.True(t, prekey.Verify(a.identity.PublicKey(), published, args.Get(3).([]byte)))
		}).
		Return(nil)

	require.NoError(t, a.RotatePrekey(context.Background()))

	after := a.keyring.Current().PublicKey()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after[:], published)
	assert.False(t, a.prekeyPending)
}

func TestFailedPrekeyUploadIsRetried(t *testing.T) {
	a, api, _ := newTestAgent(t, Config{PrekeyRotation: time.Hour})

	api.On("UpdatePrekey", mock.Anything, a.id, mock.Anything, mock.Anything).
		Return(errors.New("unavailable")).Once()
	require.Error(t, a.RotatePrekey(context.Background()))
	assert.True(t, a.prekeyPending)

	api.On("UpdatePrekey", mock.Anything, a.id, mock.Anything, mock.Anything).Return(nil).Once()
	a.maybeRotatePrekey(context.Background())
	assert.False(t, a.prekeyPending)
	api.AssertNumberOfCalls(t, "UpdatePrekey", 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, api, _ := newTestAgent(t, Config{PollInterval: 5 * time.Millisecond})
	api.On("PollJobs", mock.Anything, a.id).Return([]dto.JobResponse{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop")
	}
	assert.GreaterOrEqual(t, len(api.Calls), 2)
}

func TestRunRequiresInit(t *testing.T) {
	a, _, _ := newTestAgent(t, Config{})
	a.id = uuid.Nil
	assert.Error(t, a.Run(context.Background()))
}
