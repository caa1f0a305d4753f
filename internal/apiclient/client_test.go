package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/sealed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "key", UserAgent: "silo-dispatch-test/1.0"})
	require.NoError(t, err)
	c.retryDelay = time.Millisecond
	return c
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "relay.example.com"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "https://relay.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", c.baseURL)
	assert.Equal(t, DefaultTimeout, c.http.Timeout)
}

func TestHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "silo-dispatch-test/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		reply(w, http.StatusOK, `{"data":{"agents":[],"count":0}}`)
	})
	c.SetToken("tok")

	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestMalformedEnvelopes(t *testing.T) {
	bodies := map[string]string{
		"both":      `{"data":{"agents":[]},"error":{"message":"x"}}`,
		"neither":   `{}`,
		"null data": `{"data":null}`,
		"not json":  `<html>ok</html>`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				reply(w, http.StatusOK, body)
			})

			_, err := c.ListAgents(context.Background())
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestAPIError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusNotFound, `{"error":{"message":"agent not found"}}`)
	})

	_, err := c.GetAgent(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "agent not found", apiErr.Message)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesTransientFailures(t *testing.T) {
	var (
		calls  atomic.Int32
		bodies = make(chan string, 8)
	)
	jobID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		switch calls.Add(1) {
		case 1:
			reply(w, http.StatusServiceUnavailable, `{"error":{"message":"busy"}}`)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "<html>bad gateway</html>")
		default:
			reply(w, http.StatusCreated, `{"data":{"id":"`+jobID.String()+`"}}`)
		}
	})

	env := &sealed.Envelope{
		Ciphertext:         make([]byte, 20),
		EphemeralPublicKey: make([]byte, 32),
		Nonce:              make([]byte, 24),
		Signature:          make([]byte, 64),
	}
	got, err := c.SubmitJob(context.Background(), uuid.New(), env, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, jobID, got)
	assert.Equal(t, int32(3), calls.Load())

	first := <-bodies
	assert.Equal(t, first, <-bodies)
	assert.Equal(t, first, <-bodies)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusInternalServerError, `{"error":{"message":"internal error"}}`)
	})

	_, err := c.ListAgents(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.True(t, IsTemporary(err))
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusConflict, `{"error":{"message":"job already has a result"}}`)
	})

	err := c.SubmitResult(context.Background(), uuid.New(), &sealed.Envelope{})
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.False(t, IsTemporary(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, MaxAttempts: 2})
	require.NoError(t, err)
	c.retryDelay = time.Millisecond

	_, err = c.ListAgents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.True(t, IsTemporary(err))
}

func TestRejectJob(t *testing.T) {
	jobID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/jobs/"+jobID.String()+"/reject", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"reason":"invalid signature"}`, string(body))
		reply(w, http.StatusOK, `{"data":{"id":"`+jobID.String()+`"}}`)
	})

	assert.NoError(t, c.RejectJob(context.Background(), jobID, "invalid signature"))
}

func TestContextCancelStopsRetry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusServiceUnavailable, `{"error":{"message":"busy"}}`)
	})
	c.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ListAgents(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterAgentValidatesReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusCreated, `{"data":{"id":"nope","token":""}}`)
	})

	_, err := c.RegisterAgent(context.Background(), dto.RegisterAgentRequest{MachineID: "m"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
