package tests

import (
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	internalhttp "github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret = "systemtest-jwt-secret"
	apiKey    = "systemtest-operator-key"
)

// StartRelay serves the relay API over store on a local listener.
func StartRelay(t *testing.T, store registry.Store) *httptest.Server {
	t.Helper()
	return StartRelayWithConfig(t, store, jobs.Config{})
}

func StartRelayWithConfig(t *testing.T, store registry.Store, cfg jobs.Config) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Agents:    agents.NewService(store, auth.Config{Secret: jwtSecret, Expiration: time.Hour}),
		Jobs:      jobs.NewService(store, cfg),
		JWTSecret: jwtSecret,
	}, internalhttp.Config{AdminAPIKey: apiKey})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}
