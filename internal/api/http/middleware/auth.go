package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	apiKeyHeader = "X-API-Key"

	// AgentIDKey holds the uuid.UUID of the authenticated agent.
	AgentIDKey = "agent_id"
)

// JWTAuth accepts agent bearer tokens issued at registration.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.Err("missing or invalid authorization header"))
			return
		}

		claims, err := auth.ValidateToken(secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			slog.Debug("Rejected agent token", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.Err("invalid token"))
			return
		}

		c.Set(AgentIDKey, uuid.MustParse(claims.AgentID))
		c.Next()
	}
}

// RequireAgentParam rejects requests whose :param differs from the token's
// agent.
func RequireAgentParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID, ok := AgentID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.Err("unauthenticated"))
			return
		}
		if c.Param(param) != agentID.String() {
			c.AbortWithStatusJSON(http.StatusForbidden, dto.Err("token does not belong to this agent"))
			return
		}
		c.Next()
	}
}

func AgentID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get(AgentIDKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			slog.Warn("Admin API key not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, dto.Err("operator API is not configured"))
			return
		}

		providedKey := c.GetHeader(apiKeyHeader)
		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.Err("missing API key"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			slog.Warn("Invalid API key attempt",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.Err("invalid API key"))
			return
		}

		c.Next()
	}
}
