package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, dto.Err("agent not found"))
	case errors.Is(err, registry.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.Err("job not found"))
	case errors.Is(err, registry.ErrResultExists):
		c.JSON(http.StatusConflict, dto.Err("job already has a result"))
	case errors.Is(err, registry.ErrJobRejected):
		c.JSON(http.StatusConflict, dto.Err("job was rejected by its agent"))
	case errors.Is(err, registry.ErrForbidden):
		c.JSON(http.StatusForbidden, dto.Err("job belongs to another agent"))
	case errors.Is(err, registry.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, dto.Err(err.Error()))
	default:
		slog.Error("Failed to "+action, "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, dto.Err("internal error"))
	}
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.Err("request body too large"))
			return false
		}
		c.JSON(http.StatusBadRequest, dto.Err("invalid request: "+err.Error()))
		return false
	}
	return true
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
