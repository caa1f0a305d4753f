package handler

import (
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
}

func NewAgentsHandler(agentService *agents.Service) *AgentsHandler {
	return &AgentsHandler{agentService: agentService}
}

// Register creates the agent record and returns its bearer token.
// POST /api/agents
func (h *AgentsHandler) Register(c *gin.Context) {
	var req dto.RegisterAgentRequest
	if !bindJSON(c, &req) {
		return
	}

	reg, err := h.agentService.Register(c.Request.Context(), agents.Registration{
		MachineID:             req.MachineID,
		HostName:              req.HostName,
		IdentityPublicKey:     req.IdentityPublicKey,
		PublicPrekey:          req.PublicPrekey,
		PublicPrekeySignature: req.PublicPrekeySignature,
	})
	if err != nil {
		respondError(c, err, "register agent")
		return
	}

	c.JSON(http.StatusCreated, dto.OK(dto.RegisterAgentResponse{
		ID:    reg.Agent.ID.String(),
		Token: reg.Token,
	}))
}

// ListAgents
// GET /api/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.List(c.Request.Context())
	if err != nil {
		respondError(c, err, "list agents")
		return
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i := range agentList {
		responses[i] = dto.NewAgentResponse(&agentList[i])
	}
	c.JSON(http.StatusOK, dto.OK(dto.ListAgentsResponse{Agents: responses, Count: len(responses)}))
}

// GetAgent
// GET /api/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	agent, err := h.agentService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, dto.OK(dto.NewAgentResponse(agent)))
}

// UpdatePrekey replaces the agent's published prekey.
// PUT /api/agents/:id/prekey
func (h *AgentsHandler) UpdatePrekey(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req dto.UpdatePrekeyRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.agentService.RotatePrekey(c.Request.Context(), id, req.PublicPrekey, req.PublicPrekeySignature); err != nil {
		respondError(c, err, "update prekey")
		return
	}

	agent, err := h.agentService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, dto.OK(dto.NewAgentResponse(agent)))
}
