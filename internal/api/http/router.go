package http

import (
	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/handler"
	"github.com/EternisAI/silo-dispatch/internal/api/http/middleware"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Agents    *agents.Service
	Jobs      *jobs.Service
	JWTSecret string
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	agentsHandler := handler.NewAgentsHandler(srvs.Agents)
	jobsHandler := handler.NewJobsHandler(srvs.Jobs)

	api := engine.Group("/api")
	api.POST("/agents", agentsHandler.Register)

	agent := api.Group("", middleware.JWTAuth(srvs.JWTSecret))
	agent.PUT("/agents/:id/prekey", middleware.RequireAgentParam("id"), agentsHandler.UpdatePrekey)
	agent.GET("/agents/:id/jobs", middleware.RequireAgentParam("id"), jobsHandler.PollJobs)
	agent.POST("/jobs/:id/result", jobsHandler.SubmitResult)
	agent.POST("/jobs/:id/reject", jobsHandler.RejectJob)

	operator := api.Group("", middleware.APIKeyAuth(cfg.AdminAPIKey))
	operator.GET("/agents", agentsHandler.ListAgents)
	operator.GET("/agents/:id", agentsHandler.GetAgent)
	operator.POST("/agents/:id/jobs", jobsHandler.SubmitJob)
	operator.GET("/jobs/:id", jobsHandler.GetJob)
}
