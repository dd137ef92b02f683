package api

import (
	"github.com/gin-gonic/gin"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/events/bus"
	"github.com/meshgate/meshgate/internal/orchestrator"
)

// SetupRoutes configures the gateway API routes.
func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, eb bus.EventBus, log *logger.Logger) {
	handler := NewHandler(orch, eb, log)

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	router.GET("/health", handler.Health)

	v1 := router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.POST("", handler.RegisterAgent)
			agents.GET("", handler.ListAgents)
			agents.DELETE("/:instanceId", handler.UnregisterAgent)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", handler.SubmitTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.POST("/:taskId/cancel", handler.CancelTask)
			tasks.POST("/:taskId/retry", handler.RetryTask)
		}

		report := v1.Group("/report")
		{
			report.GET("", handler.GetReport)
			report.GET("/summary", handler.GetSummary)
			report.GET("/workloads", handler.GetWorkloads)
		}

		rolesGroup := v1.Group("/roles")
		{
			rolesGroup.GET("", handler.ListRoles)
			rolesGroup.POST("", handler.DefineRole)
			rolesGroup.DELETE("/:roleId", handler.RemoveRole)
			rolesGroup.POST("/assign", handler.AssignRole)
			rolesGroup.GET("/assignments", handler.ListAssignments)
			rolesGroup.DELETE("/assignments/:instanceId", handler.UnassignRole)
		}

		policies := v1.Group("/policies")
		{
			policies.GET("", handler.ListPolicies)
			policies.GET("/:agentId", handler.GetPolicy)
			policies.PUT("/:agentId", handler.SetPolicy)
			policies.DELETE("/:agentId", handler.RemovePolicy)
		}

		v1.GET("/audit", handler.GetAuditLog)
		v1.GET("/peers", handler.ListPeers)
		v1.GET("/queue", handler.GetQueue)
		v1.GET("/state/export", handler.ExportState)
	}
}
