package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudweav/jobcore/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)
	opsHandler := handler.NewOpsHandler(deps)

	r.GET("/health", opsHandler.Health)
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job for execution
			jobs.POST("", jobHandler.SubmitJob)

			// POST /api/v1/jobs/sync - Submit a job behind a sync queue
			jobs.POST("/sync", jobHandler.SubmitSyncJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/wait - Block until the job finishes
			jobs.GET("/:job_id/wait", jobHandler.WaitJob)

			// POST /api/v1/jobs/:job_id/progress - Record interim progress
			jobs.POST("/:job_id/progress", jobHandler.UpdateProgress)

			// POST /api/v1/jobs/:job_id/complete - Finish a job
			jobs.POST("/:job_id/complete", jobHandler.CompleteJob)

			// POST /api/v1/jobs/:job_id/join - Wait on another job
			jobs.POST("/:job_id/join", jobHandler.JoinJob)

			// DELETE /api/v1/jobs/:job_id/join/:joined_job_id - Remove a join
			jobs.DELETE("/:job_id/join/:joined_job_id", jobHandler.DisjoinJob)
		}

		// GET /api/v1/instances/:instance_type/:instance_id/jobs - Pending jobs per resource
		v1.GET("/instances/:instance_type/:instance_id/jobs", jobHandler.PendingForInstance)
	}

	// Operational introspection
	ops := r.Group("/ops")
	{
		ops.GET("/active-tasks", opsHandler.ActiveTasks)
		ops.GET("/queues/:object_type/:object_id", opsHandler.GetQueue)
		ops.POST("/cluster/node-left", opsHandler.NodeLeft)
	}

	return r
}
