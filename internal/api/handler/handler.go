package handler

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudweav/jobcore/internal/engine"
	"github.com/cloudweav/jobcore/shared/postgresql"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Engine   *engine.Engine
	DBClient *postgresql.Client
	Registry *prometheus.Registry
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	engine *engine.Engine
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		engine: deps.Engine,
	}
}

// OpsHandler serves the operational introspection endpoints
type OpsHandler struct {
	logger   *slog.Logger
	engine   *engine.Engine
	dbClient *postgresql.Client
}

// NewOpsHandler creates a new OpsHandler instance
func NewOpsHandler(deps *Dependencies) *OpsHandler {
	return &OpsHandler{
		logger:   deps.Logger,
		engine:   deps.Engine,
		dbClient: deps.DBClient,
	}
}
