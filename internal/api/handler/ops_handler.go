package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudweav/jobcore/internal/api/dto"
)

// ActiveTasks handles GET /ops/active-tasks
// Reports the in-memory heartbeat records of jobs running on this node
func (h *OpsHandler) ActiveTasks(c *gin.Context) {
	tasks := h.engine.Monitor().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"node_id": h.engine.NodeID(),
		"count":   len(tasks),
		"tasks":   tasks,
	})
}

// GetQueue handles GET /ops/queues/:object_type/:object_id
// Shows the sync queue state of one resource scope
func (h *OpsHandler) GetQueue(c *gin.Context) {
	objectType := c.Param("object_type")
	objectID, err := strconv.ParseInt(c.Param("object_id"), 10, 64)
	if err != nil || objectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "object_id must be a positive integer",
		})
		return
	}

	queue, err := h.engine.Queues().QueueByScope(c.Request.Context(), objectType, objectID)
	if err != nil {
		h.logger.Error("Failed to look up queue",
			slog.String("object_type", objectType),
			slog.Int64("object_id", objectID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to look up queue",
		})
		return
	}
	if queue == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Queue not found",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueDTO{
		QueueID:           queue.ID,
		ObjectType:        queue.ObjectType,
		ObjectID:          queue.ObjectID,
		QueueSize:         queue.QueueSize,
		QueueSizeLimit:    queue.QueueSizeLimit,
		LastProcessNumber: queue.LastProcessNumber,
	})
}

// NodeLeft handles POST /ops/cluster/node-left
// Cleans up after departed nodes: claimed queue slots are released and
// their in-flight jobs failed
func (h *OpsHandler) NodeLeft(c *gin.Context) {
	var req dto.NodeLeftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.engine.OnNodeLeft(c.Request.Context(), req.Nodes); err != nil {
		h.logger.Error("Node departure cleanup failed",
			slog.Any("nodes", req.Nodes),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Node departure cleanup failed",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// Health handles GET /health
// Verifies the process and its database connection are alive
func (h *OpsHandler) Health(c *gin.Context) {
	if h.dbClient != nil {
		if err := h.dbClient.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "engine-service",
	})
}
