package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudweav/jobcore/internal/api/dto"
	"github.com/cloudweav/jobcore/internal/engine/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// SubmitJob handles POST /api/v1/jobs
// Persists a new job and hands it to the execution pool
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := &domain.Job{
		Dispatcher:   req.Dispatcher,
		Cmd:          req.Cmd,
		CmdInfo:      req.CmdInfo,
		InstanceType: req.InstanceType,
		InstanceID:   req.InstanceID,
	}

	if _, err := h.engine.Submit(c.Request.Context(), job, false); err != nil {
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		h.renderError(c, err, "Failed to submit job")
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// SubmitSyncJob handles POST /api/v1/jobs/sync
// Persists a new job behind the resource's sync queue
func (h *JobHandler) SubmitSyncJob(c *gin.Context) {
	var req dto.SubmitSyncJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := &domain.Job{
		Dispatcher:   req.Dispatcher,
		Cmd:          req.Cmd,
		CmdInfo:      req.CmdInfo,
		InstanceType: req.InstanceType,
		InstanceID:   req.InstanceID,
	}

	_, err := h.engine.SubmitWithSync(c.Request.Context(), job, req.QueueType, req.QueueID, req.QueueLimit)
	if err != nil {
		h.logger.Error("Failed to submit sync job",
			slog.String("queue_type", req.QueueType),
			slog.Int64("queue_id", req.QueueID),
			slog.String("error", err.Error()),
		)
		h.renderError(c, err, "Failed to submit job")
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.engine.QueryJob(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to detect whether more pages exist
	filter := domain.JobFilter{
		Status:       domain.JobStatus(req.Status),
		Dispatcher:   req.Dispatcher,
		InstanceType: req.InstanceType,
		InstanceID:   req.InstanceID,
		PageSize:     req.PageSize + 1,
		Cursor:       cursor,
	}

	jobs, err := h.engine.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = toJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&domain.JobCursor{
			Created: lastJob.Created,
			ID:      lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// WaitJob handles GET /api/v1/jobs/:job_id/wait
// Blocks until the job reaches a terminal state or the timeout passes
func (h *JobHandler) WaitJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	timeout := defaultWaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "timeout must be a positive duration",
			})
			return
		}
		timeout = parsed
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	status, err := h.engine.WaitFor(c.Request.Context(), jobID, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrWaitTimeout) {
			c.JSON(http.StatusOK, dto.WaitJobResponse{
				JobID:    jobID,
				Status:   string(status),
				TimedOut: true,
			})
			return
		}
		h.renderError(c, err, "Failed to wait for job")
		return
	}

	c.JSON(http.StatusOK, dto.WaitJobResponse{
		JobID:  jobID,
		Status: string(status),
	})
}

// UpdateProgress handles POST /api/v1/jobs/:job_id/progress
// Records interim progress reported by the executing dispatcher
func (h *JobHandler) UpdateProgress(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	var req dto.UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.engine.UpdateProgress(c.Request.Context(), jobID, req.ProcessStatus, req.Result); err != nil {
		h.renderError(c, err, "Failed to update progress")
		return
	}

	c.Status(http.StatusNoContent)
}

// CompleteJob handles POST /api/v1/jobs/:job_id/complete
// Moves a job to a terminal state; completing a finished job is a no-op
func (h *JobHandler) CompleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	var req dto.CompleteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	err := h.engine.CompleteJob(c.Request.Context(), jobID, domain.JobStatus(req.Status), req.ResultCode, req.Result)
	if err != nil {
		h.renderError(c, err, "Failed to complete job")
		return
	}

	c.Status(http.StatusNoContent)
}

// JoinJob handles POST /api/v1/jobs/:job_id/join
// Registers that the job waits on another job's completion
func (h *JobHandler) JoinJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	var req dto.JoinJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	err := h.engine.Join(c.Request.Context(), jobID, req.JoinedJobID,
		req.WakeupHandler, req.WakeupDispatcher,
		time.Duration(req.PollIntervalSec)*time.Second,
		time.Duration(req.TimeoutSec)*time.Second,
	)
	if err != nil {
		h.renderError(c, err, "Failed to join job")
		return
	}

	c.Status(http.StatusNoContent)
}

// DisjoinJob handles DELETE /api/v1/jobs/:job_id/join/:joined_job_id
// Removes a previously registered join
func (h *JobHandler) DisjoinJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	joinedJobID, err := strconv.ParseInt(c.Param("joined_job_id"), 10, 64)
	if err != nil || joinedJobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "joined_job_id must be a positive integer",
		})
		return
	}

	if err := h.engine.Disjoin(c.Request.Context(), jobID, joinedJobID); err != nil {
		h.renderError(c, err, "Failed to disjoin job")
		return
	}

	c.Status(http.StatusNoContent)
}

// PendingForInstance handles GET /api/v1/instances/:instance_type/:instance_id/jobs
// Lists non-terminal jobs targeting one resource
func (h *JobHandler) PendingForInstance(c *gin.Context) {
	instanceType := c.Param("instance_type")
	instanceID, err := strconv.ParseInt(c.Param("instance_id"), 10, 64)
	if err != nil || instanceID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "instance_id must be a positive integer",
		})
		return
	}

	jobs, err := h.engine.PendingJobsForInstance(c.Request.Context(), instanceType, instanceID)
	if err != nil {
		h.logger.Error("Failed to list pending jobs",
			slog.String("instance_type", instanceType),
			slog.Int64("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list pending jobs",
		})
		return
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = toJobDTO(job)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobResponse})
}

func (h *JobHandler) jobIDParam(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return 0, false
	}
	return jobID, true
}

func (h *JobHandler) renderError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, domain.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	case errors.Is(err, domain.ErrJobNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not running"})
	case errors.Is(err, domain.ErrJoinNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Join record not found"})
	case errors.Is(err, domain.ErrEngineStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Engine is shutting down"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:         job.ID,
		Dispatcher:    job.Dispatcher,
		Cmd:           job.Cmd,
		CmdInfo:       job.CmdInfo,
		Status:        string(job.Status),
		ProcessStatus: job.ProcessStatus,
		ResultCode:    job.ResultCode,
		Result:        job.Result,
		InstanceType:  job.InstanceType,
		InstanceID:    job.InstanceID,
		CreatedAt:     job.Created.Format(time.RFC3339),
		UpdatedAt:     job.LastUpdated.Format(time.RFC3339),
	}
}
