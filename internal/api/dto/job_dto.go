package dto

type SubmitJobRequest struct {
	Dispatcher   string `json:"dispatcher" binding:"required"`
	Cmd          string `json:"cmd"`
	CmdInfo      string `json:"cmd_info"`
	InstanceType string `json:"instance_type"`
	InstanceID   int64  `json:"instance_id"`
}

type SubmitSyncJobRequest struct {
	Dispatcher   string `json:"dispatcher" binding:"required"`
	Cmd          string `json:"cmd"`
	CmdInfo      string `json:"cmd_info"`
	InstanceType string `json:"instance_type"`
	InstanceID   int64  `json:"instance_id"`
	QueueType    string `json:"queue_type" binding:"required"`
	QueueID      int64  `json:"queue_id"`
	QueueLimit   int    `json:"queue_limit"`
}

type UpdateProgressRequest struct {
	ProcessStatus int    `json:"process_status"`
	Result        string `json:"result"`
}

type CompleteJobRequest struct {
	Status     string `json:"status" binding:"required,oneof=SUCCEEDED FAILED CANCELLED"`
	ResultCode int    `json:"result_code"`
	Result     string `json:"result"`
}

type JoinJobRequest struct {
	JoinedJobID      int64  `json:"joined_job_id" binding:"required"`
	WakeupDispatcher string `json:"wakeup_dispatcher"`
	WakeupHandler    string `json:"wakeup_handler"`
	PollIntervalSec  int    `json:"poll_interval_seconds"`
	TimeoutSec       int    `json:"timeout_seconds"`
}

type ListJobsRequest struct {
	Status       string `form:"status"`
	Dispatcher   string `form:"dispatcher"`
	InstanceType string `form:"instance_type"`
	InstanceID   int64  `form:"instance_id"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         int64  `json:"job_id"`
	Dispatcher    string `json:"dispatcher"`
	Cmd           string `json:"cmd"`
	CmdInfo       string `json:"cmd_info"`
	Status        string `json:"status"`
	ProcessStatus int    `json:"process_status"`
	ResultCode    int    `json:"result_code"`
	Result        string `json:"result"`
	InstanceType  string `json:"instance_type,omitempty"`
	InstanceID    int64  `json:"instance_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type WaitJobResponse struct {
	JobID    int64  `json:"job_id"`
	Status   string `json:"status"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

type QueueDTO struct {
	QueueID           int64  `json:"queue_id"`
	ObjectType        string `json:"object_type"`
	ObjectID          int64  `json:"object_id"`
	QueueSize         int    `json:"queue_size"`
	QueueSizeLimit    int    `json:"queue_size_limit"`
	LastProcessNumber int64  `json:"last_process_number"`
}

type NodeLeftRequest struct {
	Nodes []string `json:"nodes" binding:"required,min=1"`
}
