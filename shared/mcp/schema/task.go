package schema

// TaskStatus is the state of a long-running operation. Tasks are created
// implicitly by task-augmented requests; there is no tasks/create method.
type TaskStatus string

const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing: Completed, Failed
// and Cancelled reject further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status transition:
//
//	Working       -> InputRequired, Completed, Failed, Cancelled
//	InputRequired -> Working, Completed, Failed, Cancelled
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStatusWorking:
		return to == TaskStatusInputRequired || to.IsTerminal()
	case TaskStatusInputRequired:
		return to == TaskStatusWorking || to.IsTerminal()
	}
	return false
}

// Task is the wire representation of a task record. Timestamps are
// ISO-8601 strings exchanged literally; the core never reformats them.
type Task struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CreatedAt     string     `json:"createdAt"`
	UpdatedAt     string     `json:"updatedAt"`
	// Retention for the record, in milliseconds.
	TTL int64 `json:"ttl"`
	// Suggested polling interval for tasks/get, in milliseconds.
	PollInterval int64 `json:"pollInterval,omitempty"`
	Meta         Meta  `json:"_meta,omitempty"`
}

// CreateTaskResult is the task-created sentinel a task-augmented call
// returns in place of its immediate result.
type CreateTaskResult struct {
	Task Task `json:"task"`
}

// GetTaskRequestParams contains parameters for tasks/get.
type GetTaskRequestParams struct {
	TaskID string `json:"taskId"`
}

// GetTaskResult is the response to tasks/get.
type GetTaskResult struct {
	Task Task `json:"task"`
}

// ListTasksRequestParams contains parameters for tasks/list.
type ListTasksRequestParams struct {
	PaginatedRequestParams
	Limit int `json:"limit,omitempty"`
}

// ListTasksResult is the response to tasks/list.
type ListTasksResult struct {
	PaginatedResult
	Tasks []Task `json:"tasks"`
}

// CancelTaskRequestParams contains parameters for tasks/cancel.
type CancelTaskRequestParams struct {
	TaskID string `json:"taskId"`
}

// CancelTaskResult is the response to tasks/cancel.
type CancelTaskResult struct {
	Task Task `json:"task"`
}

// GetTaskResultRequestParams contains parameters for tasks/result.
type GetTaskResultRequestParams struct {
	TaskID string `json:"taskId"`
}
