package taskstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcplane/mcplane/shared"
	"github.com/mcplane/mcplane/shared/mcp/schema"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task id already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrTerminalState     = errors.New("task is in a terminal state")
)

// Defaults applied when a task-augmented request leaves them unset.
const (
	DefaultTaskTTL      = int64(5 * 60 * 1000) // ms
	DefaultPollInterval = int64(500)           // ms
)

// TaskOutcome is the stored terminal result of a task: a success payload
// or an error triple. Stored once on terminal transition.
type TaskOutcome struct {
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *shared.JSONRPCError `json:"error,omitempty"`
}

// TaskRecord is the storage-owned durable state of one task. CreatedAt and
// UpdatedAt hold the ISO-8601 strings exchanged on the wire, verbatim;
// CreatedTime is the parsed form used only for ordering.
type TaskRecord struct {
	ID        string
	SessionID string
	Status    schema.TaskStatus
	// Optional human-readable status message.
	StatusMessage string
	CreatedAt     string
	UpdatedAt     string
	CreatedTime   time.Time
	// Record retention after terminal transition, milliseconds.
	TTL int64
	// Suggested tasks/get polling interval, milliseconds.
	PollInterval int64
	// The original method and params that created the task.
	Method  string
	Params  json.RawMessage
	Outcome *TaskOutcome
	Meta    schema.Meta
}

// ToTask converts the record to its wire representation.
func (r *TaskRecord) ToTask() schema.Task {
	return schema.Task{
		TaskID:        r.ID,
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		TTL:           r.TTL,
		PollInterval:  r.PollInterval,
		Meta:          r.Meta,
	}
}

// NewTaskRecord builds a Working record for a task-augmented call.
func NewTaskRecord(sessionID, method string, params json.RawMessage, meta *schema.TaskMetadata) *TaskRecord {
	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	ttl := DefaultTaskTTL
	if meta != nil && meta.TTL != nil && *meta.TTL > 0 {
		ttl = *meta.TTL
	}
	return &TaskRecord{
		ID:           NewTaskID(),
		SessionID:    sessionID,
		Status:       schema.TaskStatusWorking,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
		CreatedTime:  now,
		TTL:          ttl,
		PollInterval: DefaultPollInterval,
		Method:       method,
		Params:       params,
	}
}

// NewTaskID returns a fresh opaque task id.
func NewTaskID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ValidateTransition enforces the task state machine. Terminal states are
// absorbing and report ErrTerminalState; other illegal moves report
// ErrInvalidTransition.
func ValidateTransition(from, to schema.TaskStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// nextUpdatedAt produces the new updated_at string, keeping the previous
// one when the clock would move it backwards.
func nextUpdatedAt(previous string) string {
	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	if prev, err := time.Parse(time.RFC3339Nano, previous); err == nil && now.Before(prev) {
		return previous
	}
	return stamp
}

// TaskStorage persists task records and enforces state-machine transitions.
type TaskStorage interface {
	// CreateTask fails with ErrTaskExists on id collision.
	CreateTask(ctx context.Context, record *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	// UpdateTaskStatus rejects invalid transitions; terminal-to-any fails
	// with ErrTerminalState.
	UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus, message string) (*TaskRecord, error)
	// SetTaskOutcome transitions to the given terminal status and stores
	// the outcome atomically. Outcomes persist for the life of the record
	// so tasks/result stays idempotent after completion.
	SetTaskOutcome(ctx context.Context, id string, status schema.TaskStatus, outcome *TaskOutcome) (*TaskRecord, error)
	// ListTasks pages records ordered by created_at DESC. An empty
	// sessionID lists nothing: task listing is always session-scoped.
	ListTasks(ctx context.Context, sessionID string, cursor string, limit int) ([]*TaskRecord, string, error)
	// CancelTask transitions to Cancelled if not terminal and returns the
	// current record either way.
	CancelTask(ctx context.Context, id string) (*TaskRecord, error)
	// CleanupExpired removes terminal records past their TTL.
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// Cursors encode the creation instant and id of the last record of a page,
// opaque to clients and stable across restarts for durable backends.
func encodeCursor(createdNano int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(createdNano, 10) + "|" + id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", errors.New("invalid cursor")
	}
	nano, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return nano, parts[1], nil
}
