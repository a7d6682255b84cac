package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ TaskStorage = (*MemoryStorage)(nil)

// MemoryStorage keeps task records in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	tasks  map[string]*TaskRecord
	logger *zap.Logger
}

// NewMemoryStorage creates an in-memory task storage.
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		tasks:  make(map[string]*TaskRecord),
		logger: logger.Named("taskstore"),
	}
}

func copyRecord(r *TaskRecord) *TaskRecord {
	out := *r
	if r.Outcome != nil {
		outcome := *r.Outcome
		out.Outcome = &outcome
	}
	return &out
}

func (s *MemoryStorage) CreateTask(ctx context.Context, record *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[record.ID]; exists {
		return ErrTaskExists
	}
	s.tasks[record.ID] = copyRecord(record)
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	return copyRecord(task), nil
}

func (s *MemoryStorage) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus, message string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if err := ValidateTransition(task.Status, status); err != nil {
		return nil, err
	}
	task.Status = status
	if message != "" {
		task.StatusMessage = message
	}
	task.UpdatedAt = nextUpdatedAt(task.UpdatedAt)
	return copyRecord(task), nil
}

func (s *MemoryStorage) SetTaskOutcome(ctx context.Context, id string, status schema.TaskStatus, outcome *TaskOutcome) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if !status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	if err := ValidateTransition(task.Status, status); err != nil {
		return nil, err
	}
	task.Status = status
	task.Outcome = outcome
	task.UpdatedAt = nextUpdatedAt(task.UpdatedAt)
	return copyRecord(task), nil
}

func (s *MemoryStorage) ListTasks(ctx context.Context, sessionID string, cursor string, limit int) ([]*TaskRecord, string, error) {
	if sessionID == "" {
		return nil, "", nil
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	candidates := make([]*TaskRecord, 0)
	for _, task := range s.tasks {
		if task.SessionID == sessionID {
			candidates = append(candidates, copyRecord(task))
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedTime.Equal(candidates[j].CreatedTime) {
			return candidates[i].CreatedTime.After(candidates[j].CreatedTime)
		}
		return candidates[i].ID > candidates[j].ID
	})

	if cursor != "" {
		nano, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		pos := 0
		for pos < len(candidates) {
			c := candidates[pos]
			if c.CreatedTime.UnixNano() < nano || (c.CreatedTime.UnixNano() == nano && c.ID < lastID) {
				break
			}
			pos++
		}
		candidates = candidates[pos:]
	}

	next := ""
	if len(candidates) > limit {
		last := candidates[limit-1]
		next = encodeCursor(last.CreatedTime.UnixNano(), last.ID)
		candidates = candidates[:limit]
	}
	return candidates, next, nil
}

func (s *MemoryStorage) CancelTask(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if !task.Status.IsTerminal() {
		task.Status = schema.TaskStatusCancelled
		task.UpdatedAt = nextUpdatedAt(task.UpdatedAt)
	}
	return copyRecord(task), nil
}

func (s *MemoryStorage) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, task := range s.tasks {
		if !task.Status.IsTerminal() {
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, task.UpdatedAt)
		if err != nil {
			updated = task.CreatedTime
		}
		if now.After(updated.Add(time.Duration(task.TTL) * time.Millisecond)) {
			delete(s.tasks, id)
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
