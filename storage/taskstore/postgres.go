package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ TaskStorage = (*PostgresStorage)(nil)

// PostgresStorage is the production task storage.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	created_nano BIGINT NOT NULL,
	ttl BIGINT NOT NULL,
	poll_interval BIGINT NOT NULL,
	method TEXT NOT NULL,
	params JSONB,
	outcome JSONB,
	meta JSONB
);
CREATE INDEX IF NOT EXISTS idx_tasks_session_created ON tasks(session_id, created_nano DESC);
`

// NewPostgresStorage connects with a lib/pq connection string and creates
// the schema if missing.
func NewPostgresStorage(connectionString string, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create postgres schema: %w", err)
	}
	return &PostgresStorage{db: db, logger: logger.Named("taskstore-postgres")}, nil
}

func (s *PostgresStorage) CreateTask(ctx context.Context, record *TaskRecord) error {
	params, outcome, meta, err := marshalTaskColumns(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, status, status_message, created_at, updated_at, created_nano, ttl, poll_interval, method, params, outcome, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.SessionID, string(record.Status), record.StatusMessage,
		record.CreatedAt, record.UpdatedAt, record.CreatedTime.UnixNano(),
		record.TTL, record.PollInterval, record.Method, params, outcome, meta)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrTaskExists
	}
	return err
}

func (s *PostgresStorage) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// transition locks the row (SELECT ... FOR UPDATE), validates and applies
// in one transaction.
func (s *PostgresStorage) transition(ctx context.Context, id string, apply func(tx *sql.Tx, current *TaskRecord) error) (*TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := apply(tx, current); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStorage) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus, message string) (*TaskRecord, error) {
	return s.transition(ctx, id, func(tx *sql.Tx, current *TaskRecord) error {
		if err := ValidateTransition(current.Status, status); err != nil {
			return err
		}
		newMessage := current.StatusMessage
		if message != "" {
			newMessage = message
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = $1, status_message = $2, updated_at = $3 WHERE id = $4`,
			string(status), newMessage, nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *PostgresStorage) SetTaskOutcome(ctx context.Context, id string, status schema.TaskStatus, outcome *TaskOutcome) (*TaskRecord, error) {
	if !status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, func(tx *sql.Tx, current *TaskRecord) error {
		if err := ValidateTransition(current.Status, status); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = $1, outcome = $2, updated_at = $3 WHERE id = $4`,
			string(status), string(raw), nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *PostgresStorage) ListTasks(ctx context.Context, sessionID string, cursor string, limit int) ([]*TaskRecord, string, error) {
	if sessionID == "" {
		return nil, "", nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = $1`
	args := []interface{}{sessionID}
	if cursor != "" {
		nano, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_nano < $2 OR (created_nano = $2 AND id < $3))`
		args = append(args, nano, lastID)
	}
	query += fmt.Sprintf(` ORDER BY created_nano DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, "", err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(records) > limit {
		last := records[limit-1]
		next = encodeCursor(last.CreatedTime.UnixNano(), last.ID)
		records = records[:limit]
	}
	return records, next, nil
}

func (s *PostgresStorage) CancelTask(ctx context.Context, id string) (*TaskRecord, error) {
	return s.transition(ctx, id, func(tx *sql.Tx, current *TaskRecord) error {
		if current.Status.IsTerminal() {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
			string(schema.TaskStatusCancelled), nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *PostgresStorage) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at, created_nano, ttl FROM tasks WHERE status = ANY($1)`,
		pq.Array([]string{
			string(schema.TaskStatusCompleted),
			string(schema.TaskStatusFailed),
			string(schema.TaskStatusCancelled),
		}))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	now := time.Now()
	var expired []string
	for rows.Next() {
		var (
			id, updatedAt string
			createdNano   int64
			ttl           int64
		)
		if err := rows.Scan(&id, &updatedAt, &createdNano, &ttl); err != nil {
			return 0, err
		}
		updated, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			updated = time.Unix(0, createdNano)
		}
		if now.After(updated.Add(time.Duration(ttl) * time.Millisecond)) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, pq.Array(expired)); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
