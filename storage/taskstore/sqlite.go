package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ TaskStorage = (*SqliteStorage)(nil)

// SqliteStorage is the single-file durable task storage.
type SqliteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	created_nano INTEGER NOT NULL,
	ttl INTEGER NOT NULL,
	poll_interval INTEGER NOT NULL,
	method TEXT NOT NULL,
	params TEXT,
	outcome TEXT,
	meta TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_session_created ON tasks(session_id, created_nano);
`

// NewSqliteStorage opens (and if needed creates) the database file in WAL
// mode.
func NewSqliteStorage(path string, logger *zap.Logger) (*SqliteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SqliteStorage{db: db, logger: logger.Named("taskstore-sqlite")}, nil
}

func (s *SqliteStorage) CreateTask(ctx context.Context, record *TaskRecord) error {
	params, outcome, meta, err := marshalTaskColumns(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, status, status_message, created_at, updated_at, created_nano, ttl, poll_interval, method, params, outcome, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.SessionID, string(record.Status), record.StatusMessage,
		record.CreatedAt, record.UpdatedAt, record.CreatedTime.UnixNano(),
		record.TTL, record.PollInterval, record.Method, params, outcome, meta)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrTaskExists
	}
	return err
}

func marshalTaskColumns(record *TaskRecord) (params, outcome, meta sql.NullString, err error) {
	if record.Params != nil {
		params = sql.NullString{String: string(record.Params), Valid: true}
	}
	if record.Outcome != nil {
		raw, merr := json.Marshal(record.Outcome)
		if merr != nil {
			return params, outcome, meta, merr
		}
		outcome = sql.NullString{String: string(raw), Valid: true}
	}
	if record.Meta != nil {
		raw, merr := json.Marshal(record.Meta)
		if merr != nil {
			return params, outcome, meta, merr
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	return params, outcome, meta, nil
}

const taskColumns = `id, session_id, status, status_message, created_at, updated_at, created_nano, ttl, poll_interval, method, params, outcome, meta`

func scanTask(row interface{ Scan(...interface{}) error }) (*TaskRecord, error) {
	var (
		record                TaskRecord
		status                string
		createdNano           int64
		params, outcome, meta sql.NullString
	)
	err := row.Scan(&record.ID, &record.SessionID, &status, &record.StatusMessage,
		&record.CreatedAt, &record.UpdatedAt, &createdNano, &record.TTL,
		&record.PollInterval, &record.Method, &params, &outcome, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	record.Status = schema.TaskStatus(status)
	record.CreatedTime = time.Unix(0, createdNano)
	if params.Valid {
		record.Params = json.RawMessage(params.String)
	}
	if outcome.Valid {
		var o TaskOutcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task outcome: %w", err)
		}
		record.Outcome = &o
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &record.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task meta: %w", err)
		}
	}
	return &record, nil
}

func (s *SqliteStorage) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// transition runs the validate-then-update sequence under one transaction,
// the logical per-task lock the state machine requires.
func (s *SqliteStorage) transition(ctx context.Context, id string, apply func(tx *sql.Tx, current *TaskRecord) error) (*TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
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

func (s *SqliteStorage) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus, message string) (*TaskRecord, error) {
	return s.transition(ctx, id, func(tx *sql.Tx, current *TaskRecord) error {
		if err := ValidateTransition(current.Status, status); err != nil {
			return err
		}
		newMessage := current.StatusMessage
		if message != "" {
			newMessage = message
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
			string(status), newMessage, nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *SqliteStorage) SetTaskOutcome(ctx context.Context, id string, status schema.TaskStatus, outcome *TaskOutcome) (*TaskRecord, error) {
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
			`UPDATE tasks SET status = ?, outcome = ?, updated_at = ? WHERE id = ?`,
			string(status), string(raw), nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *SqliteStorage) ListTasks(ctx context.Context, sessionID string, cursor string, limit int) ([]*TaskRecord, string, error) {
	if sessionID == "" {
		return nil, "", nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`
	args := []interface{}{sessionID}
	if cursor != "" {
		nano, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_nano < ? OR (created_nano = ? AND id < ?))`
		args = append(args, nano, nano, lastID)
	}
	query += ` ORDER BY created_nano DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

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

func (s *SqliteStorage) CancelTask(ctx context.Context, id string) (*TaskRecord, error) {
	return s.transition(ctx, id, func(tx *sql.Tx, current *TaskRecord) error {
		if current.Status.IsTerminal() {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(schema.TaskStatusCancelled), nextUpdatedAt(current.UpdatedAt), id)
		return err
	})
}

func (s *SqliteStorage) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at, created_nano, ttl FROM tasks WHERE status IN (?, ?, ?)`,
		string(schema.TaskStatusCompleted), string(schema.TaskStatusFailed), string(schema.TaskStatusCancelled))
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

	for _, id := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (s *SqliteStorage) Close() error {
	return s.db.Close()
}
