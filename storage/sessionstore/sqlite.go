package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ SessionStorage = (*SqliteStorage)(nil)

// SqliteStorage is a single-file durable session storage. The database is
// opened in WAL mode so a live GET stream and concurrent POSTs do not
// serialize on the writer.
type SqliteStorage struct {
	db          *sql.DB
	eventBuffer int
	logger      *zap.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	protocol_version TEXT NOT NULL DEFAULT '',
	client_info TEXT,
	client_caps TEXT,
	server_caps TEXT NOT NULL,
	log_level TEXT NOT NULL DEFAULT 'info',
	state TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_id INTEGER NOT NULL,
	event TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (session_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// NewSqliteStorage opens (and if needed creates) the database file.
func NewSqliteStorage(path string, logger *zap.Logger, eventBuffer int) (*SqliteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBufferSize
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SqliteStorage{db: db, eventBuffer: eventBuffer, logger: logger.Named("sessionstore-sqlite")}, nil
}

func (s *SqliteStorage) CreateSession(ctx context.Context, serverCaps schema.ServerCapabilities) (*SessionRecord, error) {
	capsJSON, err := json.Marshal(serverCaps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server capabilities: %w", err)
	}
	now := time.Now()
	record := &SessionRecord{
		ID:                 NewSessionID(),
		ServerCapabilities: serverCaps,
		CreatedAt:          now,
		LastActivity:       now,
		State:              map[string]json.RawMessage{},
		Metadata:           map[string]json.RawMessage{},
		LogLevel:           schema.LoggingLevelInfo,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, server_caps, log_level, created_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
		record.ID, string(capsJSON), string(record.LogLevel), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return record, nil
}

func (s *SqliteStorage) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, protocol_version, client_info, client_caps, server_caps, log_level, state, metadata, created_at, last_activity
		 FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRow(row rowScanner) (*SessionRecord, error) {
	var (
		record                              SessionRecord
		clientInfo, clientCaps              sql.NullString
		serverCaps, logLevel, state, meta   string
		createdAtMilli, lastActivityMilli   int64
	)
	err := row.Scan(&record.ID, &record.ProtocolVersion, &clientInfo, &clientCaps,
		&serverCaps, &logLevel, &state, &meta, &createdAtMilli, &lastActivityMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if clientInfo.Valid {
		var info schema.Implementation
		if err := json.Unmarshal([]byte(clientInfo.String), &info); err == nil {
			record.ClientInfo = &info
		}
	}
	if clientCaps.Valid {
		var caps schema.ClientCapabilities
		if err := json.Unmarshal([]byte(clientCaps.String), &caps); err == nil {
			record.ClientCapabilities = &caps
		}
	}
	if err := json.Unmarshal([]byte(serverCaps), &record.ServerCapabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server capabilities: %w", err)
	}
	record.LogLevel = schema.LoggingLevel(logLevel)
	if err := json.Unmarshal([]byte(state), &record.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &record.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	record.CreatedAt = time.UnixMilli(createdAtMilli)
	record.LastActivity = time.UnixMilli(lastActivityMilli)
	return &record, nil
}

func (s *SqliteStorage) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SqliteStorage) TouchSession(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UnixMilli(), id)
}

func (s *SqliteStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	// Events cascade via the foreign key.
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SqliteStorage) SetInitialized(ctx context.Context, id string, version string, clientInfo schema.Implementation, clientCaps schema.ClientCapabilities) error {
	infoJSON, err := json.Marshal(clientInfo)
	if err != nil {
		return err
	}
	capsJSON, err := json.Marshal(clientCaps)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE sessions SET protocol_version = ?, client_info = ?, client_caps = ?, last_activity = ? WHERE id = ?`,
		version, string(infoJSON), string(capsJSON), time.Now().UnixMilli(), id)
}

func (s *SqliteStorage) SetLogLevel(ctx context.Context, id string, level schema.LoggingLevel) error {
	return s.exec(ctx, `UPDATE sessions SET log_level = ? WHERE id = ?`, string(level), id)
}

// mutateJSONColumn performs a read-modify-write of a JSON map column
// inside one transaction.
func (s *SqliteStorage) mutateJSONColumn(ctx context.Context, id, column string, mutate func(map[string]json.RawMessage)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	values := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return fmt.Errorf("failed to unmarshal %s column: %w", column, err)
	}
	mutate(values)
	out, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+column+` = ? WHERE id = ?`, string(out), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStorage) SetState(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.mutateJSONColumn(ctx, id, "state", func(m map[string]json.RawMessage) { m[key] = value })
}

func (s *SqliteStorage) GetState(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	record, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, exists := record.State[key]
	return value, exists, nil
}

func (s *SqliteStorage) DeleteState(ctx context.Context, id, key string) error {
	return s.mutateJSONColumn(ctx, id, "state", func(m map[string]json.RawMessage) { delete(m, key) })
}

func (s *SqliteStorage) SetMetadata(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.mutateJSONColumn(ctx, id, "metadata", func(m map[string]json.RawMessage) { m[key] = value })
}

func (s *SqliteStorage) GetMetadata(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	record, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, exists := record.Metadata[key]
	return value, exists, nil
}

func (s *SqliteStorage) StoreEvent(ctx context.Context, id string, event string, data json.RawMessage) (SseEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SseEvent{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return SseEvent{}, err
	}
	if exists == 0 {
		return SseEvent{}, ErrSessionNotFound
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM session_events WHERE session_id = ?`, id).Scan(&next); err != nil {
		return SseEvent{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event_id, event, data) VALUES (?, ?, ?, ?)`,
		id, next, event, string(data)); err != nil {
		return SseEvent{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = ? AND event_id <= ?`,
		id, next-int64(s.eventBuffer)); err != nil {
		return SseEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return SseEvent{}, err
	}
	return SseEvent{ID: next, Event: event, Data: data}, nil
}

func (s *SqliteStorage) EventsAfter(ctx context.Context, id string, after int64) ([]SseEvent, bool, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, false, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event, data FROM session_events WHERE session_id = ? AND event_id > ? ORDER BY event_id`,
		id, after)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var events []SseEvent
	for rows.Next() {
		var e SseEvent
		var data string
		if err := rows.Scan(&e.ID, &e.Event, &data); err != nil {
			return nil, false, err
		}
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(event_id) FROM session_events WHERE session_id = ?`, id).Scan(&oldest); err != nil {
		return nil, false, err
	}
	gap := oldest.Valid && after > 0 && oldest.Int64 > after+1
	return events, gap, nil
}

func (s *SqliteStorage) SessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

func (s *SqliteStorage) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	deadline := time.Now().Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, deadline)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SqliteStorage) Close() error {
	return s.db.Close()
}
