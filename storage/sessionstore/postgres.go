package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ SessionStorage = (*PostgresStorage)(nil)

// PostgresStorage is the production session storage.
type PostgresStorage struct {
	db          *sql.DB
	eventBuffer int
	logger      *zap.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	protocol_version TEXT NOT NULL DEFAULT '',
	client_info JSONB,
	client_caps JSONB,
	server_caps JSONB NOT NULL,
	log_level TEXT NOT NULL DEFAULT 'info',
	state JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_id BIGINT NOT NULL,
	event TEXT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (session_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// NewPostgresStorage connects with a lib/pq connection string and creates
// the schema if missing.
func NewPostgresStorage(connectionString string, logger *zap.Logger, eventBuffer int) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBufferSize
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create postgres schema: %w", err)
	}
	return &PostgresStorage{db: db, eventBuffer: eventBuffer, logger: logger.Named("sessionstore-postgres")}, nil
}

func (s *PostgresStorage) CreateSession(ctx context.Context, serverCaps schema.ServerCapabilities) (*SessionRecord, error) {
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
		`INSERT INTO sessions (id, server_caps, log_level, created_at, last_activity) VALUES ($1, $2, $3, $4, $5)`,
		record.ID, string(capsJSON), string(record.LogLevel), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return record, nil
}

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, protocol_version, client_info, client_caps, server_caps, log_level, state, metadata, created_at, last_activity
		 FROM sessions WHERE id = $1`, id)

	var (
		record                            SessionRecord
		clientInfo, clientCaps            sql.NullString
		serverCaps, logLevel, state, meta string
	)
	err := row.Scan(&record.ID, &record.ProtocolVersion, &clientInfo, &clientCaps,
		&serverCaps, &logLevel, &state, &meta, &record.CreatedAt, &record.LastActivity)
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
	return &record, nil
}

func (s *PostgresStorage) exec(ctx context.Context, query string, args ...interface{}) error {
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

func (s *PostgresStorage) TouchSession(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE sessions SET last_activity = NOW() WHERE id = $1`, id)
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStorage) SetInitialized(ctx context.Context, id string, version string, clientInfo schema.Implementation, clientCaps schema.ClientCapabilities) error {
	infoJSON, err := json.Marshal(clientInfo)
	if err != nil {
		return err
	}
	capsJSON, err := json.Marshal(clientCaps)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE sessions SET protocol_version = $1, client_info = $2, client_caps = $3, last_activity = NOW() WHERE id = $4`,
		version, string(infoJSON), string(capsJSON), id)
}

func (s *PostgresStorage) SetLogLevel(ctx context.Context, id string, level schema.LoggingLevel) error {
	return s.exec(ctx, `UPDATE sessions SET log_level = $1 WHERE id = $2`, string(level), id)
}

func (s *PostgresStorage) SetState(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE sessions SET state = jsonb_set(state, ARRAY[$1], $2::jsonb, true) WHERE id = $3`,
		key, string(value), id)
}

func (s *PostgresStorage) GetState(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT state->$1 FROM sessions WHERE id = $2`, key, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrSessionNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !value.Valid {
		return nil, false, nil
	}
	return json.RawMessage(value.String), true, nil
}

func (s *PostgresStorage) DeleteState(ctx context.Context, id, key string) error {
	return s.exec(ctx, `UPDATE sessions SET state = state - $1 WHERE id = $2`, key, id)
}

func (s *PostgresStorage) SetMetadata(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE sessions SET metadata = jsonb_set(metadata, ARRAY[$1], $2::jsonb, true) WHERE id = $3`,
		key, string(value), id)
}

func (s *PostgresStorage) GetMetadata(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT metadata->$1 FROM sessions WHERE id = $2`, key, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrSessionNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !value.Valid {
		return nil, false, nil
	}
	return json.RawMessage(value.String), true, nil
}

func (s *PostgresStorage) StoreEvent(ctx context.Context, id string, event string, data json.RawMessage) (SseEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SseEvent{}, err
	}
	defer tx.Rollback()

	// Lock the session row so concurrent producers serialize id assignment.
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return SseEvent{}, ErrSessionNotFound
	}
	if err != nil {
		return SseEvent{}, err
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM session_events WHERE session_id = $1`, id).Scan(&next); err != nil {
		return SseEvent{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event_id, event, data) VALUES ($1, $2, $3, $4)`,
		id, next, event, string(data)); err != nil {
		return SseEvent{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = $1 AND event_id <= $2`,
		id, next-int64(s.eventBuffer)); err != nil {
		return SseEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return SseEvent{}, err
	}
	return SseEvent{ID: next, Event: event, Data: data}, nil
}

func (s *PostgresStorage) EventsAfter(ctx context.Context, id string, after int64) ([]SseEvent, bool, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, false, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event, data FROM session_events WHERE session_id = $1 AND event_id > $2 ORDER BY event_id`,
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
		`SELECT MIN(event_id) FROM session_events WHERE session_id = $1`, id).Scan(&oldest); err != nil {
		return nil, false, err
	}
	gap := oldest.Valid && after > 0 && oldest.Int64 > after+1
	return events, gap, nil
}

func (s *PostgresStorage) SessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

func (s *PostgresStorage) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < NOW() - ($1 * INTERVAL '1 millisecond')`, ttl.Milliseconds())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
