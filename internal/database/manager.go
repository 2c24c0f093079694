package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/types"
)

const (
	writeRetries      = 3
	writeRetryBackoff = 250 * time.Millisecond
)

// Manager implements interfaces.Store over SQLite. All writes are funneled
// through a single goroutine; SQLite allows one writer at a time and the
// queue keeps event bursts from contending on the file lock. Reads run
// concurrently against the pool.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the write loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 256),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes queued writes with bounded retry and backoff. A write
// that still fails after the retries is surfaced to the caller; alert
// broadcast is skipped upstream in that case so no phantom alerts go out.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			var err error
			backoff := writeRetryBackoff
			for attempt := 1; attempt <= writeRetries; attempt++ {
				err = op.operation(m.db)
				if err == nil {
					break
				}
				if attempt < writeRetries {
					log.Printf("Database write failed (attempt %d/%d), retrying in %v: %v",
						attempt, writeRetries, backoff, err)
					time.Sleep(backoff)
					backoff *= 2
				}
			}
			if err != nil {
				log.Printf("Database write failed after %d attempts: %v", writeRetries, err)
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// CreateSession persists a new session record.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (id, exam_id, student_id, status, started_at, ended_at, last_heartbeat, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			session.ID,
			session.ExamID,
			session.StudentID,
			session.Status,
			session.StartedAt,
			session.EndedAt,
			session.LastHeartbeat,
			session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session with its device bindings.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	query := `
		SELECT id, exam_id, student_id, status, started_at, ended_at, last_heartbeat, created_at
		FROM sessions
		WHERE id = ?
	`

	row := m.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if err := m.loadDeviceBindings(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// UpdateSession writes the mutable session fields.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE sessions
			SET status = ?, started_at = ?, ended_at = ?, last_heartbeat = ?
			WHERE id = ?
		`
		result, err := db.ExecContext(ctx, query,
			session.Status,
			session.StartedAt,
			session.EndedAt,
			session.LastHeartbeat,
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			return types.ErrSessionNotFound
		}
		return nil
	})
}

// ListSessions returns all sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context) ([]*types.Session, error) {
	query := `
		SELECT id, exam_id, student_id, status, started_at, ended_at, last_heartbeat, created_at
		FROM sessions
		ORDER BY created_at DESC
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	for _, session := range sessions {
		if err := m.loadDeviceBindings(ctx, session); err != nil {
			return nil, err
		}
	}

	return sessions, nil
}

// UpsertDeviceBinding writes the current binding for (session, kind).
// Reconnects overwrite the connection id; the primary key keeps one row
// per kind.
func (m *Manager) UpsertDeviceBinding(ctx context.Context, sessionID string, binding *types.DeviceBinding) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO device_bindings (session_id, kind, connection_id, last_seen, stream_active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, kind) DO UPDATE SET
				connection_id = excluded.connection_id,
				last_seen = excluded.last_seen,
				stream_active = excluded.stream_active
		`
		_, err := db.ExecContext(ctx, query,
			sessionID,
			binding.Kind,
			binding.ConnectionID,
			binding.LastSeen,
			binding.StreamActive,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert device binding: %w", err)
		}
		return nil
	})
}

// AppendEvent persists an immutable behavioral event.
func (m *Manager) AppendEvent(ctx context.Context, event *types.Event) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO events (id, session_id, type, payload, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.SessionID,
			event.Type,
			nullableJSON(event.Payload),
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// AppendAlert persists an immutable alert.
func (m *Manager) AppendAlert(ctx context.Context, alert *types.Alert) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO alerts (id, session_id, event_id, type, severity, actor, meta, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			alert.ID,
			alert.SessionID,
			nullableString(alert.EventID),
			alert.Type,
			alert.Severity,
			nullableString(alert.Actor),
			nullableJSON(alert.Meta),
			alert.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return nil
	})
}

// ListAlerts returns alerts for a session, newest first.
func (m *Manager) ListAlerts(ctx context.Context, sessionID string) ([]*types.Alert, error) {
	query := `
		SELECT id, session_id, event_id, type, severity, actor, meta, timestamp
		FROM alerts
		WHERE session_id = ?
		ORDER BY timestamp DESC
	`

	rows, err := m.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*types.Alert
	for rows.Next() {
		var alert types.Alert
		var eventID, actor, meta sql.NullString

		err := rows.Scan(
			&alert.ID,
			&alert.SessionID,
			&eventID,
			&alert.Type,
			&alert.Severity,
			&actor,
			&meta,
			&alert.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}

		alert.EventID = eventID.String
		alert.Actor = actor.String
		if meta.Valid {
			alert.Meta = []byte(meta.String)
		}

		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}

	return alerts, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM sessions LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection for migrations and schema
// validation.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains the write loop and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// loadDeviceBindings fills session.Devices from the device_bindings table.
func (m *Manager) loadDeviceBindings(ctx context.Context, session *types.Session) error {
	query := `
		SELECT kind, connection_id, last_seen, stream_active
		FROM device_bindings
		WHERE session_id = ?
	`

	rows, err := m.db.QueryContext(ctx, query, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query device bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	session.Devices = make(map[string]*types.DeviceBinding)
	for rows.Next() {
		var binding types.DeviceBinding
		if err := rows.Scan(&binding.Kind, &binding.ConnectionID, &binding.LastSeen, &binding.StreamActive); err != nil {
			return fmt.Errorf("failed to scan device binding: %w", err)
		}
		session.Devices[binding.Kind] = &binding
	}

	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var startedAt, endedAt, lastHeartbeat sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.ExamID,
		&session.StudentID,
		&session.Status,
		&startedAt,
		&endedAt,
		&lastHeartbeat,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if lastHeartbeat.Valid {
		session.LastHeartbeat = &lastHeartbeat.Time
	}
	session.Devices = make(map[string]*types.DeviceBinding)

	return &session, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
