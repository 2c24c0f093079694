package integration

import (
	"sync"
	"testing"
	"time"

	"proctorhub/internal/database"
	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/types"
)

// openDurableStore creates a database manager on the given path with the
// schema applied. Callers reuse the path to simulate a process restart.
func openDurableStore(t *testing.T, path string) *database.Manager {
	t.Helper()

	manager, err := database.NewManager(&dbconfig.Config{
		DatabasePath:    path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MigrationsPath:  "../../migrations",
	})
	if err != nil {
		t.Fatalf("failed to create database manager: %v", err)
	}

	migrations := dbconfig.NewMigrationManager(manager.GetDB(), "../../migrations")
	if err := migrations.ApplyMigrations(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	return manager
}

// recordingConn is an in-process connection that collects delivered
// envelopes, standing in for a live websocket.
type recordingConn struct {
	id         string
	role       string
	mu         sync.Mutex
	sessionID  string
	examID     string
	deviceKind string
	received   []*types.Envelope
}

func newRecordingConn(id, role string) *recordingConn {
	return &recordingConn{id: id, role: role}
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if envelope, ok := v.(*types.Envelope); ok {
		c.received = append(c.received, envelope)
	}
	return nil
}

func (c *recordingConn) receivedOf(msgType string) []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Envelope
	for _, envelope := range c.received {
		if envelope.Type == msgType {
			out = append(out, envelope)
		}
	}
	return out
}

func (c *recordingConn) Close() error { return nil }
func (c *recordingConn) ID() string   { return c.id }
func (c *recordingConn) Role() string { return c.role }

func (c *recordingConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *recordingConn) ExamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.examID
}

func (c *recordingConn) DeviceKind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceKind
}

func (c *recordingConn) BindSession(sessionID, examID, deviceKind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.examID = examID
	c.deviceKind = deviceKind
}
