package interfaces

import (
	"context"

	"proctorhub/pkg/types"
)

// Store handles all durable persistence. Event, alert and session writes
// are the only operations in the hub allowed to block; everything else is
// in-memory and synchronous.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession writes status, timestamps and heartbeat for an
	// existing session.
	UpdateSession(ctx context.Context, session *types.Session) error

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]*types.Session, error)

	// UpsertDeviceBinding writes the current binding for (session, kind).
	UpsertDeviceBinding(ctx context.Context, sessionID string, binding *types.DeviceBinding) error

	// AppendEvent persists an immutable behavioral event.
	AppendEvent(ctx context.Context, event *types.Event) error

	// AppendAlert persists an immutable alert.
	AppendAlert(ctx context.Context, alert *types.Alert) error

	// ListAlerts returns alerts for a session, newest first.
	ListAlerts(ctx context.Context, sessionID string) ([]*types.Alert, error)

	// HealthCheck verifies connectivity and basic read access.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the store.
	Close() error
}

// Publisher is the fan-out half of the room router, split out so the
// pipeline and lifecycle controller can be tested with a recording fake.
type Publisher interface {
	// Publish delivers an envelope to every connection subscribed to
	// scope, except excludeConnID when non-empty.
	Publish(scope string, envelope *types.Envelope, excludeConnID string)
}
