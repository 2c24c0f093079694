package interfaces

// Connection abstracts one live transport connection. The concrete
// implementation serializes writes through a single goroutine; WriteJSON
// must be safe to call from any goroutine.
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe).
	WriteJSON(v interface{}) error

	// Close tears the connection down and releases its resources. Safe to
	// call more than once.
	Close() error

	// ID returns the opaque per-socket connection id.
	ID() string

	// Role returns "student-device" or "proctor".
	Role() string

	// SessionID returns the bound session id, empty until registered.
	SessionID() string

	// ExamID returns the bound exam id, empty until registered.
	ExamID() string

	// DeviceKind returns "primary" or "secondary" for student devices,
	// empty for proctors.
	DeviceKind() string

	// BindSession associates the connection with a session scope.
	// Re-binding updates fields in place; registration stays idempotent.
	BindSession(sessionID, examID, deviceKind string)
}
