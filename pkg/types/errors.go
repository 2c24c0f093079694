package types

import "errors"

// Core error taxonomy. These cross package boundaries, so they live here
// rather than in the component packages that raise them.
var (
	// ErrUnknownPeer: relay target not registered. Recoverable; the caller
	// drops and lets the remote side re-request.
	ErrUnknownPeer = errors.New("unknown peer: target connection not registered")

	// ErrSessionNotFound: operation on a nonexistent session. Caller error,
	// always surfaced, never silently dropped.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition: lifecycle violation. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Validation errors raised at the message boundary.
var (
	ErrInvalidRole        = errors.New("role must be 'student-device' or 'proctor'")
	ErrInvalidDeviceKind  = errors.New("device kind must be 'primary' or 'secondary'")
	ErrInvalidSeverity    = errors.New("severity must be 'low', 'medium' or 'high'")
	ErrInvalidMessageType = errors.New("unknown message type")
	ErrInvalidStatus      = errors.New("unknown session status")
	ErrMissingSessionID   = errors.New("session_id is required")
	ErrMissingExamID      = errors.New("exam_id is required")
	ErrMissingTarget      = errors.New("target connection id is required")
	ErrInvalidAction      = errors.New("action must be 'warn', 'flag', 'pause' or 'terminate'")
	ErrPayloadTooLarge    = errors.New("payload exceeds 64KB limit")
)
