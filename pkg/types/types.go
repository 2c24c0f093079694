package types

import (
	"encoding/json"
	"time"
)

// Connection roles.
const (
	RoleStudentDevice = "student-device"
	RoleProctor       = "proctor"
)

// Device kinds. A session has at most one live binding per kind.
const (
	DeviceKindPrimary   = "primary"
	DeviceKindSecondary = "secondary"
)

// Session lifecycle statuses. Transitions are validated against
// TransitionTable; completed and terminated are terminal.
const (
	StatusPending    = "pending"
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFlagged    = "flagged"
	StatusTerminated = "terminated"
)

// TransitionTable is the authoritative session lifecycle graph.
// A flagged session keeps running; only completed/terminated end it.
var TransitionTable = map[string][]string{
	StatusPending:    {StatusActive, StatusTerminated},
	StatusActive:     {StatusPaused, StatusCompleted, StatusFlagged, StatusTerminated},
	StatusPaused:     {StatusActive, StatusCompleted, StatusFlagged, StatusTerminated},
	StatusFlagged:    {StatusPaused, StatusCompleted, StatusTerminated},
	StatusCompleted:  {},
	StatusTerminated: {},
}

// CanTransition reports whether the lifecycle table allows from -> to.
func CanTransition(from, to string) bool {
	for _, next := range TransitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alert severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Behavioral event types the pipeline recognizes. Event.Type is free-form;
// only the alert-worthy subset produces alerts.
const (
	EventTabSwitch     = "tab_switch"
	EventMultipleFaces = "multiple_faces"
	EventAbsent        = "absent"
	EventPhoneDetected = "phone_detected"
	EventLookingAway   = "looking_away"

	// Pseudo-events for manual proctor actions. They flow through the same
	// pipeline as automatic detections so both share one audit trail.
	EventProctorWarning = "proctor_warning"
	EventProctorFlag    = "proctor_flag"
)

// Proctor actions carried by proctor-action messages.
const (
	ActionWarn      = "warn"
	ActionFlag      = "flag"
	ActionPause     = "pause"
	ActionTerminate = "terminate"
)

// Session is one student's attempt at one exam. The embedded device
// bindings are mutated only through the session store, which holds a
// per-session lock.
type Session struct {
	ID            string                    `json:"id" db:"id"`
	ExamID        string                    `json:"exam_id" db:"exam_id"`
	StudentID     string                    `json:"student_id" db:"student_id"`
	Status        string                    `json:"status" db:"status"`
	StartedAt     *time.Time                `json:"started_at,omitempty" db:"started_at"`
	EndedAt       *time.Time                `json:"ended_at,omitempty" db:"ended_at"`
	LastHeartbeat *time.Time                `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	Devices       map[string]*DeviceBinding `json:"devices"`
	CreatedAt     time.Time                 `json:"created_at" db:"created_at"`
}

// DeviceBinding is the current owning connection for one capture device
// within a session. Reconnect replaces ConnectionID; the binding itself
// lives until the session ends.
type DeviceBinding struct {
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connection_id"`
	LastSeen     time.Time `json:"last_seen"`
	StreamActive bool      `json:"stream_active"`
}

// Event is an append-only behavioral record. Timestamp is assigned at
// ingestion; client-reported times are untrusted.
type Event struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Alert is derived from an alert-worthy Event (or a proctor action) and is
// never mutated. EventID links back to the triggering event; for manual
// proctor alerts Actor identifies the issuing proctor connection instead.
type Alert struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	EventID   string          `json:"event_id,omitempty" db:"event_id"`
	Type      string          `json:"type" db:"type"`
	Severity  string          `json:"severity" db:"severity"`
	Actor     string          `json:"actor,omitempty" db:"actor"`
	Meta      json.RawMessage `json:"meta,omitempty" db:"meta"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ConnectionInfo is the registry's record of what a live transport
// connection is doing. Ephemeral; never persisted.
type ConnectionInfo struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	SessionID    string `json:"session_id,omitempty"`
	ExamID       string `json:"exam_id,omitempty"`
	DeviceKind   string `json:"device_kind,omitempty"`
}
