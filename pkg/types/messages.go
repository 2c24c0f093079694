package types

import (
	"encoding/json"
	"time"
)

// Message types accepted from clients. Anything outside this set is
// rejected at the transport boundary.
const (
	MessageJoinSession     = "join-session"
	MessageDeviceAttach    = "device-attach"
	MessageRequestStream   = "request-stream"
	MessageOffer           = "negotiation-offer"
	MessageAnswer          = "negotiation-answer"
	MessageICECandidate    = "ice-candidate"
	MessageBehavioralEvent = "behavioral-event"
	MessageProctorAction   = "proctor-action"
	MessageStreamUpdate    = "stream-update"
)

// Message types emitted by the hub.
const (
	MessageStreamReady      = "stream-ready"
	MessageStreamRequested  = "stream-requested"
	MessageEvent            = "event"
	MessageAlert            = "alert"
	MessageSessionUpdate    = "session-update"
	MessagePeerDisconnected = "peer-disconnected"
	MessageProctorNotice    = "proctor-notice"
	MessageError            = "error"
)

// Envelope is the framing for every message on the wire. Payload stays
// raw until the dispatch table picks the matching typed struct.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a typed envelope. Marshal errors are
// programming errors (all payload types are plain structs), so they are
// surfaced to the caller rather than swallowed.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}

// Inbound payloads.

type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
}

type DeviceAttachPayload struct {
	SessionID  string `json:"session_id"`
	ExamID     string `json:"exam_id"`
	DeviceKind string `json:"device_kind"`
}

type RequestStreamPayload struct {
	TargetConnectionID string `json:"target_connection_id"`
}

// SignalPayload carries opaque negotiation data. Data is never inspected
// by the hub; it belongs to the peers' media layer.
type SignalPayload struct {
	ToConnectionID string          `json:"to_connection_id"`
	Data           json.RawMessage `json:"data"`
}

type BehavioralEventPayload struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ProctorActionPayload struct {
	StudentConnectionID string `json:"student_connection_id"`
	SessionID           string `json:"session_id"`
	Action              string `json:"action"`
	Message             string `json:"message,omitempty"`
}

type StreamUpdatePayload struct {
	SessionID  string `json:"session_id"`
	DeviceKind string `json:"device_kind"`
	Active     bool   `json:"active"`
}

// Outbound payloads.

type StreamReadyPayload struct {
	SessionID          string `json:"session_id"`
	StudentID          string `json:"student_id"`
	DeviceConnectionID string `json:"device_connection_id"`
	DeviceKind         string `json:"device_kind"`
}

type StreamRequestedPayload struct {
	FromConnectionID string `json:"from_connection_id"`
}

// SignalRelayPayload is the delivered form of a SignalPayload: same opaque
// data, sender identity stamped by the hub.
type SignalRelayPayload struct {
	FromConnectionID string          `json:"from_connection_id"`
	Data             json.RawMessage `json:"data"`
}

type SessionUpdatePayload struct {
	SessionID string `json:"session_id"`
	NewStatus string `json:"new_status"`
}

// ProctorNoticePayload is delivered to a student device when a proctor
// issues a warning against it.
type ProctorNoticePayload struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

type PeerDisconnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	DeviceKind   string `json:"device_kind,omitempty"`
}

type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
