package types

import "regexp"

// 64KB cap on opaque payloads keeps a misbehaving client from queuing
// megabytes through the relay.
const maxPayloadBytes = 65536

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks the format shared by session, exam, student and
// connection identifiers: 1-64 characters, alphanumeric plus underscore
// and hyphen.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

func IsValidRole(role string) bool {
	return role == RoleStudentDevice || role == RoleProctor
}

func IsValidDeviceKind(kind string) bool {
	return kind == DeviceKindPrimary || kind == DeviceKindSecondary
}

func IsValidSeverity(severity string) bool {
	return severity == SeverityLow || severity == SeverityMedium || severity == SeverityHigh
}

func IsValidStatus(status string) bool {
	_, ok := TransitionTable[status]
	return ok
}

func IsValidAction(action string) bool {
	switch action {
	case ActionWarn, ActionFlag, ActionPause, ActionTerminate:
		return true
	default:
		return false
	}
}

// IsInboundMessageType reports whether the type belongs to the closed set
// of client-originated messages. Unknown types are rejected, not ignored.
func IsInboundMessageType(msgType string) bool {
	switch msgType {
	case MessageJoinSession,
		MessageDeviceAttach,
		MessageRequestStream,
		MessageOffer,
		MessageAnswer,
		MessageICECandidate,
		MessageBehavioralEvent,
		MessageProctorAction,
		MessageStreamUpdate:
		return true
	default:
		return false
	}
}

// IsSignalKind reports whether the type is one of the three relayed
// negotiation kinds.
func IsSignalKind(msgType string) bool {
	return msgType == MessageOffer || msgType == MessageAnswer || msgType == MessageICECandidate
}

// Validate checks a join-session payload.
func (p *JoinSessionPayload) Validate() error {
	if !IsValidID(p.SessionID) {
		return ErrMissingSessionID
	}
	return nil
}

// Validate checks a device-attach payload.
func (p *DeviceAttachPayload) Validate() error {
	if !IsValidID(p.SessionID) {
		return ErrMissingSessionID
	}
	if !IsValidID(p.ExamID) {
		return ErrMissingExamID
	}
	if !IsValidDeviceKind(p.DeviceKind) {
		return ErrInvalidDeviceKind
	}
	return nil
}

// Validate checks a request-stream payload.
func (p *RequestStreamPayload) Validate() error {
	if !IsValidID(p.TargetConnectionID) {
		return ErrMissingTarget
	}
	return nil
}

// Validate checks a negotiation payload without inspecting its data.
func (p *SignalPayload) Validate() error {
	if !IsValidID(p.ToConnectionID) {
		return ErrMissingTarget
	}
	if len(p.Data) > maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// Validate checks a behavioral-event payload. Severity is optional; the
// pipeline defaults it to medium.
func (p *BehavioralEventPayload) Validate() error {
	if !IsValidID(p.SessionID) {
		return ErrMissingSessionID
	}
	if p.EventType == "" || len(p.EventType) > 64 {
		return ErrInvalidMessageType
	}
	if p.Severity != "" && !IsValidSeverity(p.Severity) {
		return ErrInvalidSeverity
	}
	if len(p.Payload) > maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// Validate checks a proctor-action payload.
func (p *ProctorActionPayload) Validate() error {
	if !IsValidID(p.SessionID) {
		return ErrMissingSessionID
	}
	if !IsValidAction(p.Action) {
		return ErrInvalidAction
	}
	return nil
}

// Validate checks a stream-update payload.
func (p *StreamUpdatePayload) Validate() error {
	if !IsValidID(p.SessionID) {
		return ErrMissingSessionID
	}
	if !IsValidDeviceKind(p.DeviceKind) {
		return ErrInvalidDeviceKind
	}
	return nil
}
