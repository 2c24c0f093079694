package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanTransition_AllowedPaths(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StatusPending, StatusActive},
		{StatusPending, StatusTerminated},
		{StatusActive, StatusPaused},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusFlagged},
		{StatusActive, StatusTerminated},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusFlagged},
		{StatusPaused, StatusTerminated},
		{StatusFlagged, StatusPaused},
		{StatusFlagged, StatusCompleted},
		{StatusFlagged, StatusTerminated},
	}

	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectedPaths(t *testing.T) {
	rejected := []struct{ from, to string }{
		{StatusCompleted, StatusActive},
		{StatusTerminated, StatusActive},
		{StatusTerminated, StatusPending},
		{StatusPending, StatusCompleted},
		{StatusPending, StatusPaused},
		{StatusFlagged, StatusActive},
		{StatusActive, StatusPending},
		{StatusActive, StatusActive},
		{"bogus", StatusActive},
	}

	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusTerminated} {
		if got := len(TransitionTable[status]); got != 0 {
			t.Errorf("terminal status %s has %d exits, want 0", status, got)
		}
	}
}

func TestIsValidID(t *testing.T) {
	valid := []string{"a", "exam-101", "session_42", "ABC123", strings.Repeat("x", 64)}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{"", "has space", "has/slash", "exam:1", strings.Repeat("x", 65)}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsInboundMessageType(t *testing.T) {
	for _, msgType := range []string{
		MessageJoinSession, MessageDeviceAttach, MessageRequestStream,
		MessageOffer, MessageAnswer, MessageICECandidate,
		MessageBehavioralEvent, MessageProctorAction, MessageStreamUpdate,
	} {
		if !IsInboundMessageType(msgType) {
			t.Errorf("expected %q to be a valid inbound type", msgType)
		}
	}

	for _, msgType := range []string{MessageAlert, MessageStreamReady, "bogus", ""} {
		if IsInboundMessageType(msgType) {
			t.Errorf("expected %q to be rejected as inbound", msgType)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	envelope, err := NewEnvelope(MessageJoinSession, &JoinSessionPayload{SessionID: "s1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if envelope.Type != MessageJoinSession {
		t.Errorf("type = %q, want %q", envelope.Type, MessageJoinSession)
	}

	var decoded JoinSessionPayload
	if err := json.Unmarshal(envelope.Payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if decoded.SessionID != "s1" {
		t.Errorf("session_id = %q, want s1", decoded.SessionID)
	}
}

func TestDeviceAttachPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload DeviceAttachPayload
		wantErr error
	}{
		{"valid", DeviceAttachPayload{SessionID: "s1", ExamID: "e1", DeviceKind: DeviceKindPrimary}, nil},
		{"missing session", DeviceAttachPayload{ExamID: "e1", DeviceKind: DeviceKindPrimary}, ErrMissingSessionID},
		{"missing exam", DeviceAttachPayload{SessionID: "s1", DeviceKind: DeviceKindSecondary}, ErrMissingExamID},
		{"bad kind", DeviceAttachPayload{SessionID: "s1", ExamID: "e1", DeviceKind: "tablet"}, ErrInvalidDeviceKind},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.payload.Validate(); err != tc.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBehavioralEventPayload_Validate(t *testing.T) {
	valid := BehavioralEventPayload{SessionID: "s1", EventType: EventTabSwitch}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	noSeverityCheck := BehavioralEventPayload{SessionID: "s1", EventType: EventAbsent, Severity: ""}
	if err := noSeverityCheck.Validate(); err != nil {
		t.Errorf("empty severity should be accepted: %v", err)
	}

	badSeverity := BehavioralEventPayload{SessionID: "s1", EventType: EventAbsent, Severity: "critical"}
	if err := badSeverity.Validate(); err != ErrInvalidSeverity {
		t.Errorf("Validate() = %v, want ErrInvalidSeverity", err)
	}

	oversized := BehavioralEventPayload{
		SessionID: "s1",
		EventType: EventTabSwitch,
		Payload:   json.RawMessage(strings.Repeat("x", 65537)),
	}
	if err := oversized.Validate(); err != ErrPayloadTooLarge {
		t.Errorf("Validate() = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSignalPayload_Validate(t *testing.T) {
	valid := SignalPayload{ToConnectionID: "conn-1", Data: json.RawMessage(`{"sdp":"v=0"}`)}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	missing := SignalPayload{Data: json.RawMessage(`{}`)}
	if err := missing.Validate(); err != ErrMissingTarget {
		t.Errorf("Validate() = %v, want ErrMissingTarget", err)
	}
}

func TestProctorActionPayload_Validate(t *testing.T) {
	for _, action := range []string{ActionWarn, ActionFlag, ActionPause, ActionTerminate} {
		p := ProctorActionPayload{SessionID: "s1", Action: action}
		if err := p.Validate(); err != nil {
			t.Errorf("action %q rejected: %v", action, err)
		}
	}

	bad := ProctorActionPayload{SessionID: "s1", Action: "expel"}
	if err := bad.Validate(); err != ErrInvalidAction {
		t.Errorf("Validate() = %v, want ErrInvalidAction", err)
	}
}
