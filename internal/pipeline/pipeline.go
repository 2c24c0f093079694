package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"proctorhub/internal/lifecycle"
	"proctorhub/internal/rooms"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// alertWorthy is the subset of automatic event types that produce alerts.
// Everything else is recorded as an event only.
var alertWorthy = map[string]bool{
	types.EventTabSwitch:     true,
	types.EventMultipleFaces: true,
	types.EventAbsent:        true,
	types.EventPhoneDetected: true,
}

// Pipeline classifies inbound behavioral events, persists them, derives
// alerts from the alert-worthy subset, and fans alerts out to the session
// scope and the global alert feed. Manual proctor actions enter through
// the same path so automatic and manual records share one audit trail.
type Pipeline struct {
	sessions   *session.Store
	db         interfaces.Store
	publisher  interfaces.Publisher
	controller *lifecycle.Controller
	limiter    *RateLimiter
}

// NewPipeline creates an event pipeline.
func NewPipeline(sessions *session.Store, db interfaces.Store, publisher interfaces.Publisher, controller *lifecycle.Controller) *Pipeline {
	return &Pipeline{
		sessions:   sessions,
		db:         db,
		publisher:  publisher,
		controller: controller,
		limiter:    NewRateLimiter(),
	}
}

// Allow reports whether a connection is within its event budget. Clients
// are untrusted; a runaway detector loop must not flood the store.
func (p *Pipeline) Allow(connID string) bool {
	if connID == "" {
		return true
	}
	return p.limiter.Allow(connID)
}

// CleanupStale drops rate-limit windows for connections idle past the
// limiter's horizon. The hub's run loop calls this periodically so
// disconnected clients don't accumulate state forever.
func (p *Pipeline) CleanupStale() {
	p.limiter.Cleanup()
}

// Ingest persists one behavioral event and, for alert-worthy types,
// derives and broadcasts an alert. The event is durable before anything
// is broadcast; if the alert write fails after retries, the alert is
// dropped entirely rather than broadcast without a durable record.
// Ordering within a session is arrival order; timestamps are assigned
// here, never taken from the client.
func (p *Pipeline) Ingest(ctx context.Context, sessionID, eventType, severity string, payload json.RawMessage) (*types.Event, *types.Alert, error) {
	if _, err := p.sessions.Get(sessionID); err != nil {
		return nil, nil, err
	}

	event := &types.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if err := p.db.AppendEvent(ctx, event); err != nil {
		return nil, nil, fmt.Errorf("failed to persist event: %w", err)
	}

	if err := p.sessions.Heartbeat(ctx, sessionID); err != nil {
		// Event is durable; a missed heartbeat write only staleness-dates
		// the session record.
		log.Printf("Heartbeat update failed for session %s: %v", sessionID, err)
	}

	p.broadcastEvent(event)

	if !alertWorthy[eventType] {
		return event, nil, nil
	}

	if severity == "" {
		severity = types.SeverityMedium
	}

	alert := &types.Alert{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		EventID:   event.ID,
		Type:      eventType,
		Severity:  severity,
		Meta:      payload,
		Timestamp: event.Timestamp,
	}

	if err := p.db.AppendAlert(ctx, alert); err != nil {
		return event, nil, fmt.Errorf("failed to persist alert: %w", err)
	}

	p.broadcastAlert(alert)
	return event, alert, nil
}

// ProctorAction runs a manual proctor action through the pipeline. All
// four actions leave a durable pseudo-event; warn and flag additionally
// produce a manual alert referencing the acting proctor; flag, pause and
// terminate drive the matching lifecycle transition.
func (p *Pipeline) ProctorAction(ctx context.Context, actorConnID, sessionID, action, message string) (*types.Event, error) {
	if !types.IsValidAction(action) {
		return nil, types.ErrInvalidAction
	}
	if _, err := p.sessions.Get(sessionID); err != nil {
		return nil, err
	}

	meta, err := json.Marshal(map[string]string{
		"actor":   actorConnID,
		"message": message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode action metadata: %w", err)
	}

	event := &types.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      "proctor_" + action,
		Payload:   meta,
		Timestamp: time.Now().UTC(),
	}

	if err := p.db.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to persist proctor action: %w", err)
	}

	if action == types.ActionWarn || action == types.ActionFlag {
		severity := types.SeverityMedium
		if action == types.ActionFlag {
			severity = types.SeverityHigh
		}
		alert := &types.Alert{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Type:      event.Type,
			Severity:  severity,
			Actor:     actorConnID,
			Meta:      meta,
			Timestamp: event.Timestamp,
		}
		if err := p.db.AppendAlert(ctx, alert); err != nil {
			return event, fmt.Errorf("failed to persist alert: %w", err)
		}
		p.broadcastAlert(alert)
	}

	switch action {
	case types.ActionPause:
		_, err = p.controller.Pause(ctx, sessionID)
	case types.ActionTerminate:
		_, err = p.controller.Terminate(ctx, sessionID)
	case types.ActionFlag:
		_, err = p.controller.Flag(ctx, sessionID)
	}
	if err != nil {
		return event, err
	}

	return event, nil
}

// broadcastEvent publishes a persisted event on its session scope so
// proctors watching the session see the raw detection feed, not just the
// derived alerts.
func (p *Pipeline) broadcastEvent(event *types.Event) {
	envelope, err := types.NewEnvelope(types.MessageEvent, event)
	if err != nil {
		log.Printf("Failed to build event envelope for %s: %v", event.ID, err)
		return
	}
	p.publisher.Publish(rooms.SessionScope(event.SessionID), envelope, "")
}

// broadcastAlert publishes a persisted alert on the session scope and the
// global alert feed every proctor dashboard watches.
func (p *Pipeline) broadcastAlert(alert *types.Alert) {
	envelope, err := types.NewEnvelope(types.MessageAlert, alert)
	if err != nil {
		log.Printf("Failed to build alert envelope for %s: %v", alert.ID, err)
		return
	}

	p.publisher.Publish(rooms.SessionScope(alert.SessionID), envelope, "")
	p.publisher.Publish(rooms.GlobalAlertScope, envelope, "")
}
