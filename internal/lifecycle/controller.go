package lifecycle

import (
	"context"
	"log"

	"proctorhub/internal/rooms"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Controller orchestrates session lifecycle transitions. It is the only
// component allowed to change session status: validate against the table,
// persist, then broadcast, in that order, so watchers never learn about
// a state that didn't stick.
type Controller struct {
	sessions  *session.Store
	publisher interfaces.Publisher
}

// NewController creates a lifecycle controller.
func NewController(sessions *session.Store, publisher interfaces.Publisher) *Controller {
	return &Controller{
		sessions:  sessions,
		publisher: publisher,
	}
}

// Start moves a pending session to active.
func (c *Controller) Start(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusActive)
}

// Pause suspends an active session.
func (c *Controller) Pause(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusPaused)
}

// Resume returns a paused session to active.
func (c *Controller) Resume(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusActive)
}

// Complete ends a session normally. Terminal.
func (c *Controller) Complete(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusCompleted)
}

// Flag marks a session for review. The exam keeps running; a flagged
// session can still complete.
func (c *Controller) Flag(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusFlagged)
}

// Terminate ends a session by explicit proctor decision. Terminal.
func (c *Controller) Terminate(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.Transition(ctx, sessionID, types.StatusTerminated)
}

// Transition validates and applies one lifecycle change, then publishes a
// session-update on both the session and exam scopes. An invalid
// transition fails with ErrInvalidTransition and nothing is broadcast.
func (c *Controller) Transition(ctx context.Context, sessionID, newStatus string) (*types.Session, error) {
	updated, err := c.sessions.UpdateStatus(ctx, sessionID, newStatus)
	if err != nil {
		return nil, err
	}

	envelope, err := types.NewEnvelope(types.MessageSessionUpdate, &types.SessionUpdatePayload{
		SessionID: updated.ID,
		NewStatus: updated.Status,
	})
	if err != nil {
		// The transition is already persisted; a marshal failure here only
		// costs the broadcast.
		log.Printf("Failed to build session-update for %s: %v", sessionID, err)
		return updated, nil
	}

	c.publisher.Publish(rooms.SessionScope(updated.ID), envelope, "")
	c.publisher.Publish(rooms.ExamScope(updated.ExamID), envelope, "")

	return updated, nil
}
