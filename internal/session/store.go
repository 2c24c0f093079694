package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// entry guards one session. All mutation of a session happens under its
// own mutex, so two concurrent status transitions or attach/detach calls
// for the same session never interleave; unrelated sessions don't contend.
type entry struct {
	mu      sync.Mutex
	session *types.Session
}

// Store is the authoritative record of session lifecycle state and device
// bindings. In-memory map with write-through persistence; reads reflect
// the latest write on this process.
type Store struct {
	mu       sync.RWMutex
	db       interfaces.Store
	sessions map[string]*entry
}

// NewStore creates a session store backed by the durable store.
func NewStore(db interfaces.Store) *Store {
	return &Store{
		db:       db,
		sessions: make(map[string]*entry),
	}
}

// LoadSessions warms the in-memory map from the durable store so the hub
// picks up where it left off after a restart.
func (s *Store) LoadSessions(ctx context.Context) error {
	sessions, err := s.db.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range sessions {
		s.sessions[session.ID] = &entry{session: session}
	}

	log.Printf("Loaded %d sessions", len(sessions))
	return nil
}

// Create registers a new pending session for one student's exam attempt.
func (s *Store) Create(ctx context.Context, examID, studentID string) (*types.Session, error) {
	if !types.IsValidID(examID) {
		return nil, types.ErrMissingExamID
	}
	if !types.IsValidID(studentID) {
		return nil, ErrInvalidStudentID
	}

	session := &types.Session{
		ID:        uuid.New().String(),
		ExamID:    examID,
		StudentID: studentID,
		Status:    types.StatusPending,
		Devices:   make(map[string]*types.DeviceBinding),
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = &entry{session: session}
	s.mu.Unlock()

	log.Printf("Created session: id=%s exam=%s student=%s", session.ID, examID, studentID)
	return snapshot(session), nil
}

// Get returns a point-in-time copy of a session.
func (s *Store) Get(sessionID string) (*types.Session, error) {
	e, err := s.entryFor(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.session), nil
}

// List returns copies of all known sessions.
func (s *Store) List() []*types.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sessions := make([]*types.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sessions = append(sessions, snapshot(e.session))
		e.mu.Unlock()
	}
	return sessions
}

// AttachDevice binds a device connection to a session. A binding already
// present for the kind is replaced: reconnect replaces, never duplicates.
func (s *Store) AttachDevice(ctx context.Context, sessionID, kind, connID string) (*types.DeviceBinding, error) {
	if !types.IsValidDeviceKind(kind) {
		return nil, types.ErrInvalidDeviceKind
	}

	e, err := s.entryFor(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	binding := &types.DeviceBinding{
		Kind:         kind,
		ConnectionID: connID,
		LastSeen:     time.Now().UTC(),
		StreamActive: false,
	}

	// Persist before mutating, so a failed write leaves the previous
	// binding (or none) in memory and on disk alike.
	if err := s.db.UpsertDeviceBinding(ctx, sessionID, binding); err != nil {
		return nil, fmt.Errorf("failed to persist device binding: %w", err)
	}
	e.session.Devices[kind] = binding

	log.Printf("Device attached: session=%s kind=%s conn=%s", sessionID, kind, connID)
	b := *binding
	return &b, nil
}

// DetachDevice marks a device binding inactive. No-op when the binding
// already points to a different connection: a stale disconnect racing a
// reconnect must not clobber the new owner's binding. The binding record
// itself survives until the session ends.
func (s *Store) DetachDevice(ctx context.Context, sessionID, kind, connID string) error {
	e, err := s.entryFor(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	binding, exists := e.session.Devices[kind]
	if !exists {
		return nil
	}
	if binding.ConnectionID != connID {
		log.Printf("Stale detach ignored: session=%s kind=%s owner=%s caller=%s",
			sessionID, kind, binding.ConnectionID, connID)
		return nil
	}

	updated := *binding
	updated.StreamActive = false
	updated.LastSeen = time.Now().UTC()

	if err := s.db.UpsertDeviceBinding(ctx, sessionID, &updated); err != nil {
		return fmt.Errorf("failed to persist device binding: %w", err)
	}
	*binding = updated

	log.Printf("Device detached: session=%s kind=%s conn=%s", sessionID, kind, connID)
	return nil
}

// SetStreamActive records whether a device's media stream is flowing.
// Owner-guarded like DetachDevice.
func (s *Store) SetStreamActive(ctx context.Context, sessionID, kind, connID string, active bool) error {
	e, err := s.entryFor(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	binding, exists := e.session.Devices[kind]
	if !exists || binding.ConnectionID != connID {
		log.Printf("Stale stream update ignored: session=%s kind=%s caller=%s", sessionID, kind, connID)
		return nil
	}

	updated := *binding
	updated.StreamActive = active
	updated.LastSeen = time.Now().UTC()

	if err := s.db.UpsertDeviceBinding(ctx, sessionID, &updated); err != nil {
		return fmt.Errorf("failed to persist device binding: %w", err)
	}
	*binding = updated
	return nil
}

// UpdateStatus moves a session along the lifecycle graph. Transitions not
// in the table fail with ErrInvalidTransition and leave state unchanged.
// The lifecycle controller is the only caller.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, newStatus string) (*types.Session, error) {
	if !types.IsValidStatus(newStatus) {
		return nil, types.ErrInvalidStatus
	}

	e, err := s.entryFor(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.session.Status
	if !types.CanTransition(current, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, current, newStatus)
	}

	now := time.Now().UTC()
	prev := *e.session
	e.session.Status = newStatus
	if newStatus == types.StatusActive && e.session.StartedAt == nil {
		e.session.StartedAt = &now
	}
	if newStatus == types.StatusCompleted || newStatus == types.StatusTerminated {
		e.session.EndedAt = &now
	}

	if err := s.db.UpdateSession(ctx, e.session); err != nil {
		*e.session = prev
		return nil, fmt.Errorf("failed to persist status change: %w", err)
	}

	log.Printf("Session status: id=%s %s -> %s", sessionID, current, newStatus)
	return snapshot(e.session), nil
}

// Heartbeat records liveness from a session's devices.
func (s *Store) Heartbeat(ctx context.Context, sessionID string) error {
	e, err := s.entryFor(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	e.session.LastHeartbeat = &now

	if err := s.db.UpdateSession(ctx, e.session); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	return nil
}

// entryFor resolves a session entry, falling back to the durable store
// for sessions created through the REST collaborator on another process
// start.
func (s *Store) entryFor(sessionID string) (*entry, error) {
	s.mu.RLock()
	e, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if exists {
		return e, nil
	}

	session, err := s.db.GetSession(context.Background(), sessionID)
	if err != nil {
		return nil, types.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.sessions[sessionID]; exists {
		return e, nil
	}
	e = &entry{session: session}
	s.sessions[sessionID] = e
	return e, nil
}

// snapshot copies a session so callers can read it outside the lock.
func snapshot(session *types.Session) *types.Session {
	copied := *session
	copied.Devices = make(map[string]*types.DeviceBinding, len(session.Devices))
	for kind, binding := range session.Devices {
		b := *binding
		copied.Devices[kind] = &b
	}
	return &copied
}
