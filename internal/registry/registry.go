package registry

import (
	"log"
	"sync"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// projection records where a connection was indexed at registration time.
// Removal must use these recorded keys: the connection may have re-bound
// to a different session since, and cleanup keyed off its current fields
// would leak the old index entries.
type projection struct {
	sessionID string
	examID    string
}

// Registry tracks every live transport connection and the logical role it
// plays. It is the single source of truth for "what was this connection
// doing" during disconnect cleanup. Pure connection tracking; broadcasting
// belongs to the room router.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> connection
	projections map[string]projection                       // connID -> indexed keys
	bySession   map[string]map[string]interfaces.Connection // sessionID -> connID -> connection
	byExam      map[string]map[string]interfaces.Connection // examID -> connID -> connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		projections: make(map[string]projection),
		bySession:   make(map[string]map[string]interfaces.Connection),
		byExam:      make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds a connection to the registry. Idempotent per connection
// id: registering the same connection again refreshes the session/exam
// projections (used when a connection binds to a session after connect).
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.ID() == "" {
		return ErrMissingConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A different live connection under the same id means a duplicate
	// transport socket; close the old one off the lock path.
	if existing, ok := r.connections[conn.ID()]; ok {
		if existing != conn {
			go func() {
				if err := existing.Close(); err != nil {
					log.Printf("Failed to close replaced connection %s: %v", conn.ID(), err)
				}
			}()
		}
		r.removeProjections(conn.ID())
	}

	r.connections[conn.ID()] = conn
	r.addProjections(conn)

	return nil
}

// Unregister removes a connection. Only removes when the registered
// instance is the caller's: a reconnect that re-registered under the same
// id must not be torn down by the old socket's late disconnect.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}

	delete(r.connections, conn.ID())
	r.removeProjections(conn.ID())
}

// Lookup returns the live connection for an id.
func (r *Registry) Lookup(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return conn, exists
}

// Info returns the registry's view of a connection.
func (r *Registry) Info(connID string) (*types.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	if !exists {
		return nil, false
	}
	return &types.ConnectionInfo{
		ConnectionID: conn.ID(),
		Role:         conn.Role(),
		SessionID:    conn.SessionID(),
		ExamID:       conn.ExamID(),
		DeviceKind:   conn.DeviceKind(),
	}, true
}

// SessionConnections returns all connections bound to a session.
func (r *Registry) SessionConnections(sessionID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Connection
	for _, conn := range r.bySession[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// ExamConnections returns all connections bound to an exam.
func (r *Registry) ExamConnections(examID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Connection
	for _, conn := range r.byExam[examID] {
		conns = append(conns, conn)
	}
	return conns
}

// Stats returns connection counts for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_sessions":   len(r.bySession),
		"active_exams":      len(r.byExam),
	}
}

// addProjections indexes a connection under its session and exam and
// records the keys used. Caller holds the write lock.
func (r *Registry) addProjections(conn interfaces.Connection) {
	p := projection{sessionID: conn.SessionID(), examID: conn.ExamID()}

	if p.sessionID != "" {
		if r.bySession[p.sessionID] == nil {
			r.bySession[p.sessionID] = make(map[string]interfaces.Connection)
		}
		r.bySession[p.sessionID][conn.ID()] = conn
	}
	if p.examID != "" {
		if r.byExam[p.examID] == nil {
			r.byExam[p.examID] = make(map[string]interfaces.Connection)
		}
		r.byExam[p.examID][conn.ID()] = conn
	}

	r.projections[conn.ID()] = p
}

// removeProjections drops a connection from the session/exam indexes
// using the keys recorded at registration, deleting emptied maps. Caller
// holds the write lock.
func (r *Registry) removeProjections(connID string) {
	p, ok := r.projections[connID]
	if !ok {
		return
	}
	delete(r.projections, connID)

	if p.sessionID != "" {
		if conns, ok := r.bySession[p.sessionID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.bySession, p.sessionID)
			}
		}
	}
	if p.examID != "" {
		if conns, ok := r.byExam[p.examID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byExam, p.examID)
			}
		}
	}
}
