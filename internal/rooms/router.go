package rooms

import (
	"log"
	"sync"

	"proctorhub/internal/registry"
	"proctorhub/pkg/types"
)

// Scope names. Exam and session scopes are derived; the alerts scope is a
// single global feed every proctor dashboard subscribes to.
const GlobalAlertScope = "alerts"

// ExamScope returns the broadcast scope for an exam.
func ExamScope(examID string) string {
	return "exam:" + examID
}

// SessionScope returns the broadcast scope for a session.
func SessionScope(sessionID string) string {
	return "session:" + sessionID
}

// Router maps scopes to subscribed connections and performs fan-out.
// Membership here is a derived projection; the authoritative state lives
// in the registry and session store.
type Router struct {
	mu       sync.RWMutex
	registry *registry.Registry
	byScope  map[string]map[string]struct{} // scope -> connID set
	byConn   map[string]map[string]struct{} // connID -> scope set (for O(joined) cleanup)
}

// NewRouter creates a router that resolves connection ids through reg.
func NewRouter(reg *registry.Registry) *Router {
	return &Router{
		registry: reg,
		byScope:  make(map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a connection to a scope. Idempotent: subscriptions are a
// set.
func (r *Router) Subscribe(connID, scope string) {
	if connID == "" || scope == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byScope[scope] == nil {
		r.byScope[scope] = make(map[string]struct{})
	}
	r.byScope[scope][connID] = struct{}{}

	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][scope] = struct{}{}
}

// Unsubscribe removes a connection from a scope.
func (r *Router) Unsubscribe(connID, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(connID, scope)
}

// UnsubscribeAll removes a connection from every scope it joined. Cost is
// proportional to the scopes that connection joined, not all scopes; this
// runs on every disconnect.
func (r *Router) UnsubscribeAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for scope := range r.byConn[connID] {
		r.removeLocked(connID, scope)
	}
}

// Scopes returns the scopes a connection currently joined.
func (r *Router) Scopes(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var scopes []string
	for scope := range r.byConn[connID] {
		scopes = append(scopes, scope)
	}
	return scopes
}

// Subscribers returns the connection ids subscribed to a scope.
func (r *Router) Subscribers(scope string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for connID := range r.byScope[scope] {
		ids = append(ids, connID)
	}
	return ids
}

// Publish delivers an envelope to every connection subscribed to scope,
// except excludeConnID when non-empty. Failed writes are logged and
// skipped; one slow or dead subscriber never blocks the rest.
func (r *Router) Publish(scope string, envelope *types.Envelope, excludeConnID string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byScope[scope]))
	for connID := range r.byScope[scope] {
		if connID != excludeConnID {
			ids = append(ids, connID)
		}
	}
	r.mu.RUnlock()

	for _, connID := range ids {
		conn, exists := r.registry.Lookup(connID)
		if !exists {
			continue
		}
		if err := conn.WriteJSON(envelope); err != nil {
			log.Printf("Failed to deliver %s to %s on %s: %v", envelope.Type, connID, scope, err)
		}
	}
}

// removeLocked drops one (connID, scope) pair and cleans emptied sets.
// Caller holds the write lock.
func (r *Router) removeLocked(connID, scope string) {
	if conns, ok := r.byScope[scope]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byScope, scope)
		}
	}
	if scopes, ok := r.byConn[connID]; ok {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(r.byConn, connID)
		}
	}
}
