package rooms

import (
	"sync"
	"testing"

	"proctorhub/internal/registry"
	"proctorhub/pkg/types"
)

// recordingConnection implements interfaces.Connection and records every
// envelope written to it.
type recordingConnection struct {
	id       string
	mu       sync.Mutex
	received []*types.Envelope
	failNext bool
}

func newRecordingConnection(id string) *recordingConnection {
	return &recordingConnection{id: id}
}

func (c *recordingConnection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return types.ErrUnknownPeer
	}
	if envelope, ok := v.(*types.Envelope); ok {
		c.received = append(c.received, envelope)
	}
	return nil
}

func (c *recordingConnection) messages() []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

func (c *recordingConnection) Close() error               { return nil }
func (c *recordingConnection) ID() string                 { return c.id }
func (c *recordingConnection) Role() string               { return types.RoleProctor }
func (c *recordingConnection) SessionID() string          { return "" }
func (c *recordingConnection) ExamID() string             { return "" }
func (c *recordingConnection) DeviceKind() string         { return "" }
func (c *recordingConnection) BindSession(_, _, _ string) {}

func setupRouter(t *testing.T, connIDs ...string) (*Router, map[string]*recordingConnection) {
	t.Helper()
	reg := registry.NewRegistry()
	router := NewRouter(reg)

	conns := make(map[string]*recordingConnection)
	for _, id := range connIDs {
		conn := newRecordingConnection(id)
		if err := reg.Register(conn); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
		conns[id] = conn
	}
	return router, conns
}

func TestRouter_PublishToSubscribers(t *testing.T) {
	router, conns := setupRouter(t, "p1", "p2", "outsider")
	router.Subscribe("p1", SessionScope("s1"))
	router.Subscribe("p2", SessionScope("s1"))

	envelope, _ := types.NewEnvelope(types.MessageAlert, map[string]string{"id": "a1"})
	router.Publish(SessionScope("s1"), envelope, "")

	if got := len(conns["p1"].messages()); got != 1 {
		t.Errorf("p1 received %d messages, want 1", got)
	}
	if got := len(conns["p2"].messages()); got != 1 {
		t.Errorf("p2 received %d messages, want 1", got)
	}
	if got := len(conns["outsider"].messages()); got != 0 {
		t.Errorf("outsider received %d messages, want 0", got)
	}
}

func TestRouter_PublishExcludesSender(t *testing.T) {
	router, conns := setupRouter(t, "device", "proctor")
	router.Subscribe("device", ExamScope("e1"))
	router.Subscribe("proctor", ExamScope("e1"))

	envelope, _ := types.NewEnvelope(types.MessageStreamReady, map[string]string{})
	router.Publish(ExamScope("e1"), envelope, "device")

	if got := len(conns["device"].messages()); got != 0 {
		t.Errorf("excluded sender received %d messages, want 0", got)
	}
	if got := len(conns["proctor"].messages()); got != 1 {
		t.Errorf("proctor received %d messages, want 1", got)
	}
}

func TestRouter_SubscribeIdempotent(t *testing.T) {
	router, conns := setupRouter(t, "p1")
	router.Subscribe("p1", GlobalAlertScope)
	router.Subscribe("p1", GlobalAlertScope)

	envelope, _ := types.NewEnvelope(types.MessageAlert, map[string]string{})
	router.Publish(GlobalAlertScope, envelope, "")

	if got := len(conns["p1"].messages()); got != 1 {
		t.Errorf("double subscribe caused %d deliveries, want 1", got)
	}
}

func TestRouter_UnsubscribeAll(t *testing.T) {
	router, conns := setupRouter(t, "p1", "p2")
	router.Subscribe("p1", SessionScope("s1"))
	router.Subscribe("p1", ExamScope("e1"))
	router.Subscribe("p1", GlobalAlertScope)
	router.Subscribe("p2", SessionScope("s1"))

	router.UnsubscribeAll("p1")

	if got := len(router.Scopes("p1")); got != 0 {
		t.Errorf("Scopes after UnsubscribeAll = %d, want 0", got)
	}

	envelope, _ := types.NewEnvelope(types.MessageAlert, map[string]string{})
	router.Publish(SessionScope("s1"), envelope, "")
	router.Publish(GlobalAlertScope, envelope, "")

	if got := len(conns["p1"].messages()); got != 0 {
		t.Errorf("unsubscribed connection received %d messages, want 0", got)
	}
	if got := len(conns["p2"].messages()); got != 1 {
		t.Errorf("p2 received %d messages, want 1", got)
	}
}

func TestRouter_PublishSkipsFailedWrites(t *testing.T) {
	router, conns := setupRouter(t, "dead", "alive")
	router.Subscribe("dead", SessionScope("s1"))
	router.Subscribe("alive", SessionScope("s1"))
	conns["dead"].failNext = true

	envelope, _ := types.NewEnvelope(types.MessageAlert, map[string]string{})
	router.Publish(SessionScope("s1"), envelope, "")

	if got := len(conns["alive"].messages()); got != 1 {
		t.Errorf("healthy subscriber received %d messages, want 1", got)
	}
}

func TestRouter_PublishToUnknownScopeIsNoop(t *testing.T) {
	router, _ := setupRouter(t)
	envelope, _ := types.NewEnvelope(types.MessageAlert, map[string]string{})
	router.Publish(SessionScope("ghost"), envelope, "")
}

func TestScopeNames(t *testing.T) {
	if got := ExamScope("e1"); got != "exam:e1" {
		t.Errorf("ExamScope = %q, want exam:e1", got)
	}
	if got := SessionScope("s1"); got != "session:s1" {
		t.Errorf("SessionScope = %q, want session:s1", got)
	}
}
