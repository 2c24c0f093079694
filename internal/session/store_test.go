package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"proctorhub/pkg/types"
)

// mockStore implements interfaces.Store for session store tests.
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	bindings map[string]map[string]*types.DeviceBinding

	failCreate bool
	failUpdate bool
	failUpsert bool
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]*types.Session),
		bindings: make(map[string]map[string]*types.DeviceBinding),
	}
}

func (m *mockStore) CreateSession(ctx context.Context, session *types.Session) error {
	if m.failCreate {
		return errors.New("create failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, types.ErrSessionNotFound
	}
	copied := *session
	copied.Devices = make(map[string]*types.DeviceBinding)
	return &copied, nil
}

func (m *mockStore) UpdateSession(ctx context.Context, session *types.Session) error {
	if m.failUpdate {
		return errors.New("update failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; !exists {
		return types.ErrSessionNotFound
	}
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Session
	for _, session := range m.sessions {
		copied := *session
		copied.Devices = make(map[string]*types.DeviceBinding)
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockStore) UpsertDeviceBinding(ctx context.Context, sessionID string, binding *types.DeviceBinding) error {
	if m.failUpsert {
		return errors.New("upsert failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[sessionID] == nil {
		m.bindings[sessionID] = make(map[string]*types.DeviceBinding)
	}
	copied := *binding
	m.bindings[sessionID][binding.Kind] = &copied
	return nil
}

func (m *mockStore) AppendEvent(ctx context.Context, event *types.Event) error { return nil }
func (m *mockStore) AppendAlert(ctx context.Context, alert *types.Alert) error { return nil }
func (m *mockStore) ListAlerts(ctx context.Context, sessionID string) ([]*types.Alert, error) {
	return nil, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

func newTestStore(t *testing.T) (*Store, *mockStore) {
	t.Helper()
	db := newMockStore()
	return NewStore(db), db
}

func createTestSession(t *testing.T, store *Store) *types.Session {
	t.Helper()
	session, err := store.Create(context.Background(), "exam-1", "student-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return session
}

func TestStore_CreateSession(t *testing.T) {
	store, db := newTestStore(t)
	session := createTestSession(t, store)

	if session.Status != types.StatusPending {
		t.Errorf("new session status = %q, want pending", session.Status)
	}
	if session.ID == "" {
		t.Error("new session has empty id")
	}

	db.mu.Lock()
	_, persisted := db.sessions[session.ID]
	db.mu.Unlock()
	if !persisted {
		t.Error("session was not persisted")
	}
}

func TestStore_CreateValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "", "student-1"); !errors.Is(err, types.ErrMissingExamID) {
		t.Errorf("Create without exam = %v, want ErrMissingExamID", err)
	}
	if _, err := store.Create(ctx, "exam-1", "bad id!"); !errors.Is(err, ErrInvalidStudentID) {
		t.Errorf("Create with bad student id = %v, want ErrInvalidStudentID", err)
	}
}

func TestStore_CreatePersistFailureLeavesNoTrace(t *testing.T) {
	store, db := newTestStore(t)
	db.failCreate = true

	if _, err := store.Create(context.Background(), "exam-1", "student-1"); err == nil {
		t.Fatal("Create should fail when persistence fails")
	}
	if got := len(store.List()); got != 0 {
		t.Errorf("store caches %d sessions after failed create, want 0", got)
	}
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)

	snap1, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	snap1.Status = "tampered"
	snap1.Devices["primary"] = &types.DeviceBinding{Kind: "primary"}

	snap2, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap2.Status != types.StatusPending {
		t.Error("mutating a snapshot leaked into the store")
	}
	if len(snap2.Devices) != 0 {
		t.Error("mutating a snapshot's devices leaked into the store")
	}
}

func TestStore_GetUnknownSession(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get("ghost"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Get unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_AttachDeviceReplacesBinding(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-old"); err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-new"); err != nil {
		t.Fatalf("re-AttachDevice failed: %v", err)
	}

	got, _ := store.Get(session.ID)
	if len(got.Devices) != 1 {
		t.Fatalf("session has %d bindings, want 1", len(got.Devices))
	}
	if got.Devices[types.DeviceKindPrimary].ConnectionID != "conn-new" {
		t.Errorf("binding owner = %q, want conn-new",
			got.Devices[types.DeviceKindPrimary].ConnectionID)
	}
}

func TestStore_AttachBothKinds(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "laptop"); err != nil {
		t.Fatalf("AttachDevice primary failed: %v", err)
	}
	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindSecondary, "phone"); err != nil {
		t.Fatalf("AttachDevice secondary failed: %v", err)
	}

	got, _ := store.Get(session.ID)
	if len(got.Devices) != 2 {
		t.Errorf("session has %d bindings, want 2", len(got.Devices))
	}
}

func TestStore_AttachDeviceRollsBackOnPersistFailure(t *testing.T) {
	store, db := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	// A failed first attach must leave no binding at all.
	db.failUpsert = true
	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err == nil {
		t.Fatal("AttachDevice should fail when persistence fails")
	}
	got, _ := store.Get(session.ID)
	if binding, exists := got.Devices[types.DeviceKindPrimary]; exists {
		t.Fatalf("binding present in memory after failed persist: owner=%s", binding.ConnectionID)
	}

	// A failed replacement must keep the previous owner.
	db.failUpsert = false
	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	db.failUpsert = true
	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-2"); err == nil {
		t.Fatal("re-AttachDevice should fail when persistence fails")
	}

	got, _ = store.Get(session.ID)
	if got.Devices[types.DeviceKindPrimary].ConnectionID != "conn-1" {
		t.Errorf("binding owner = %q after failed persist, want conn-1",
			got.Devices[types.DeviceKindPrimary].ConnectionID)
	}
}

func TestStore_DetachDeviceKeepsStateOnPersistFailure(t *testing.T) {
	store, db := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	if err := store.SetStreamActive(ctx, session.ID, types.DeviceKindPrimary, "conn-1", true); err != nil {
		t.Fatalf("SetStreamActive failed: %v", err)
	}

	db.failUpsert = true
	if err := store.DetachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err == nil {
		t.Fatal("DetachDevice should fail when persistence fails")
	}

	got, _ := store.Get(session.ID)
	binding := got.Devices[types.DeviceKindPrimary]
	if !binding.StreamActive {
		t.Error("binding marked inactive in memory despite failed persist")
	}
}

func TestStore_StaleDetachIgnored(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-new"); err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}

	// Old connection's late disconnect must not clobber the new binding.
	if err := store.DetachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-old"); err != nil {
		t.Fatalf("stale DetachDevice returned error: %v", err)
	}

	got, _ := store.Get(session.ID)
	binding := got.Devices[types.DeviceKindPrimary]
	if binding.ConnectionID != "conn-new" {
		t.Errorf("binding owner = %q, want conn-new", binding.ConnectionID)
	}
}

func TestStore_DetachMarksInactiveKeepsBinding(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	if err := store.SetStreamActive(ctx, session.ID, types.DeviceKindPrimary, "conn-1", true); err != nil {
		t.Fatalf("SetStreamActive failed: %v", err)
	}
	if err := store.DetachDevice(ctx, session.ID, types.DeviceKindPrimary, "conn-1"); err != nil {
		t.Fatalf("DetachDevice failed: %v", err)
	}

	got, _ := store.Get(session.ID)
	binding, exists := got.Devices[types.DeviceKindPrimary]
	if !exists {
		t.Fatal("binding removed on detach; it should survive until session end")
	}
	if binding.StreamActive {
		t.Error("binding still marked stream-active after detach")
	}
}

func TestStore_UpdateStatusEnforcesTable(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	updated, err := store.UpdateStatus(ctx, session.ID, types.StatusActive)
	if err != nil {
		t.Fatalf("pending -> active failed: %v", err)
	}
	if updated.StartedAt == nil {
		t.Error("StartedAt not set on first activation")
	}

	if _, err := store.UpdateStatus(ctx, session.ID, types.StatusCompleted); err != nil {
		t.Fatalf("active -> completed failed: %v", err)
	}

	// Terminal state admits nothing.
	if _, err := store.UpdateStatus(ctx, session.ID, types.StatusActive); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("completed -> active = %v, want ErrInvalidTransition", err)
	}

	got, _ := store.Get(session.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("status after rejected transition = %q, want completed", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set on completion")
	}
}

func TestStore_UpdateStatusRollsBackOnPersistFailure(t *testing.T) {
	store, db := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	db.failUpdate = true
	if _, err := store.UpdateStatus(ctx, session.ID, types.StatusActive); err == nil {
		t.Fatal("UpdateStatus should fail when persistence fails")
	}
	db.failUpdate = false

	got, _ := store.Get(session.ID)
	if got.Status != types.StatusPending {
		t.Errorf("in-memory status = %q after failed persist, want pending", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt set despite failed persist")
	}
}

func TestStore_LoadSessions(t *testing.T) {
	db := newMockStore()
	db.sessions["s1"] = &types.Session{ID: "s1", ExamID: "e1", StudentID: "st1", Status: types.StatusActive}

	store := NewStore(db)
	if err := store.LoadSessions(context.Background()); err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get after load failed: %v", err)
	}
	if got.Status != types.StatusActive {
		t.Errorf("loaded status = %q, want active", got.Status)
	}
}

func TestStore_ConcurrentAttachDetachSingleBinding(t *testing.T) {
	store, _ := newTestStore(t)
	session := createTestSession(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := "conn-a"
			if n%2 == 1 {
				connID = "conn-b"
			}
			_, _ = store.AttachDevice(ctx, session.ID, types.DeviceKindPrimary, connID)
			_ = store.DetachDevice(ctx, session.ID, types.DeviceKindPrimary, connID)
		}(i)
	}
	wg.Wait()

	got, _ := store.Get(session.ID)
	if len(got.Devices) != 1 {
		t.Errorf("session has %d primary bindings after churn, want 1", len(got.Devices))
	}
}
