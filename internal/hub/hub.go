package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"proctorhub/internal/lifecycle"
	"proctorhub/internal/pipeline"
	"proctorhub/internal/registry"
	"proctorhub/internal/relay"
	"proctorhub/internal/rooms"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// inbound pairs a decoded envelope with the connection it arrived on.
type inbound struct {
	conn     interfaces.Connection
	envelope *types.Envelope
}

// Hub is the single logical event loop for the proctoring core. All
// inbound messages, connects and disconnects funnel through one run
// goroutine and an explicit dispatch table, so handler logic never races
// with itself. Per-session serialization below this layer lives in the
// session store's per-session locks.
type Hub struct {
	messageChannel    chan *inbound
	registerChannel   chan interfaces.Connection
	unregisterChannel chan interfaces.Connection
	shutdownChannel   chan struct{}

	registry   *registry.Registry
	rooms      *rooms.Router
	relay      *relay.Relay
	sessions   *session.Store
	pipeline   *pipeline.Pipeline
	controller *lifecycle.Controller

	dispatch map[string]func(context.Context, interfaces.Connection, json.RawMessage) error

	running bool
	mu      sync.RWMutex
}

// NewHub wires the hub's components and builds the dispatch table.
func NewHub(reg *registry.Registry, roomRouter *rooms.Router, sigRelay *relay.Relay,
	sessions *session.Store, pipe *pipeline.Pipeline, controller *lifecycle.Controller) *Hub {

	h := &Hub{
		messageChannel:    make(chan *inbound, 1000),
		registerChannel:   make(chan interfaces.Connection, 100),
		unregisterChannel: make(chan interfaces.Connection, 100),
		shutdownChannel:   make(chan struct{}),
		registry:          reg,
		rooms:             roomRouter,
		relay:             sigRelay,
		sessions:          sessions,
		pipeline:          pipe,
		controller:        controller,
	}

	h.dispatch = map[string]func(context.Context, interfaces.Connection, json.RawMessage) error{
		types.MessageJoinSession:     h.handleJoinSession,
		types.MessageDeviceAttach:    h.handleDeviceAttach,
		types.MessageRequestStream:   h.handleRequestStream,
		types.MessageOffer:           h.handleSignal(types.MessageOffer),
		types.MessageAnswer:          h.handleSignal(types.MessageAnswer),
		types.MessageICECandidate:    h.handleSignal(types.MessageICECandidate),
		types.MessageBehavioralEvent: h.handleBehavioralEvent,
		types.MessageProctorAction:   h.handleProctorAction,
		types.MessageStreamUpdate:    h.handleStreamUpdate,
	}

	return h
}

// Start begins hub processing. A stopped hub can be started again; each
// start gets a fresh shutdown channel so the previous stop doesn't bleed
// into the new run loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	shutdown := h.shutdownChannel
	h.mu.Unlock()

	log.Println("Starting proctoring hub...")
	go h.run(ctx, shutdown)

	return nil
}

// Stop shuts the hub down.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping proctoring hub...")
	close(h.shutdownChannel)

	return nil
}

// Connect queues a new connection for registration.
func (h *Hub) Connect(conn interfaces.Connection) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.registerChannel <- conn:
		return nil
	default:
		return ErrRegisterChannelFull
	}
}

// Disconnect queues a connection for cleanup.
func (h *Hub) Disconnect(conn interfaces.Connection) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.unregisterChannel <- conn:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

// Submit queues an inbound envelope for dispatch.
func (h *Hub) Submit(conn interfaces.Connection, envelope *types.Envelope) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.messageChannel <- &inbound{conn: conn, envelope: envelope}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// run is the hub's event loop.
func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}) {
	defer log.Println("Hub processing stopped")

	cleanupTicker := time.NewTicker(5 * time.Minute)
	defer cleanupTicker.Stop()

	for {
		select {
		case msg := <-h.messageChannel:
			h.handleMessage(ctx, msg)

		case conn := <-h.registerChannel:
			h.handleConnect(conn)

		case conn := <-h.unregisterChannel:
			h.handleDisconnect(conn)

		case <-cleanupTicker.C:
			h.pipeline.CleanupStale()

		case <-shutdown:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// handleMessage dispatches one envelope. Handler errors are converted
// into an error envelope back to the offending connection only; they
// never cross sessions or crash the hub.
func (h *Hub) handleMessage(ctx context.Context, msg *inbound) {
	handler, ok := h.dispatch[msg.envelope.Type]
	if !ok {
		h.sendError(msg.conn, "invalid_message", types.ErrInvalidMessageType)
		return
	}

	if err := handler(ctx, msg.conn, msg.envelope.Payload); err != nil {
		log.Printf("Message handling failed: type=%s conn=%s err=%v",
			msg.envelope.Type, msg.conn.ID(), err)
		h.sendError(msg.conn, errorCode(err), err)
	}
}

func (h *Hub) handleConnect(conn interfaces.Connection) {
	if conn == nil {
		log.Printf("Attempted to register nil connection")
		return
	}

	if err := h.registry.Register(conn); err != nil {
		log.Printf("Connection registration failed for %s: %v", conn.ID(), err)
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("Failed to close connection after registration failure: %v", closeErr)
		}
		return
	}

	// Every proctor watches the global alert feed from the moment it
	// connects; exam/session scopes come later via join-session.
	if conn.Role() == types.RoleProctor {
		h.rooms.Subscribe(conn.ID(), rooms.GlobalAlertScope)
	}

	log.Printf("Connection registered: conn=%s role=%s", conn.ID(), conn.Role())
}

// handleDisconnect treats a dropped transport as implicit cancellation of
// everything the connection was doing. The registry is the source of
// truth for what needs cleanup: unregister, leave all rooms, release the
// device binding (owner-guarded, so a reconnect that already replaced the
// binding is untouched), then tell the session's watchers.
func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	info, registered := h.registry.Info(conn.ID())
	h.registry.Unregister(conn)
	h.rooms.UnsubscribeAll(conn.ID())

	if !registered {
		return
	}

	log.Printf("Connection deregistered: conn=%s role=%s", info.ConnectionID, info.Role)

	if info.Role != types.RoleStudentDevice || info.SessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.sessions.DetachDevice(ctx, info.SessionID, info.DeviceKind, info.ConnectionID); err != nil {
		if !errors.Is(err, types.ErrSessionNotFound) {
			log.Printf("Device detach failed: session=%s conn=%s err=%v", info.SessionID, info.ConnectionID, err)
		}
	}

	envelope, err := types.NewEnvelope(types.MessagePeerDisconnected, &types.PeerDisconnectedPayload{
		ConnectionID: info.ConnectionID,
		SessionID:    info.SessionID,
		DeviceKind:   info.DeviceKind,
	})
	if err != nil {
		log.Printf("Failed to build peer-disconnected for %s: %v", info.ConnectionID, err)
		return
	}

	h.rooms.Publish(rooms.SessionScope(info.SessionID), envelope, "")
	if info.ExamID != "" {
		h.rooms.Publish(rooms.ExamScope(info.ExamID), envelope, "")
	}
}

// handleJoinSession subscribes a connection to a session's broadcast
// scope (and the owning exam's, so proctors joining a session also learn
// about new streams under the same exam).
func (h *Hub) handleJoinSession(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.JoinSessionPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}

	h.rooms.Subscribe(conn.ID(), rooms.SessionScope(sess.ID))
	h.rooms.Subscribe(conn.ID(), rooms.ExamScope(sess.ExamID))

	if conn.Role() == types.RoleProctor {
		conn.BindSession(sess.ID, sess.ExamID, "")
		return h.registry.Register(conn)
	}
	return nil
}

// handleDeviceAttach registers a capture device against a session and
// announces the stream to every proctor watching the exam.
func (h *Hub) handleDeviceAttach(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.DeviceAttachPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if conn.Role() != types.RoleStudentDevice {
		return ErrProctorCannotAttach
	}

	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}
	if sess.ExamID != p.ExamID {
		return ErrExamMismatch
	}

	if _, err := h.sessions.AttachDevice(ctx, p.SessionID, p.DeviceKind, conn.ID()); err != nil {
		return err
	}

	conn.BindSession(p.SessionID, p.ExamID, p.DeviceKind)
	if err := h.registry.Register(conn); err != nil {
		return err
	}

	h.rooms.Subscribe(conn.ID(), rooms.SessionScope(p.SessionID))
	h.rooms.Subscribe(conn.ID(), rooms.ExamScope(p.ExamID))

	envelope, err := types.NewEnvelope(types.MessageStreamReady, &types.StreamReadyPayload{
		SessionID:          p.SessionID,
		StudentID:          sess.StudentID,
		DeviceConnectionID: conn.ID(),
		DeviceKind:         p.DeviceKind,
	})
	if err != nil {
		return err
	}

	h.rooms.Publish(rooms.ExamScope(p.ExamID), envelope, conn.ID())
	return nil
}

// handleRequestStream forwards a proctor's wish to view a stream to the
// named device connection; the device answers with a negotiation offer
// relayed back through the signaling path.
func (h *Hub) handleRequestStream(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.RequestStreamPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	target, exists := h.registry.Lookup(p.TargetConnectionID)
	if !exists {
		return types.ErrUnknownPeer
	}

	envelope, err := types.NewEnvelope(types.MessageStreamRequested, &types.StreamRequestedPayload{
		FromConnectionID: conn.ID(),
	})
	if err != nil {
		return err
	}

	if err := target.WriteJSON(envelope); err != nil {
		return types.ErrUnknownPeer
	}
	return nil
}

// handleSignal builds the relay handler for one negotiation kind.
func (h *Hub) handleSignal(kind string) func(context.Context, interfaces.Connection, json.RawMessage) error {
	return func(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
		var p types.SignalPayload
		if err := decode(payload, &p); err != nil {
			return err
		}
		return h.relay.Forward(conn.ID(), p.ToConnectionID, kind, p.Data)
	}
}

// handleBehavioralEvent runs a device-reported event through the
// pipeline.
func (h *Hub) handleBehavioralEvent(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.BehavioralEventPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if !h.pipeline.Allow(conn.ID()) {
		return ErrRateLimitExceeded
	}

	_, _, err := h.pipeline.Ingest(ctx, p.SessionID, p.EventType, p.Severity, p.Payload)
	return err
}

// handleProctorAction runs a manual action through the pipeline and, for
// warnings, notifies the targeted student device directly.
func (h *Hub) handleProctorAction(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.ProctorActionPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if conn.Role() != types.RoleProctor {
		return ErrNotAProctor
	}

	if _, err := h.pipeline.ProctorAction(ctx, conn.ID(), p.SessionID, p.Action, p.Message); err != nil {
		return err
	}

	if p.Action == types.ActionWarn && p.StudentConnectionID != "" {
		if target, exists := h.registry.Lookup(p.StudentConnectionID); exists {
			envelope, err := types.NewEnvelope(types.MessageProctorNotice, &types.ProctorNoticePayload{
				Action:  p.Action,
				Message: p.Message,
			})
			if err != nil {
				return err
			}
			if err := target.WriteJSON(envelope); err != nil {
				log.Printf("Failed to deliver warning to %s: %v", p.StudentConnectionID, err)
			}
		}
	}

	return nil
}

// handleStreamUpdate records a device's stream state and tells the
// session's watchers.
func (h *Hub) handleStreamUpdate(ctx context.Context, conn interfaces.Connection, payload json.RawMessage) error {
	var p types.StreamUpdatePayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if err := h.sessions.SetStreamActive(ctx, p.SessionID, p.DeviceKind, conn.ID(), p.Active); err != nil {
		return err
	}

	envelope, err := types.NewEnvelope(types.MessageStreamUpdate, &p)
	if err != nil {
		return err
	}

	h.rooms.Publish(rooms.SessionScope(p.SessionID), envelope, conn.ID())
	return nil
}

// sendError reports a handler failure to the offending connection only.
func (h *Hub) sendError(conn interfaces.Connection, code string, cause error) {
	envelope, err := types.NewEnvelope(types.MessageError, &types.ErrorPayload{
		Code:      code,
		Message:   cause.Error(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := conn.WriteJSON(envelope); err != nil {
		log.Printf("Failed to send error to %s: %v", conn.ID(), err)
	}
}

// errorCode maps the error taxonomy to stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, types.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, types.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, types.ErrInvalidMessageType),
		errors.Is(err, types.ErrInvalidDeviceKind),
		errors.Is(err, types.ErrInvalidSeverity),
		errors.Is(err, types.ErrInvalidAction),
		errors.Is(err, types.ErrMissingSessionID),
		errors.Is(err, types.ErrMissingExamID),
		errors.Is(err, types.ErrMissingTarget),
		errors.Is(err, types.ErrPayloadTooLarge):
		return "invalid_message"
	default:
		return "internal_error"
	}
}

// validatable lets decode run boundary validation on every payload type
// uniformly.
type validatable interface {
	Validate() error
}

func decode(payload json.RawMessage, into validatable) error {
	if err := json.Unmarshal(payload, into); err != nil {
		return types.ErrInvalidMessageType
	}
	return into.Validate()
}
