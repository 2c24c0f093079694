package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking belongs to the deployment's reverse proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// MessageSink receives connection lifecycle notifications and decoded
// envelopes from the transport. Satisfied by the hub.
type MessageSink interface {
	Connect(conn interfaces.Connection) error
	Disconnect(conn interfaces.Connection) error
	Submit(conn interfaces.Connection, envelope *types.Envelope) error
}

// Handler upgrades HTTP requests to WebSocket connections and pumps
// decoded envelopes into the sink. It owns nothing past the transport
// boundary; roles, sessions and routing are the hub's problem.
type Handler struct {
	sink MessageSink
	cfg  *Config
}

// NewHandler creates a WebSocket handler feeding the given sink. A nil
// cfg uses the transport defaults.
func NewHandler(sink MessageSink, cfg *Config) *Handler {
	return &Handler{sink: sink, cfg: cfg.withDefaults()}
}

// HandleWebSocket validates query parameters, upgrades the socket, and
// hands the connection to the hub. Validation happens before the upgrade
// so bad requests get a proper HTTP status instead of a dropped socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if !types.IsValidRole(role) {
		http.Error(w, "Invalid role: must be 'student-device' or 'proctor'", http.StatusBadRequest)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" && !types.IsValidID(sessionID) {
		http.Error(w, "Invalid session_id format", http.StatusBadRequest)
		return
	}

	examID := r.URL.Query().Get("exam_id")
	if examID != "" && !types.IsValidID(examID) {
		http.Error(w, "Invalid exam_id format", http.StatusBadRequest)
		return
	}

	deviceKind := r.URL.Query().Get("device_kind")
	if deviceKind != "" && !types.IsValidDeviceKind(deviceKind) {
		http.Error(w, "Invalid device_kind: must be 'primary' or 'secondary'", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// Connection ids are server-assigned; clients address each other only
	// through ids learned from hub announcements.
	wsConn := NewConnection(conn, uuid.New().String(), role, h.cfg)
	if sessionID != "" || examID != "" {
		wsConn.BindSession(sessionID, examID, deviceKind)
	}

	if err := h.sink.Connect(wsConn); err != nil {
		log.Printf("Failed to register connection %s: %v", wsConn.ID(), err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one connection.
// The read deadline paired with periodic pings detects dead clients; a
// proctoring session must not show a frozen stream as live.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.sink.Disconnect(conn); err != nil {
			log.Printf("Failed to deregister connection %s: %v", conn.ID(), err)
		}
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	conn.conn.SetReadLimit(128 * 1024)

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", conn.ID(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("Malformed message from %s: %v", conn.ID(), err)
			continue
		}

		// Unknown types still go to the hub, which answers with an error
		// envelope on this connection only.
		if err := h.sink.Submit(conn, &envelope); err != nil {
			log.Printf("Failed to submit message from %s: %v", conn.ID(), err)
		}
	}
}
