package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// WebSocket message types for the session progress protocol
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeProgress = "progress"
	MsgTypeComplete = "complete"
	MsgTypeError    = "error"
	MsgTypePong     = "pong"
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket completion payload
type WSCompletePayload struct {
	SessionID   string            `json:"sessionId"`
	ResultCount int               `json:"resultCount"`
	Failures    map[string]string `json:"failures,omitempty"`
}

// WebSocket error payload
type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler streams session progress to WebSocket clients
type WebSocketHandler struct {
	sessionMgr SessionManager
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket progress handler
func NewWebSocketHandler(sessionMgr SessionManager, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger: log,
	}
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// HandleWebSocket upgrades the connection and pushes a progress message for
// every change of the session, plus a complete message at the end of each run.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	id := c.Param("sessionId")
	orch, ok := wsh.sessionMgr.Orchestrator(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := &wsConn{ws: ws}
	defer ws.Close()

	log := wsh.logger.With(zap.String("sessionId", id))
	log.Debug("websocket connected")

	updates, cancel := orch.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go wsh.readLoop(conn, log, closed)

	sess, ok := wsh.sessionMgr.Get(id)
	if !ok {
		wsh.sendError(conn, "session not found: "+id, "SESSION_NOT_FOUND")
		return nil
	}
	wsh.sendMessage(conn, id, MsgTypeProgress, sess)

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	last := sess
	for {
		select {
		case <-updates:
		case <-ticker.C:
		case <-closed:
			log.Debug("websocket closed")
			return nil
		}

		sess, ok := wsh.sessionMgr.Get(id)
		if !ok {
			wsh.sendError(conn, "session deleted: "+id, "SESSION_NOT_FOUND")
			return nil
		}
		if sameProgress(last, sess) {
			continue
		}
		wsh.sendMessage(conn, id, MsgTypeProgress, sess)

		if sess.CompletedRuns > last.CompletedRuns {
			wsh.sendMessage(conn, id, MsgTypeComplete, WSCompletePayload{
				SessionID:   id,
				ResultCount: sess.ResultCount,
				Failures:    sess.Failures,
			})
		}
		last = sess
	}
}

// readLoop answers pings until the client goes away.
func (wsh *WebSocketHandler) readLoop(conn *wsConn, log *zap.Logger, closed chan<- struct{}) {
	defer close(closed)
	for {
		var msg WSMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgTypePing:
			conn.write(log, WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()})
		default:
			wsh.sendError(conn, "Unknown message type: "+msg.Type, "INVALID_TYPE")
		}
	}
}

func (wsh *WebSocketHandler) sendMessage(conn *wsConn, id, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		wsh.logger.Error("failed to encode websocket payload", zap.Error(err))
		return
	}
	conn.write(wsh.logger, WSMessage{
		Type:      msgType,
		ID:        id,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (wsh *WebSocketHandler) sendError(conn *wsConn, message, code string) {
	wsh.sendMessage(conn, "", MsgTypeError, WSErrorPayload{Message: message, Code: code})
}

func (c *wsConn) write(log *zap.Logger, msg WSMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Debug("failed to send websocket message", zap.String("type", msg.Type), zap.Error(err))
	}
}
