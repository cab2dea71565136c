package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/events"
)

// Websocket liveness tuning. Pings go out every tick; a connection that
// misses pongs for pongWait is considered dead.
const (
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 1 << 20
)

// handleSessionWS upgrades GET /ws/{session_id} and fans the session's
// event stream out to the connection until either side drops.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if sessionID == "" || rest != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	if _, ok := s.sessions.Get(sessionID); !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	user := auth.UsernameFromContext(r.Context())
	if user == "" {
		user = "operator"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	// Streams ride the server-lifetime context so Shutdown tears down
	// hijacked connections the HTTP server no longer manages.
	ctx, cancel := context.WithCancel(s.runCtx)
	stream := &sessionStream{
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	if s.metrics != nil {
		s.metrics.WSConnected("session")
		defer s.metrics.WSDisconnected("session")
	}
	s.logger.Debug("session stream opened", "session_id", sessionID, "user", user)

	sub := s.bus.Subscribe(sessionID, user, stream)
	defer s.bus.Unsubscribe(sub)

	stream.run()
	s.logger.Debug("session stream closed", "session_id", sessionID, "user", user)
}

// sessionStream adapts one websocket connection to the event bus.
type sessionStream struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Send implements events.Sender. It never blocks: a closed stream or a
// full queue reports the subscriber dead so the bus prunes it.
func (st *sessionStream) Send(p events.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	return st.enqueue(data)
}

func (st *sessionStream) enqueue(data []byte) error {
	select {
	case <-st.ctx.Done():
		return fmt.Errorf("stream closed")
	case st.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (st *sessionStream) run() {
	defer st.close()
	go st.writeLoop()
	st.readLoop()
}

func (st *sessionStream) close() {
	st.cancel()
	_ = st.conn.Close()
}

// readLoop exists for liveness only: it services pongs and the odd
// application-level ping. Anything else a client sends is ignored.
func (st *sessionStream) readLoop() {
	st.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = st.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := st.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			_ = st.enqueue([]byte(`{"type":"pong"}`)) //nolint:errcheck
		}
	}
}

func (st *sessionStream) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer func() {
		ticker.Stop()
		// Closing the conn unblocks readLoop, which finishes teardown.
		_ = st.conn.Close()
	}()

	for {
		select {
		case <-st.ctx.Done():
			return
		case msg := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := st.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
