package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/coderunner/internal/stream"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the service sits behind the caller's own auth
	},
}

// handleExecuteWS runs one request per connection. The client sends the
// request as its first message and receives each event as a text message,
// then a close frame after the terminal record.
func (s *Server) handleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	var body executeRequest
	if err := conn.ReadJSON(&body); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug("websocket read", "error", err)
			wsReject(conn, "invalid JSON: "+err.Error())
		}
		return
	}

	req := body.toRequest()
	if err := s.runner.Validate(req); err != nil {
		wsReject(conn, err.Error())
		return
	}

	sink := &wsSink{conn: conn}
	s.execute(r, req, "websocket", sink)
	sink.close(websocket.CloseNormalClosure, "")
}

// wsReject reports a rejected request and closes the connection.
func wsReject(conn *websocket.Conn, msg string) {
	sink := &wsSink{conn: conn}
	sink.Emit(stream.Failure(msg))
	sink.close(websocket.ClosePolicyViolation, msg)
}

// wsSink writes events as WebSocket text messages.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	done bool
}

func (s *wsSink) Emit(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return stream.ErrTerminated
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Terminal() {
		s.done = true
	}

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	// Close reasons are limited to 123 bytes.
	if len(text) > 123 {
		text = text[:123]
	}
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
