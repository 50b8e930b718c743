package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/relay"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // control commands carry their own auth code
	},
}

// wsMember is one WebSocket client of the relay hub.
type wsMember struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time
}

func (m *wsMember) ID() string {
	return m.id
}

func (m *wsMember) Send(ev relay.Event) error {
	return m.write(ev)
}

func (m *wsMember) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// wsOutgoing is a relay-level reply that is not an execution event.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	m := &wsMember{id: uuid.NewString(), conn: conn}
	defer s.hub.Leave(m)

	logger := s.logger.With(zap.String("member", m.id))
	logger.Debug("relay member connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("relay member disconnected")
			} else {
				logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd relay.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			m.write(wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		s.hub.Handle(m, cmd)
	}
}
