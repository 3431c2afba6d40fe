// Package events streams coordinator activity (handoff results, region
// health transitions) to websocket observers, best-effort.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Hub fans every emitted event out to all connected sessions. A dead
// session is dropped on its first failed write.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]bool
	logger   *slog.Logger
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(env envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[*session]bool), logger: logger}
}

func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[&session{conn: conn}] = true
}

// Emit delivers the event to every observer. Observability traffic never
// blocks the coordinator, so failed sessions are just closed.
func (h *Hub) Emit(event string, payload any) {
	env := envelope{Event: event, At: time.Now().UTC(), Payload: payload}
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if err := s.send(env); err != nil {
			h.logger.Debug("ws_send_failed", "error", err)
			_ = s.conn.Close()
			h.mu.Lock()
			delete(h.sessions, s)
			h.mu.Unlock()
		}
	}
}
