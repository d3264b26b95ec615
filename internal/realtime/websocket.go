package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketSession adapts a gorilla/websocket connection to the Session
// interface. Writes are serialised; the read loop belongs to the embedding
// server, which feeds inbound frames to the hub.
type WebSocketSession struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWebSocketSession wraps an upgraded connection.
func NewWebSocketSession(ws *websocket.Conn) *WebSocketSession {
	return &WebSocketSession{ws: ws}
}

// Send writes one text frame.
func (s *WebSocketSession) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close closes the underlying socket.
func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.Close()
}
