package ws

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests to websockets and hands each one to the
// hub under a fresh connection identity. Authentication happens in-band
// via the login frame, so the upgrade itself is open.
type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, uuid.NewString())
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection closed: %v", err)
	}
}
