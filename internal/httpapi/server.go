package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parley/internal/directory"
	"parley/internal/filestore"
	"parley/internal/storage"
	"parley/internal/ws"
)

// Server hosts the websocket endpoint and the file upload/download API on
// one listener.
type Server struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(hub *ws.Hub, dir *directory.Directory, store *storage.BboltStorage, files filestore.Store, addr string, maxUpload int64) *Server {
	wsServer := ws.NewServer(hub)
	handlers := NewHandlers(dir, store, files, hub, maxUpload)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleConnections)
	mux.HandleFunc("POST /api/files", handlers.UploadFileHandler)
	mux.HandleFunc("GET /api/files/{id}", handlers.DownloadFileHandler)

	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
