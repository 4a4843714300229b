package server

import (
	"fmt"
	"log"
	"net/http"
)

// Server is the optional HTTP+WebSocket diagnostics endpoint. It is
// off by default and has no write path into the modem.
type Server struct {
	mux      *http.ServeMux
	handlers *Handlers
	addr     string
}

// NewServer builds a diagnostics server bound to addr.
func NewServer(addr string, handlers *Handlers) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		handlers: handlers,
		addr:     addr,
	}
	s.mux.HandleFunc("/api/status", s.handlers.HandleStatus)
	s.mux.HandleFunc("/ws", s.handlers.HandleWebSocket)
	return s
}

// Start runs the diagnostics server until it fails or the process exits.
func (s *Server) Start() error {
	log.Printf("diagnostics: listening on %s", s.addr)
	fmt.Printf("diagnostics endpoint: http://%s/api/status\n", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}
