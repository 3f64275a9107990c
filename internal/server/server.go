// Package server runs the gateway's loopback HTTP listener.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server is a loopback-only HTTP server. Listen and Serve are separate steps
// because the handler needs the bound port for socket-based caller
// verification, and an OS-assigned port is only known after binding.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// New creates a server for the given port. port 0 asks the OS for one.
func New(port int) *Server {
	return &Server{port: port}
}

// Listen binds the listener. Binding is loopback only: exposing the
// credential surface to the network would defeat socket-based caller
// identification.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve begins serving the handler in the background. Listen must have
// succeeded first.
func (s *Server) Serve(handler http.Handler) {
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		_ = s.server.Serve(s.listener) // Serve blocks until Shutdown is called
	}()
}

// Addr returns the listening address (host:port).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound port number.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.port
	}
	tcpAddr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return s.port
	}
	return tcpAddr.Port
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
