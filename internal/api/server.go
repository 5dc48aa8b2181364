// Package api serves the protocol layer over HTTP. Every method goes
// through POST /rpc so the three front ends stay behaviorally identical.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dtk/internal/protocol"
)

// maxRequestBody caps an /rpc request body at 1MB, matching the RPC
// transport's message cap.
const maxRequestBody = 1024 * 1024

// Server is the HTTP front end.
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	addr    string
	service *protocol.Service
	logger  *slog.Logger
}

// NewServer creates an HTTP server bound to addr.
func NewServer(addr string, service *protocol.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:    addr,
		service: service,
		logger:  logger.With("component", "api"),
		router:  http.NewServeMux(),
	}

	s.registerRoutes()

	handler := s.applyMiddleware(s.router)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("POST /rpc", s.handleRPC)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /methods", s.handleMethods)
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	// Reverse order: the last wrap runs first.
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = CORSMiddleware()(handler)
	return handler
}

// rpcRequest is the POST /rpc body.
type rpcRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "reading request body failed")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON")
		return
	}
	if req.Method == "" {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "method is required")
		return
	}

	unified := protocol.UnifiedRequest{
		Method:  req.Method,
		Params:  req.Params,
		TraceID: GetRequestID(r.Context()),
		Source:  protocol.SourceHTTP,
	}
	if req.TimeoutMs > 0 {
		unified.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	resp := s.service.Dispatch(r.Context(), unified)
	if resp.Status != "ok" {
		WriteJSON(w, StatusFor(resp.Err), resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMethods(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"methods": s.service.Methods()})
}
