// Package api implements the gateway's HTTP surface: provider
// management, the tool catalog, call execution, and the WebSocket
// endpoint remote agents connect to.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averlon/toolgate/internal/agenthub"
	"github.com/averlon/toolgate/internal/broker"
	"github.com/averlon/toolgate/internal/buildinfo"
	"github.com/averlon/toolgate/internal/calllog"
	"github.com/averlon/toolgate/internal/provider"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	broker  *broker.Broker
	manager *provider.Manager
	hub     *agenthub.Hub
	callLog *calllog.Store
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates an API server. callLog may be nil.
func NewServer(address string, port int, b *broker.Broker, m *provider.Manager, h *agenthub.Hub, cl *calllog.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		broker:  b,
		manager: m,
		hub:     h,
		callLog: cl,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Agents dial from other machines; origin checks don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and identity
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	// MCP server management
	mux.HandleFunc("GET /mcp/servers", s.handleServerList)
	mux.HandleFunc("POST /mcp/servers", s.handleServerAdd)
	mux.HandleFunc("PATCH /mcp/servers/{name}", s.handleServerToggle)
	mux.HandleFunc("DELETE /mcp/servers/{name}", s.handleServerDelete)
	mux.HandleFunc("POST /mcp/servers/{name}/refresh", s.handleServerRefresh)

	// Tool catalog and execution
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/execute", s.handleToolExecute)
	mux.HandleFunc("GET /v1/tools/calls", s.handleToolCalls)

	// Remote agent WebSocket
	mux.HandleFunc("GET /ws/mcp", s.handleAgentSocket)

	return s.withLogging(mux)
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for slow tool calls
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "toolgate",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":           "healthy",
		"connected_agents": s.hub.Count(),
		"mcp_servers":      len(s.manager.Servers()),
	}, s.logger)
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	servers := s.manager.Servers()
	if servers == nil {
		servers = []provider.ServerStatus{}
	}
	agents := s.hub.Agents()
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, map[string]any{
		"servers":          servers,
		"connected_agents": agents,
	}, s.logger)
}

// serverAddRequest is the POST /mcp/servers body.
type serverAddRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var req serverAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Command == "" {
		s.errorResponse(w, http.StatusBadRequest, "name and command are required")
		return
	}

	cfg := provider.ServerConfig{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Enabled: true,
	}
	if err := s.manager.AddServer(r.Context(), req.Name, cfg); err != nil {
		s.logger.Warn("add MCP server failed", "name", req.Name, "error", err)
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"status": "added", "name": req.Name}, s.logger)
}

func (s *Server) handleServerToggle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.errorResponse(w, http.StatusBadRequest, "enabled field is required")
		return
	}

	if err := s.manager.SetEnabled(r.Context(), name, *req.Enabled); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "updated", "name": name, "enabled": *req.Enabled}, s.logger)
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.manager.RemoveServer(name); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "name": name}, s.logger)
}

func (s *Server) handleServerRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.manager.RefreshTools(r.Context(), name); err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "refreshed", "name": name}, s.logger)
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	tools := s.broker.Catalog()
	writeJSON(w, map[string]any{
		"tools": tools,
		"count": len(tools),
	}, s.logger)
}

// toolExecuteRequest is the POST /v1/tools/execute body.
type toolExecuteRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req toolExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	result := s.broker.Execute(r.Context(), req.Name, req.Arguments)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"result": result}, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		s.errorResponse(w, http.StatusNotFound, "call log not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.callLog.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("query call log", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call log query failed")
		return
	}
	if entries == nil {
		entries = []calllog.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": entries}, s.logger)
}

// handleAgentSocket upgrades the connection and hands it to the hub.
// The agent's identity is derived from its source address unless it
// supplies a client_id query parameter.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
		if splitErr != nil {
			host = r.RemoteAddr
		}
		id = "laptop-agent-" + host
	}

	s.hub.Register(id, conn)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
