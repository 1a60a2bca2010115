package agenthub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averlon/toolgate/internal/rpc"
)

// Hub tracks connected remote agents in connection order. Tool routing
// walks agents in that order, so the longest-connected agent offering a
// tool wins. The hub owns the request id counter shared by every
// session it registers.
type Hub struct {
	logger      *slog.Logger
	nextID      atomic.Int64
	callTimeout time.Duration

	mu       sync.RWMutex
	sessions []*Session
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, callTimeout: defaultCallTimeout}
}

// Register adopts a freshly upgraded connection as an agent session,
// starts its receive loop, and asks for its tool inventory.
func (h *Hub) Register(id string, conn *websocket.Conn) *Session {
	s := newSession(id, conn, &h.nextID, h.callTimeout, h.logger, h.remove)

	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("agent connected", "agent", id, "total", count)

	go s.run()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		if err := s.RequestTools(ctx); err != nil {
			h.logger.Warn("initial tools/list failed", "agent", id, "error", err)
		}
	}()

	return s
}

// remove drops a closed session from the roster.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	for i, cur := range h.sessions {
		if cur == s {
			h.sessions = append(h.sessions[:i], h.sessions[i+1:]...)
			break
		}
	}
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("agent removed", "agent", s.ID(), "total", count)
}

// Count returns the number of connected agents.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Agents returns the connected agent IDs in connection order.
func (h *Hub) Agents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, len(h.sessions))
	for i, s := range h.sessions {
		ids[i] = s.ID()
	}
	return ids
}

// Tools returns every tool offered by connected agents, in connection
// order.
func (h *Hub) Tools() []rpc.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []rpc.ToolDefinition
	for _, s := range h.sessions {
		out = append(out, s.Tools()...)
	}
	return out
}

// CallTool routes a call to the first connected agent offering the
// named tool. Returns found = false when no agent offers it.
func (h *Hub) CallTool(ctx context.Context, tool string, args map[string]any) (result json.RawMessage, rpcErr *rpc.Error, found bool) {
	h.mu.RLock()
	var target *Session
	for _, s := range h.sessions {
		for _, t := range s.Tools() {
			if t.Name == tool {
				target = s
				break
			}
		}
		if target != nil {
			break
		}
	}
	h.mu.RUnlock()

	if target == nil {
		return nil, nil, false
	}

	result, rpcErr = target.CallTool(ctx, tool, args)
	return result, rpcErr, true
}

// CloseAll disconnects every agent. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, len(h.sessions))
	copy(sessions, h.sessions)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	// Give receive loops a moment to unwind.
	deadline := time.Now().Add(time.Second)
	for h.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
