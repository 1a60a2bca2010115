// Package agenthub manages remote tool agents connected over persistent
// WebSocket sessions. Each agent speaks JSON-RPC: the gateway sends
// tools/list and tools/call requests, the agent sends responses and
// ping keepalives.
package agenthub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averlon/toolgate/internal/rpc"
)

// defaultCallTimeout bounds how long a tools/call waits for the agent
// to respond before the pending slot is abandoned.
const defaultCallTimeout = 30 * time.Second

// Session is one connected remote agent. Writes are serialized with a
// mutex; a single receive loop routes inbound frames to pending call
// slots or handles agent-initiated requests. Request ids come from the
// hub-wide counter so no id is ever reused across the gateway's
// outbound requests.
type Session struct {
	id          string
	conn        *websocket.Conn
	logger      *slog.Logger
	ids         *atomic.Int64
	callTimeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpc.Frame

	toolsMu sync.RWMutex
	tools   []rpc.ToolDefinition

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session)
}

func newSession(id string, conn *websocket.Conn, ids *atomic.Int64, timeout time.Duration, logger *slog.Logger, onClose func(*Session)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:          id,
		conn:        conn,
		logger:      logger.With("agent", id),
		ids:         ids,
		callTimeout: timeout,
		pending:     make(map[int64]chan *rpc.Frame),
		closed:      make(chan struct{}),
		onClose:     onClose,
	}
}

// ID returns the agent's client identifier.
func (s *Session) ID() string { return s.id }

// Tools returns the agent's cached tool definitions.
func (s *Session) Tools() []rpc.ToolDefinition {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	return s.tools
}

// Closed reports whether the session has shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// RequestTools asks the agent for its tool inventory. The cache is
// updated by the receive loop when the response arrives, so callers do
// not need the return value to benefit from the refresh.
func (s *Session) RequestTools(ctx context.Context) error {
	_, rpcErr, err := s.sendAndWait(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	if rpcErr != nil {
		return fmt.Errorf("tools/list from %s: %w", s.id, rpcErr)
	}
	return nil
}

// CallTool invokes a tool on the agent. A nil result with a nil error
// means the agent never produced a usable response (timeout or
// disconnect mid-call).
func (s *Session) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, *rpc.Error) {
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	result, rpcErr, err := s.sendAndWait(ctx, "tools/call", params)
	if err != nil {
		s.logger.Warn("tools/call produced no response", "tool", tool, "error", err)
		return nil, nil
	}
	return result, rpcErr
}

// sendAndWait sends a request and waits for the matching response. The
// pending slot is buffered so the receive loop never blocks delivering.
func (s *Session) sendAndWait(ctx context.Context, method string, params any) (json.RawMessage, *rpc.Error, error) {
	id := s.ids.Add(1)

	respCh := make(chan *rpc.Frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(rpc.NewRequest(id, method, params)); err != nil {
		return nil, nil, fmt.Errorf("send %s to agent: %w", method, err)
	}

	select {
	case frame := <-respCh:
		if frame == nil {
			return nil, nil, fmt.Errorf("agent %s disconnected", s.id)
		}
		return frame.Result, frame.Error, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(s.callTimeout):
		return nil, nil, fmt.Errorf("timeout waiting for agent %s", s.id)
	}
}

// write sends one JSON frame over the connection.
func (s *Session) write(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// run is the receive loop. It routes responses to pending slots,
// answers agent pings, and opportunistically refreshes the tool cache
// from any frame carrying a tools array. Runs until the connection
// drops, then cancels every pending call.
func (s *Session) run() {
	defer s.shutdown()

	for {
		var frame rpc.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("agent disconnected")
			} else {
				s.logger.Warn("agent connection lost", "error", err)
			}
			return
		}

		// Any frame whose result carries a tools array refreshes the
		// cache, whether or not someone is waiting on it.
		s.maybeUpdateTools(frame.Result)

		switch {
		case frame.Method == "ping":
			s.handlePing(&frame)

		case frame.Method != "":
			s.logger.Debug("unhandled agent request", "method", frame.Method)

		case frame.ID != nil:
			// The slot goes away on first delivery so a duplicate id
			// finds nothing, and the send never blocks the loop: the
			// buffered slot is full only when the waiter already gave
			// up, in which case the frame is dropped like any other
			// late response.
			s.pendingMu.Lock()
			ch, ok := s.pending[*frame.ID]
			if ok {
				delete(s.pending, *frame.ID)
			}
			s.pendingMu.Unlock()
			if !ok {
				// Response arrived after its call timed out.
				s.logger.Debug("discarding late response", "id", *frame.ID)
				continue
			}
			select {
			case ch <- &frame:
			default:
			}

		default:
			s.logger.Debug("unhandled agent frame")
		}
	}
}

// handlePing echoes a pong result carrying the ping's id.
func (s *Session) handlePing(frame *rpc.Frame) {
	if frame.ID == nil {
		return
	}
	reply := map[string]any{
		"jsonrpc": "2.0",
		"id":      *frame.ID,
		"result":  "pong",
	}
	if err := s.write(reply); err != nil {
		s.logger.Warn("failed to answer ping", "error", err)
	}
}

// maybeUpdateTools replaces the tool cache if result contains a
// non-null tools array.
func (s *Session) maybeUpdateTools(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var parsed rpc.ToolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Tools == nil {
		return
	}

	s.toolsMu.Lock()
	s.tools = parsed.Tools
	s.toolsMu.Unlock()

	s.logger.Info("agent tools updated", "count", len(parsed.Tools))
}

// shutdown closes the connection, cancels all pending calls, and
// notifies the hub.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			// Non-blocking: a slot may already hold a delivered frame.
			select {
			case ch <- nil:
			default:
			}
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Close tears the session down from the gateway side.
func (s *Session) Close() {
	s.conn.Close()
	s.shutdown()
}
