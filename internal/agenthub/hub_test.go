package agenthub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averlon/toolgate/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub serves a fresh hub behind an httptest server, mirroring how
// the gateway accepts agent connections in production. Returns the hub
// and the ws:// URL agents should dial.
func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(testLogger())
	return h, serveHub(t, h)
}

// serveHub accepts agent connections for an existing hub, so tests can
// tune the hub before the first agent dials in.
func serveHub(t *testing.T, h *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Register("laptop-agent-"+r.RemoteAddr, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// runFakeAgent dials the hub and answers tools/list and tools/call the
// way the real remote agent does.
func runFakeAgent(t *testing.T, url, name string, tools []rpc.ToolDefinition) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			var frame rpc.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.ID == nil {
				continue
			}
			switch frame.Method {
			case "tools/list":
				conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      *frame.ID,
					"result":  rpc.ToolsListResult{Tools: tools},
				})
			case "tools/call":
				conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      *frame.ID,
					"result": rpc.CallToolResult{Content: []rpc.ContentBlock{
						{Type: "text", Text: "handled by " + name},
					}},
				})
			}
		}
	}()
	return conn
}

// waitForTools polls until the hub sees at least n tools.
func waitForTools(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.Tools()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never saw %d tools (have %d)", n, len(h.Tools()))
}

func TestHub_ToolDiscoveryOnConnect(t *testing.T) {
	h, url := startHub(t)
	runFakeAgent(t, url, "a", []rpc.ToolDefinition{{Name: "read_emails"}})

	waitForTools(t, h, 1)
	tools := h.Tools()
	if tools[0].Name != "read_emails" {
		t.Errorf("tools = %+v", tools)
	}
	if h.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.Count())
	}
}

func TestHub_CallToolRoundTrip(t *testing.T) {
	h, url := startHub(t)
	runFakeAgent(t, url, "laptop", []rpc.ToolDefinition{{Name: "get_status"}})
	waitForTools(t, h, 1)

	result, rpcErr, found := h.CallTool(context.Background(), "get_status", nil)
	if !found {
		t.Fatal("CallTool did not find get_status")
	}
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var call rpc.CallToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(call.Content) != 1 || call.Content[0].Text != "handled by laptop" {
		t.Errorf("content = %+v", call.Content)
	}
}

func TestHub_RoutingPrefersFirstConnected(t *testing.T) {
	h, url := startHub(t)

	runFakeAgent(t, url, "first", []rpc.ToolDefinition{{Name: "shared"}})
	waitForTools(t, h, 1)
	runFakeAgent(t, url, "second", []rpc.ToolDefinition{{Name: "shared"}})
	waitForTools(t, h, 2)

	result, _, found := h.CallTool(context.Background(), "shared", nil)
	if !found {
		t.Fatal("CallTool did not find shared")
	}
	var call rpc.CallToolResult
	json.Unmarshal(result, &call)
	if got := call.Content[0].Text; got != "handled by first" {
		t.Errorf("routed to %q, want first-connected agent", got)
	}
}

func TestHub_UnknownToolNotFound(t *testing.T) {
	h, url := startHub(t)
	runFakeAgent(t, url, "a", []rpc.ToolDefinition{{Name: "known"}})
	waitForTools(t, h, 1)

	if _, _, found := h.CallTool(context.Background(), "unknown", nil); found {
		t.Error("CallTool reported found for a tool no agent offers")
	}
}

func TestHub_PingPongEchoesID(t *testing.T) {
	_, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	// Answer the hub's initial tools/list first.
	var frame rpc.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tools/list: %v", err)
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": *frame.ID,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{}},
	})

	conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "ping", "id": -1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong rpc.Frame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.ID == nil || *pong.ID != -1 {
		t.Errorf("pong id = %v, want -1", pong.ID)
	}
	var result string
	if err := json.Unmarshal(pong.Result, &result); err != nil || result != "pong" {
		t.Errorf("pong result = %s", pong.Result)
	}
}

func TestHub_UnsolicitedToolUpdateRefreshesCache(t *testing.T) {
	h, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	var frame rpc.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tools/list: %v", err)
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": *frame.ID,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{}},
	})

	// A response nobody is waiting on still refreshes the cache when it
	// carries a tools array.
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 777,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{{Name: "pushed"}}},
	})

	waitForTools(t, h, 1)
	if got := h.Tools()[0].Name; got != "pushed" {
		t.Errorf("tools[0] = %q, want pushed", got)
	}
}

func TestHub_DisconnectCancelsPendingAndRemoves(t *testing.T) {
	h, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}

	var frame rpc.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tools/list: %v", err)
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": *frame.ID,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{{Name: "doomed"}}},
	})
	waitForTools(t, h, 1)

	// Drop the connection as soon as the call request arrives.
	go func() {
		conn.ReadJSON(&rpc.Frame{})
		conn.Close()
	}()

	start := time.Now()
	result, rpcErr, found := h.CallTool(context.Background(), "doomed", nil)
	if !found {
		t.Fatal("CallTool did not find doomed")
	}
	if result != nil || rpcErr != nil {
		t.Errorf("got result=%s err=%v, want nil/nil after disconnect", result, rpcErr)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("disconnect cancellation took %v, should be immediate", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Errorf("Count = %d after disconnect, want 0", h.Count())
	}
}

// firstSession waits for the hub to adopt a session and returns it.
func firstSession(t *testing.T, h *Hub) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		if len(h.sessions) > 0 {
			s := h.sessions[0]
			h.mu.RUnlock()
			return s
		}
		h.mu.RUnlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hub never registered a session")
	return nil
}

func TestHub_DuplicateResponseKeepsLoopLive(t *testing.T) {
	h, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	var frame rpc.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tools/list: %v", err)
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": *frame.ID,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{}},
	})

	// A slot whose buffer is already full stands in for a call that was
	// answered once but whose waiter has not collected the frame yet.
	s := firstSession(t, h)
	ch := make(chan *rpc.Frame, 1)
	ch <- &rpc.Frame{}
	s.pendingMu.Lock()
	s.pending[99] = ch
	s.pendingMu.Unlock()

	// A second response for the same id must be dropped, not wedged
	// into the full buffer while the receive loop holds the lock.
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 99, "result": "duplicate",
	})
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "ping",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong rpc.Frame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("receive loop wedged, no pong: %v", err)
	}
	if pong.ID == nil || *pong.ID != 7 {
		t.Errorf("pong id = %v, want 7", pong.ID)
	}

	s.pendingMu.Lock()
	_, live := s.pending[99]
	s.pendingMu.Unlock()
	if live {
		t.Error("slot 99 still pending after its response was delivered")
	}
}

func TestHub_CallTimeoutRetiresSlot(t *testing.T) {
	h := NewHub(testLogger())
	h.callTimeout = 150 * time.Millisecond
	url := serveHub(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	var frame rpc.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tools/list: %v", err)
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": *frame.ID,
		"result": rpc.ToolsListResult{Tools: []rpc.ToolDefinition{{Name: "stall"}}},
	})
	waitForTools(t, h, 1)

	// Swallow the tools/call request, remember its id, never answer.
	callID := make(chan int64, 1)
	go func() {
		var req rpc.Frame
		if err := conn.ReadJSON(&req); err != nil || req.ID == nil {
			return
		}
		callID <- *req.ID
	}()

	start := time.Now()
	result, rpcErr, found := h.CallTool(context.Background(), "stall", nil)
	if !found {
		t.Fatal("CallTool did not find stall")
	}
	if result != nil || rpcErr != nil {
		t.Errorf("got result=%s err=%v, want nil/nil on timeout", result, rpcErr)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want roughly the configured 150ms", elapsed)
	}

	s := firstSession(t, h)
	s.pendingMu.Lock()
	remaining := len(s.pending)
	s.pendingMu.Unlock()
	if remaining != 0 {
		t.Errorf("pending slots after timeout = %d, want 0", remaining)
	}

	// The response shows up late; the retired id is discarded and the
	// session keeps serving.
	var id int64
	select {
	case id = <-callID:
	case <-time.After(2 * time.Second):
		t.Fatal("never saw the tools/call request")
	}
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": id,
		"result": rpc.CallToolResult{Content: []rpc.ContentBlock{{Type: "text", Text: "too late"}}},
	})
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 8, "method": "ping",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong rpc.Frame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("session dead after late response: %v", err)
	}
	if pong.ID == nil || *pong.ID != 8 {
		t.Errorf("pong id = %v, want 8", pong.ID)
	}
}
