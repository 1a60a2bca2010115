// Package agentclient maintains the agent's persistent WebSocket
// connection to the gateway. It serves tools/list and tools/call
// requests from a local tool registry and keeps the link alive with
// periodic pings, reconnecting whenever the connection drops.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averlon/toolgate/internal/agenttools"
	"github.com/averlon/toolgate/internal/config"
	"github.com/averlon/toolgate/internal/rpc"
)

const (
	// reconnectDelay is how long to wait before redialing after a
	// failed or dropped connection.
	reconnectDelay = 5 * time.Second

	// pingInterval is how often the agent pings the gateway. The
	// gateway answers with a pong response that carries the same id.
	pingInterval = 30 * time.Second

	// pingID marks heartbeat requests so their pong responses are
	// distinguishable from tool traffic.
	pingID int64 = -1
)

// Client connects to the gateway and answers tool requests.
type Client struct {
	gatewayURL string
	clientID   string
	registry   *agenttools.Registry
	logger     *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a gateway client serving the given tool registry.
func New(gatewayURL, clientID string, registry *agenttools.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		gatewayURL: gatewayURL,
		clientID:   clientID,
		registry:   registry,
		logger:     logger,
	}
}

// Run connects to the gateway and serves requests until ctx is
// cancelled. Dropped connections are redialed after a short delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("gateway connection lost", "error", err, "retry_in", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// runOnce dials the gateway and serves one connection to completion.
func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	c.logger.Info("connected to gateway", "url", c.gatewayURL, "client_id", c.clientID)

	// Close the connection when ctx is cancelled so the read loop
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go c.pingLoop(done)

	for {
		var frame rpc.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(ctx, &frame)
	}
}

// pingLoop sends a heartbeat request every pingInterval until the
// connection is torn down.
func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(rpc.NewRequest(pingID, "ping", nil)); err != nil {
				c.logger.Debug("ping write failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame *rpc.Frame) {
	if frame.Method == "" {
		// A response, almost always the pong for our heartbeat.
		c.logger.Log(ctx, config.LevelTrace, "discarding response frame", "result", string(frame.Result))
		return
	}

	switch frame.Method {
	case "tools/list":
		if frame.ID == nil {
			return
		}
		c.respondResult(*frame.ID, rpc.ToolsListResult{Tools: c.registry.Definitions()})
	case "tools/call":
		if frame.ID == nil {
			return
		}
		go c.handleCall(ctx, *frame.ID, frame.Params)
	default:
		c.logger.Debug("unhandled method from gateway", "method", frame.Method)
		if frame.ID != nil {
			c.respondError(*frame.ID, &rpc.Error{
				Code:    rpc.CodeMethodNotFound,
				Message: fmt.Sprintf("unknown method: %s", frame.Method),
			})
		}
	}
}

// handleCall executes a tool and writes the response. Runs in its own
// goroutine so a slow tool does not stall the read loop.
func (c *Client) handleCall(ctx context.Context, id int64, rawParams json.RawMessage) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.Name == "" {
		c.respondError(id, &rpc.Error{
			Code:    rpc.CodeInternalError,
			Message: "invalid tools/call params",
		})
		return
	}

	if c.registry.Get(params.Name) == nil {
		c.respondError(id, &rpc.Error{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		})
		return
	}

	c.logger.Debug("executing tool", "tool", params.Name)
	start := time.Now()
	text, err := c.registry.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		c.logger.Warn("tool failed", "tool", params.Name, "error", err)
		c.respondError(id, &rpc.Error{
			Code:    rpc.CodeInternalError,
			Message: err.Error(),
		})
		return
	}
	c.logger.Debug("tool completed", "tool", params.Name, "elapsed", time.Since(start))

	c.respondResult(id, rpc.CallToolResult{
		Content: []rpc.ContentBlock{{Type: "text", Text: text}},
	})
}

func (c *Client) respondResult(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(id, &rpc.Error{Code: rpc.CodeInternalError, Message: "marshal result"})
		return
	}
	if err := c.write(&rpc.Response{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		c.logger.Warn("write response failed", "error", err)
	}
}

func (c *Client) respondError(id int64, rpcErr *rpc.Error) {
	if err := c.write(&rpc.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}); err != nil {
		c.logger.Warn("write error response failed", "error", err)
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
