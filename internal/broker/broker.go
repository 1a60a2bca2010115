// Package broker routes tool calls between the chat surface and the
// two provider pools: remote agents connected over WebSocket and local
// MCP subprocesses. It also flattens raw JSON-RPC outcomes into the
// plain strings handed back to the model.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/averlon/toolgate/internal/rpc"
)

// NotFoundMessage is returned when no connected agent or running
// provider offers the requested tool.
const NotFoundMessage = "Tool not found or agent disconnected"

// noResponseMessage stands in for a call that produced nothing usable:
// a timeout, a disconnect mid-call, or unparseable output.
const noResponseMessage = "[no response from tool]"

// callTimeout bounds a single local tool call. Remote calls carry
// their own timeout inside the agent session.
const callTimeout = 30 * time.Second

// Pool is a source of tools: the agent hub or the local provider
// manager. CallTool reports found = false when the pool does not offer
// the tool; a found call with nil result and nil error means the
// backend produced no usable response.
type Pool interface {
	Tools() []rpc.ToolDefinition
	CallTool(ctx context.Context, tool string, args map[string]any) (result json.RawMessage, rpcErr *rpc.Error, found bool)
}

// Recorder receives a record of every executed call. Implemented by
// the call log store.
type Recorder interface {
	Record(ctx context.Context, tool, origin string, args map[string]any, outcome string, elapsed time.Duration)
}

// Broker routes tool calls. Remote agents take precedence over local
// providers; within each pool, registration order decides.
type Broker struct {
	remotes  Pool
	locals   Pool
	recorder Recorder
	logger   *slog.Logger
}

// New creates a broker over the two pools. recorder may be nil.
func New(remotes, locals Pool, recorder Recorder, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		remotes:  remotes,
		locals:   locals,
		recorder: recorder,
		logger:   logger,
	}
}

// Tools returns the full catalog: remote tools first, then local, in
// routing order. Shadowed duplicates are included so the catalog shows
// everything that is reachable.
func (b *Broker) Tools() []rpc.ToolDefinition {
	out := b.remotes.Tools()
	return append(out, b.locals.Tools()...)
}

// FunctionSpec is a tool descriptor in the function-calling shape
// language-model clients consume.
type FunctionSpec struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the inner function object of a FunctionSpec.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Catalog returns the full catalog in function-calling shape. A tool
// without an input schema gets a bare object schema.
func (b *Broker) Catalog() []FunctionSpec {
	defs := b.Tools()
	out := make([]FunctionSpec, 0, len(defs))
	for _, d := range defs {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, FunctionSpec{
			Type: "function",
			Function: FunctionDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Execute routes a tool call and returns the normalized result text.
func (b *Broker) Execute(ctx context.Context, tool string, args map[string]any) string {
	start := time.Now()

	origin := "remote"
	result, rpcErr, found := b.remotes.CallTool(ctx, tool, args)
	if found {
		if b.offersLocally(tool) {
			b.logger.Debug("remote agent shadows local provider", "tool", tool)
		}
	} else {
		origin = "local"
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		result, rpcErr, found = b.locals.CallTool(cctx, tool, args)
		cancel()
	}

	if !found {
		b.logger.Warn("tool not found", "tool", tool)
		b.record(ctx, tool, "none", args, NotFoundMessage, time.Since(start))
		return NotFoundMessage
	}

	outcome := Normalize(result, rpcErr)
	b.logger.Info("tool call completed",
		"tool", tool,
		"origin", origin,
		"elapsed", time.Since(start),
	)
	b.record(ctx, tool, origin, args, outcome, time.Since(start))
	return outcome
}

func (b *Broker) offersLocally(tool string) bool {
	for _, t := range b.locals.Tools() {
		if t.Name == tool {
			return true
		}
	}
	return false
}

func (b *Broker) record(ctx context.Context, tool, origin string, args map[string]any, outcome string, elapsed time.Duration) {
	if b.recorder == nil {
		return
	}
	b.recorder.Record(ctx, tool, origin, args, outcome, elapsed)
}

// Normalize flattens a raw call outcome into the string handed to the
// model. The three cases stay distinct: a protocol error renders as
// "Error <code>: <message>", a usable result joins its text blocks,
// and a missing or unparseable result becomes a no-response marker.
func Normalize(result json.RawMessage, rpcErr *rpc.Error) string {
	if rpcErr != nil {
		return fmt.Sprintf("Error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	if len(result) == 0 {
		return noResponseMessage
	}

	var call rpc.CallToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		return noResponseMessage
	}

	var parts []string
	for _, block := range call.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
