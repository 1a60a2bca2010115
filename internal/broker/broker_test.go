package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/averlon/toolgate/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePool serves a fixed tool set with canned outcomes.
type fakePool struct {
	tools  []rpc.ToolDefinition
	result json.RawMessage
	rpcErr *rpc.Error
	calls  []string
}

func (f *fakePool) Tools() []rpc.ToolDefinition { return f.tools }

func (f *fakePool) CallTool(_ context.Context, tool string, _ map[string]any) (json.RawMessage, *rpc.Error, bool) {
	for _, t := range f.tools {
		if t.Name == tool {
			f.calls = append(f.calls, tool)
			return f.result, f.rpcErr, true
		}
	}
	return nil, nil, false
}

func textResult(lines ...string) json.RawMessage {
	blocks := make([]rpc.ContentBlock, len(lines))
	for i, l := range lines {
		blocks[i] = rpc.ContentBlock{Type: "text", Text: l}
	}
	data, _ := json.Marshal(rpc.CallToolResult{Content: blocks})
	return data
}

func TestExecute_RemoteTakesPrecedence(t *testing.T) {
	remote := &fakePool{
		tools:  []rpc.ToolDefinition{{Name: "shared"}},
		result: textResult("from remote"),
	}
	local := &fakePool{
		tools:  []rpc.ToolDefinition{{Name: "shared"}},
		result: textResult("from local"),
	}
	b := New(remote, local, nil, testLogger())

	if got := b.Execute(context.Background(), "shared", nil); got != "from remote" {
		t.Errorf("Execute = %q, want remote result", got)
	}
	if len(local.calls) != 0 {
		t.Errorf("local pool was called %d times, want 0", len(local.calls))
	}
}

func TestExecute_FallsBackToLocal(t *testing.T) {
	remote := &fakePool{}
	local := &fakePool{
		tools:  []rpc.ToolDefinition{{Name: "read_file"}},
		result: textResult("contents"),
	}
	b := New(remote, local, nil, testLogger())

	if got := b.Execute(context.Background(), "read_file", nil); got != "contents" {
		t.Errorf("Execute = %q, want local result", got)
	}
}

func TestExecute_NotFound(t *testing.T) {
	b := New(&fakePool{}, &fakePool{}, nil, testLogger())

	if got := b.Execute(context.Background(), "ghost", nil); got != NotFoundMessage {
		t.Errorf("Execute = %q, want %q", got, NotFoundMessage)
	}
}

func TestTools_RemoteBeforeLocal(t *testing.T) {
	remote := &fakePool{tools: []rpc.ToolDefinition{{Name: "r1"}}}
	local := &fakePool{tools: []rpc.ToolDefinition{{Name: "l1"}, {Name: "l2"}}}
	b := New(remote, local, nil, testLogger())

	tools := b.Tools()
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(tools))
	}
	if tools[0].Name != "r1" || tools[1].Name != "l1" {
		t.Errorf("tools = %+v, want remote first", tools)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		rpcErr *rpc.Error
		want   string
	}{
		{
			name:   "error object",
			rpcErr: &rpc.Error{Code: -32601, Message: "Unknown tool"},
			want:   "Error -32601: Unknown tool",
		},
		{
			name:   "error wins over result",
			result: textResult("ignored"),
			rpcErr: &rpc.Error{Code: -32000, Message: "boom"},
			want:   "Error -32000: boom",
		},
		{
			name:   "text blocks joined",
			result: textResult("line one", "line two"),
			want:   "line one\nline two",
		},
		{
			name: "non-text blocks skipped",
			result: func() json.RawMessage {
				data, _ := json.Marshal(rpc.CallToolResult{Content: []rpc.ContentBlock{
					{Type: "image"},
					{Type: "text", Text: "kept"},
				}})
				return data
			}(),
			want: "kept",
		},
		{
			name: "absent response",
			want: "[no response from tool]",
		},
		{
			name:   "unparseable response",
			result: json.RawMessage(`"not an object`),
			want:   "[no response from tool]",
		},
		{
			name:   "empty content is empty string",
			result: textResult(),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.result, tt.rpcErr); got != tt.want {
				t.Errorf("Normalize = %q, want %q", got, tt.want)
			}
		})
	}
}

// recordSink captures Recorder calls.
type recordSink struct {
	tool    string
	origin  string
	outcome string
}

func (r *recordSink) Record(_ context.Context, tool, origin string, _ map[string]any, outcome string, _ time.Duration) {
	r.tool = tool
	r.origin = origin
	r.outcome = outcome
}

func TestExecute_RecordsCall(t *testing.T) {
	local := &fakePool{
		tools:  []rpc.ToolDefinition{{Name: "add"}},
		result: textResult("3"),
	}
	sink := &recordSink{}
	b := New(&fakePool{}, local, sink, testLogger())

	b.Execute(context.Background(), "add", map[string]any{"a": 1, "b": 2})

	if sink.tool != "add" || sink.origin != "local" || sink.outcome != "3" {
		t.Errorf("recorded %+v", sink)
	}
}

func TestCatalog_FunctionShape(t *testing.T) {
	remote := &fakePool{tools: []rpc.ToolDefinition{
		{Name: "bare"},
		{Name: "documented", Description: "does things", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"x": map[string]any{"type": "string"}},
		}},
	}}
	b := New(remote, &fakePool{}, nil, testLogger())

	specs := b.Catalog()
	if len(specs) != 2 {
		t.Fatalf("Catalog() = %d entries, want 2", len(specs))
	}
	for _, s := range specs {
		if s.Type != "function" {
			t.Errorf("%s type = %q, want function", s.Function.Name, s.Type)
		}
	}
	if specs[0].Function.Parameters["type"] != "object" {
		t.Errorf("schemaless tool parameters = %v, want bare object schema", specs[0].Function.Parameters)
	}
	if specs[0].Function.Description != "" {
		t.Errorf("missing description should render as empty, got %q", specs[0].Function.Description)
	}
	if specs[1].Function.Description != "does things" {
		t.Errorf("description = %q", specs[1].Function.Description)
	}
}
