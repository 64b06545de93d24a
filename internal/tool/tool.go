// Package tool defines the Tool abstraction and the fixed three-entry
// registry dispatched by the RPC surface (§4.7): fs_read, fs_write, exec.
package tool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/plyght/valet/internal/apperror"
)

// Schema is the {input, output} JSON Schema fragment pair a tool
// advertises via tools/list.
type Schema struct {
	Name        string
	Description string
	Input       map[string]any
	Output      map[string]any
}

// StreamChunk is one emitted event of a call_stream sequence: exactly one
// "start", zero or more "stdout"/"stderr", then exactly one terminal
// "end" or "error" (§4.6).
type StreamChunk struct {
	Event   string          `json:"event"`
	ChunkB64 string         `json:"chunk_b64,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *apperror.Body  `json:"error,omitempty"`
}

// Tool is implemented by each of the three concrete tools. Call returns
// either a JSON-marshalable result value or an *apperror.AppError.
// StreamCall is optional; tools that do not implement streaming return
// ToolError("streaming not supported") via DefaultStreamCall.
type Tool interface {
	Name() string
	Schema() Schema
	Call(ctx context.Context, params json.RawMessage) (any, error)
	StreamCall(ctx context.Context, params json.RawMessage, emit func(StreamChunk)) error
}

// ExecAuditFields are the additional audit fields §3's AuditRecord
// contract requires for exec tool calls: stdout_len, stderr_len,
// exit_code, truncated, timed_out.
type ExecAuditFields struct {
	StdoutLen int
	StderrLen int
	ExitCode  int
	Truncated bool
	TimedOut  bool
}

// AuditExtra is implemented by a tool's non-streaming Call result when it
// carries additional fields an audit record should include beyond the
// generic ones. Only exec's result implements it today.
type AuditExtra interface {
	AuditExtra() ExecAuditFields
}

// DefaultStreamCall is embedded by tools with no streaming variant.
type DefaultStreamCall struct{}

func (DefaultStreamCall) StreamCall(ctx context.Context, params json.RawMessage, emit func(StreamChunk)) error {
	return apperror.ToolError("streaming not supported")
}

// Registry is the fixed name→tool mapping built once at startup (§4.7).
// Lookup is case-sensitive exact match.
type Registry struct {
	byName map[string]Tool
	names  []string // sorted, for stable tools/list enumeration
}

// NewRegistry builds a registry from the given tools. Names are taken
// from each tool's Name() and sorted for stable enumeration.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.byName[t.Name()] = t
		r.names = append(r.names, t.Name())
	}
	sort.Strings(r.names)
	return r
}

// Get looks up a tool by exact name. Unknown names map to NotFound (§4.7).
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, apperror.NotFound()
	}
	return t, nil
}

// List returns every registered tool's schema, sorted by name.
func (r *Registry) List() []Schema {
	schemas := make([]Schema, 0, len(r.names))
	for _, name := range r.names {
		schemas = append(schemas, r.byName[name].Schema())
	}
	return schemas
}

// Names returns the sorted tool names (e.g. for S1's ["exec","fs_read","fs_write"]).
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
