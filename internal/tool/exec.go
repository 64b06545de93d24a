package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/supervisor"
)

// ExecTool implements the exec capability (§4.6) by delegating the
// subprocess lifecycle to a supervisor.Supervisor.
type ExecTool struct {
	sup       *supervisor.Supervisor
	passEnv   []string
	maxStdout int64
}

// NewExecTool constructs an exec tool backed by sup, forwarding passEnv
// and enforcing maxStdoutBytes per invocation.
func NewExecTool(sup *supervisor.Supervisor, passEnv []string, maxStdoutBytes int64) *ExecTool {
	return &ExecTool{sup: sup, passEnv: passEnv, maxStdout: maxStdoutBytes}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Schema() Schema {
	return Schema{
		Name:        "exec",
		Description: "Run an allow-listed executable and capture its output",
		Input: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cmd":        map[string]any{"type": "string"},
				"args":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout_s":  map[string]any{"type": "integer"},
			},
			"required": []string{"cmd"},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"exit_code":   map[string]any{"type": "integer"},
				"stdout_b64":  map[string]any{"type": "string"},
				"stderr_b64":  map[string]any{"type": "string"},
				"duration_ms": map[string]any{"type": "integer"},
				"truncated":   map[string]any{"type": "boolean"},
				"timed_out":   map[string]any{"type": "boolean"},
			},
		},
	}
}

type execParams struct {
	Cmd      string   `json:"cmd"`
	Args     []string `json:"args,omitempty"`
	TimeoutS int      `json:"timeout_s,omitempty"`
}

type execResult struct {
	ExitCode   int    `json:"exit_code"`
	StdoutB64  string `json:"stdout_b64"`
	StderrB64  string `json:"stderr_b64"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out"`

	// Unexported: not part of the wire result, only of AuditExtra.
	stdoutLen int
	stderrLen int
}

// AuditExtra implements tool.AuditExtra so the RPC layer can populate
// exec's audit-specific fields without type-switching on this unexported
// type.
func (r execResult) AuditExtra() ExecAuditFields {
	return ExecAuditFields{
		StdoutLen: r.stdoutLen,
		StderrLen: r.stderrLen,
		ExitCode:  r.ExitCode,
		Truncated: r.Truncated,
		TimedOut:  r.TimedOut,
	}
}

func (t *ExecTool) parseParams(params json.RawMessage) (execParams, error) {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil {
		return execParams{}, apperror.ToolError("invalid parameters: " + err.Error())
	}
	if p.Cmd == "" {
		return execParams{}, apperror.ToolError("cmd is required")
	}
	return p, nil
}

func (t *ExecTool) Call(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := t.parseParams(params)
	if err != nil {
		return nil, err
	}

	res, err := t.sup.Run(ctx, supervisor.Request{
		Cmd:       p.Cmd,
		Args:      p.Args,
		TimeoutS:  p.TimeoutS,
		PassEnv:   t.passEnv,
		MaxStdout: t.maxStdout,
	})
	if err != nil {
		return nil, err
	}

	return execResult{
		ExitCode:   res.ExitCode,
		StdoutB64:  base64.StdEncoding.EncodeToString(res.Stdout),
		StderrB64:  base64.StdEncoding.EncodeToString(res.Stderr),
		DurationMS: res.DurationMS,
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
		stdoutLen:  len(res.Stdout),
		stderrLen:  len(res.Stderr),
	}, nil
}

// StreamCall implements the streaming variant of §4.6: a "start" record,
// zero or more "stdout"/"stderr" chunk records, then exactly one terminal
// "end" or "error" record.
func (t *ExecTool) StreamCall(ctx context.Context, params json.RawMessage, emit func(StreamChunk)) error {
	p, err := t.parseParams(params)
	if err != nil {
		ae, _ := apperror.As(err)
		body := ae.AsBody()
		emit(StreamChunk{Event: "start"})
		emit(StreamChunk{Event: "error", Error: &body})
		return nil
	}

	emit(StreamChunk{Event: "start"})

	streamRes, runErr := t.sup.Stream(ctx, supervisor.Request{
		Cmd:       p.Cmd,
		Args:      p.Args,
		TimeoutS:  p.TimeoutS,
		PassEnv:   t.passEnv,
		MaxStdout: t.maxStdout,
	}, func(stream string, data []byte) {
		emit(StreamChunk{Event: stream, ChunkB64: base64.StdEncoding.EncodeToString(data)})
	})

	if runErr != nil {
		ae, ok := apperror.As(runErr)
		if !ok {
			ae = apperror.Internal("exec stream failed", runErr)
		}
		body := ae.AsBody()
		emit(StreamChunk{Event: "error", Error: &body})
		return nil
	}

	// Carries the same fields execResult.AuditExtra exposes for the
	// non-streaming path, so the RPC layer can populate an exec audit
	// record from the terminal "end" record alone.
	result, _ := json.Marshal(map[string]any{
		"duration_ms": streamRes.DurationMS,
		"exit_code":   streamRes.ExitCode,
		"stdout_len":  streamRes.StdoutLen,
		"stderr_len":  streamRes.StderrLen,
		"truncated":   streamRes.Truncated,
		"timed_out":   streamRes.TimedOut,
	})
	emit(StreamChunk{Event: "end", Result: result})
	return nil
}
