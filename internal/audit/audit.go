// Package audit emits one structured log record per request reaching the
// dispatcher, regardless of outcome (§4.9).
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Decision is the coarse admission/dispatch outcome recorded per request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// Record is the audit record shape from §3. Exec-specific fields are
// pointers so they are omitted (zero-value, not emitted) for non-exec
// tool calls.
type Record struct {
	RequestID   string
	Origin      string
	TokenPresent bool
	Tool        string
	Decision    Decision
	Code        string // error taxonomy string, or "OK"
	DurationMS  int64
	BytesOut    int64
	Streaming   *bool

	// Exec-specific.
	StdoutLen *int
	StderrLen *int
	ExitCode  *int
	Truncated *bool
	TimedOut  *bool
}

// NewRequestID mints a fresh 128-bit request identifier per §3.
func NewRequestID() string {
	return uuid.NewString()
}

// Emit writes rec as a single structured slog record. Emission happens
// exactly once per admitted request (invariant 5, §8); callers that start
// a streaming response log no provisional record at stream start and emit
// their single record after the stream closes, per the single-discipline
// note in §4.9.
func Emit(ctx context.Context, rec Record) {
	attrs := []any{
		"request_id", rec.RequestID,
		"origin", rec.Origin,
		"token_present", rec.TokenPresent,
		"tool", rec.Tool,
		"decision", string(rec.Decision),
		"code", rec.Code,
		"duration_ms", rec.DurationMS,
		"bytes_out", rec.BytesOut,
	}
	if rec.Streaming != nil {
		attrs = append(attrs, "streaming", *rec.Streaming)
	}
	if rec.StdoutLen != nil {
		attrs = append(attrs, "stdout_len", *rec.StdoutLen)
	}
	if rec.StderrLen != nil {
		attrs = append(attrs, "stderr_len", *rec.StderrLen)
	}
	if rec.ExitCode != nil {
		attrs = append(attrs, "exit_code", *rec.ExitCode)
	}
	if rec.Truncated != nil {
		attrs = append(attrs, "truncated", *rec.Truncated)
	}
	if rec.TimedOut != nil {
		attrs = append(attrs, "timed_out", *rec.TimedOut)
	}

	slog.InfoContext(ctx, "request.audit", attrs...)
}
