package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/audit"
	"github.com/plyght/valet/internal/tool"
)

// handleToolStream answers a tools/call request with ndjson chunk
// records instead of a single JSON-RPC response body (§4.6, §4.8). It
// is only reached once admission has already succeeded.
func (s *Server) handleToolStream(ctx context.Context, w http.ResponseWriter, req rpcRequest, toolName string, args json.RawMessage, reqID string, admission admissionResult, start time.Time) {
	t, err := s.tools.Get(toolName)
	if err != nil {
		ae, _ := apperror.As(err)
		s.finishNonStream(w, ctx, reqID, admission, toolName, start, req.ID, ae)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var bytesOut int64
	var lastChunk tool.StreamChunk
	emit := func(chunk tool.StreamChunk) {
		lastChunk = chunk
		line, merr := json.Marshal(chunk)
		if merr != nil {
			return
		}
		line = append(line, '\n')
		n, _ := w.Write(line)
		bytesOut += int64(n)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := t.StreamCall(ctx, args, emit); err != nil {
		ae, ok := apperror.As(err)
		if !ok {
			ae = apperror.Internal("tool stream failed", err)
		}
		body := ae.AsBody()
		emit(tool.StreamChunk{Event: "error", Error: &body})
		lastChunk = tool.StreamChunk{Event: "error", Error: &body}
	}

	decision := audit.DecisionAllow
	code := "OK"
	if lastChunk.Event == "error" && lastChunk.Error != nil {
		decision = audit.DecisionError
		code = lastChunk.Error.Code
	}
	streaming := true
	rec := audit.Record{
		RequestID: reqID, Origin: admission.Origin, TokenPresent: admission.TokenPresent,
		Tool: toolName, Decision: decision, Code: code, Streaming: &streaming,
		DurationMS: time.Since(start).Milliseconds(), BytesOut: bytesOut,
	}
	applyStreamExecAuditFields(&rec, lastChunk)
	audit.Emit(ctx, rec)
}

// streamExecAuditFields mirrors the shape ExecTool.StreamCall embeds in
// its terminal "end" record's Result so the audit layer can recover
// exec's §3 fields without a tool-specific type assertion on a streaming
// result (streaming tools return chunks, not a single typed value).
type streamExecAuditFields struct {
	ExitCode  *int  `json:"exit_code"`
	StdoutLen *int  `json:"stdout_len"`
	StderrLen *int  `json:"stderr_len"`
	Truncated *bool `json:"truncated"`
	TimedOut  *bool `json:"timed_out"`
}

func applyStreamExecAuditFields(rec *audit.Record, lastChunk tool.StreamChunk) {
	if lastChunk.Event != "end" || len(lastChunk.Result) == 0 {
		return
	}
	var extra streamExecAuditFields
	if err := json.Unmarshal(lastChunk.Result, &extra); err != nil {
		return
	}
	rec.ExitCode = extra.ExitCode
	rec.StdoutLen = extra.StdoutLen
	rec.StderrLen = extra.StderrLen
	rec.Truncated = extra.Truncated
	rec.TimedOut = extra.TimedOut
}
