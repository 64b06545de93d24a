package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/tool"
	"github.com/plyght/valet/pkg/protocol"
)

// toolsCallParams is the tools/call parameter shape from §3, with one
// extension beyond the spec's wire detail: a sibling "stream" flag
// selects the call_stream variant (§4.7) for tools that implement it.
// The spec leaves this wire detail to the implementation.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Stream    bool            `json:"stream,omitempty"`
}

// dispatch routes a validated rpcRequest to its handler. The returned
// tool name is "" unless method is tools/call with parseable params, in
// which case it is the requested name whether or not it resolves; it
// exists purely for audit labeling. The returned *tool.ExecAuditFields is
// non-nil only when the dispatched tool's result carries audit-specific
// fields (today, only exec's). A non-nil *apperror.AppError means the
// response's HTTP status must reflect the taxonomy, even though the
// JSON-RPC error code stays generic.
func (s *Server) dispatch(ctx context.Context, req rpcRequest) (rpcResponse, string, *tool.ExecAuditFields, *apperror.AppError) {
	if req.JSONRPC != "2.0" {
		ae := apperror.ToolError("jsonrpc must be \"2.0\"")
		return errorResponse(req.ID, rpcCodeAdmissionDenied, ae.Error(), ae.AsBody()), "", nil, ae
	}

	switch req.Method {
	case protocol.MethodInitialize:
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: initializeResult()}, "", nil, nil
	case protocol.MethodInitialized:
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}, "", nil, nil
	case protocol.MethodToolsList:
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: s.toolsListResult()}, "", nil, nil
	case protocol.MethodToolsCall:
		return s.dispatchToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, rpcCodeMethodNotFound, "Method not found", nil), "", nil, nil
	}
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": protocol.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":   map[string]any{},
			"logging": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    protocol.ServerName,
			"version": protocol.ServerVersion,
		},
	}
}

func (s *Server) toolsListResult() map[string]any {
	schemas := s.tools.List()
	entries := make([]map[string]any, 0, len(schemas))
	for _, sc := range schemas {
		entries = append(entries, map[string]any{
			"name":        sc.Name,
			"description": sc.Description,
			"inputSchema": sc.Input,
		})
	}
	return map[string]any{"tools": entries}
}

func (s *Server) dispatchToolsCall(ctx context.Context, req rpcRequest) (rpcResponse, string, *tool.ExecAuditFields, *apperror.AppError) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		ae := apperror.ToolError("invalid tools/call parameters")
		return errorResponse(req.ID, rpcCodeAdmissionDenied, ae.Error(), ae.AsBody()), "", nil, ae
	}

	t, err := s.tools.Get(params.Name)
	if err != nil {
		ae, _ := apperror.As(err)
		return errorResponse(req.ID, rpcCodeAdmissionDenied, ae.Error(), ae.AsBody()), params.Name, nil, ae
	}

	result, err := t.Call(ctx, params.Arguments)
	if err != nil {
		ae, ok := apperror.As(err)
		if !ok {
			ae = apperror.Internal("tool call failed", err)
		}
		return errorResponse(req.ID, rpcCodeAdmissionDenied, ae.Error(), ae.AsBody()), params.Name, nil, ae
	}

	var extra *tool.ExecAuditFields
	if withExtra, ok := result.(tool.AuditExtra); ok {
		fields := withExtra.AuditExtra()
		extra = &fields
	}

	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}, params.Name, extra, nil
}

// streamRequested reports whether req is a tools/call asking for the
// streaming variant.
func streamRequested(req rpcRequest) (name string, args json.RawMessage, ok bool) {
	if req.Method != protocol.MethodToolsCall {
		return "", nil, false
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return "", nil, false
	}
	return params.Name, params.Arguments, params.Stream
}
