package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/confine"
)

// FSReadTool implements the fs_read capability (§4.4): resolve the
// requested path against the jail root, read the whole file, and return
// it base64-encoded.
type FSReadTool struct {
	DefaultStreamCall
	root *confine.Root
}

// NewFSReadTool constructs an fs_read tool confined to root.
func NewFSReadTool(root *confine.Root) *FSReadTool {
	return &FSReadTool{root: root}
}

func (t *FSReadTool) Name() string { return "fs_read" }

func (t *FSReadTool) Schema() Schema {
	return Schema{
		Name:        "fs_read",
		Description: "Read a file's contents under the configured root, base64-encoded",
		Input: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content_b64": map[string]any{"type": "string"},
				"encoding":    map[string]any{"type": "string", "const": "base64"},
			},
		},
	}
}

type fsReadParams struct {
	Path string `json:"path"`
}

type fsReadResult struct {
	ContentB64 string `json:"content_b64"`
	Encoding   string `json:"encoding"`
}

func (t *FSReadTool) Call(ctx context.Context, params json.RawMessage) (any, error) {
	var p fsReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperror.ToolError("invalid parameters: " + err.Error())
	}
	if p.Path == "" {
		return nil, apperror.ToolError("path is required")
	}

	resolved, err := t.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperror.NotFound()
		}
		return nil, apperror.Internal("failed to read file", err)
	}

	return fsReadResult{
		ContentB64: base64.StdEncoding.EncodeToString(data),
		Encoding:   "base64",
	}, nil
}
