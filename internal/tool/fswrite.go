package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/confine"
)

// FSWriteTool implements the fs_write capability (§4.5): resolve the
// requested path against the jail root, create missing parent
// directories, decode the base64 payload, and write it, truncating any
// existing content.
type FSWriteTool struct {
	DefaultStreamCall
	root *confine.Root
}

// NewFSWriteTool constructs an fs_write tool confined to root.
func NewFSWriteTool(root *confine.Root) *FSWriteTool {
	return &FSWriteTool{root: root}
}

func (t *FSWriteTool) Name() string { return "fs_write" }

func (t *FSWriteTool) Schema() Schema {
	return Schema{
		Name:        "fs_write",
		Description: "Write base64-encoded content to a file under the configured root",
		Input: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string"},
				"content_b64": map[string]any{"type": "string"},
				"mode":        map[string]any{"type": "string", "description": "optional octal permission string"},
			},
			"required": []string{"path", "content_b64"},
		},
		Output: map[string]any{
			"type":       "object",
			"properties": map[string]any{"bytes_written": map[string]any{"type": "integer"}},
		},
	}
}

type fsWriteParams struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
	Mode       string `json:"mode,omitempty"`
}

type fsWriteResult struct {
	BytesWritten int `json:"bytes_written"`
}

func (t *FSWriteTool) Call(ctx context.Context, params json.RawMessage) (any, error) {
	var p fsWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperror.ToolError("invalid parameters: " + err.Error())
	}
	if p.Path == "" {
		return nil, apperror.ToolError("path is required")
	}

	data, err := base64.StdEncoding.DecodeString(p.ContentB64)
	if err != nil {
		return nil, apperror.ToolError("content_b64 is not valid base64")
	}

	resolved, err := t.root.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, apperror.Internal("failed to create parent directories", err)
	}

	perm := os.FileMode(0o644)
	if p.Mode != "" {
		parsed, err := strconv.ParseUint(p.Mode, 8, 32)
		if err != nil {
			return nil, apperror.ToolError("mode must be an octal permission string")
		}
		perm = os.FileMode(parsed)
	}

	if err := os.WriteFile(resolved, data, perm); err != nil {
		return nil, apperror.Internal("failed to write file", err)
	}
	// mode is best-effort even when the file already existed with
	// different permissions; WriteFile only applies perm on creation.
	if p.Mode != "" {
		_ = os.Chmod(resolved, perm)
	}

	return fsWriteResult{BytesWritten: len(data)}, nil
}
