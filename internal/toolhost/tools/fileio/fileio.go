// Package fileio provides a sandboxed file read/write tool set for
// internal/toolhost. All paths are resolved relative to a configured base
// directory; path traversal attempts (e.g. "../") are rejected.
package fileio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llmrtc/llmrtc/internal/toolhost"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// maxReadBytes is the largest file read_file will return; larger files are
// rejected rather than truncated.
const maxReadBytes = 1 << 20 // 1 MiB

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

type readFileArgs struct {
	Path string `json:"path"`
}

type readFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// safePath resolves relPath against baseDir and verifies that the resolved
// path stays within baseDir.
func safePath(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("fileio: path must not be empty")
	}
	joined := filepath.Join(baseDir, relPath)
	cleanBase := filepath.Clean(baseDir)
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) && joined != cleanBase {
		return "", fmt.Errorf("fileio: path %q escapes the sandbox directory", relPath)
	}
	return joined, nil
}

func writeFileHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a writeFileArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("fileio: write_file: parse arguments: %w", err)
		}
		absPath, err := safePath(baseDir, a.Path)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return "", fmt.Errorf("fileio: write_file: create directories: %w", err)
		}
		if err := os.WriteFile(absPath, []byte(a.Content), 0o644); err != nil {
			return "", fmt.Errorf("fileio: write_file: write file: %w", err)
		}
		res, err := json.Marshal(writeFileResult{Path: a.Path, BytesWritten: len(a.Content)})
		if err != nil {
			return "", fmt.Errorf("fileio: write_file: encode result: %w", err)
		}
		return string(res), nil
	}
}

func readFileHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a readFileArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("fileio: read_file: parse arguments: %w", err)
		}
		absPath, err := safePath(baseDir, a.Path)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: %w", err)
		}
		if info.Size() > maxReadBytes {
			return "", fmt.Errorf("fileio: read_file: file %q is too large (%d bytes, max %d)", a.Path, info.Size(), maxReadBytes)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: read file: %w", err)
		}
		res, err := json.Marshal(readFileResult{Path: a.Path, Content: string(data)})
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: encode result: %w", err)
		}
		return string(res), nil
	}
}

// NewTools returns the "write_file"/"read_file" tool set sandboxed to
// baseDir, ready for registration with a [toolhost.Host]. baseDir must be an
// absolute path to an existing directory.
func NewTools(baseDir string) []toolhost.Tool {
	return []toolhost.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "write_file",
				Description: "Write text content to a file within the session's sandboxed file store. Creates missing parent directories automatically.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "Relative file path within the sandbox. Must not contain '..' path components."},
						"content": map[string]any{"type": "string", "description": "Text content to write."},
					},
					"required": []string{"path", "content"},
				},
				Tier: types.BudgetTierFast,
			},
			Handler: writeFileHandler(baseDir),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "read_file",
				Description: "Read the text content of a file from the session's sandboxed file store. Files larger than 1 MiB are rejected.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Relative file path within the sandbox. Must not contain '..' path components."},
					},
					"required": []string{"path"},
				},
				Tier: types.BudgetTierFast,
			},
			Handler: readFileHandler(baseDir),
		},
	}
}
