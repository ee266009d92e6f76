package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FilesystemTools returns the built-in virtual filesystem suite:
// write_file, read_file, and list_files against the session's in-memory
// file slice. Paths are opaque strings; list_files matches by prefix only.
func FilesystemTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:        "write_file",
			Description: "Write content to a virtual file. Overwrites any previous content at the same path.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
			Handler: writeFile,
		},
		{
			Name:        "read_file",
			Description: "Read a virtual file. Returns an error if no file exists at the path.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
			Handler: readFile,
		},
		{
			Name:        "list_files",
			Description: "List virtual file paths, optionally filtered by prefix. Returns one path per line.",
			Effect:      EffectState,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"prefix": {"type": "string"}}
			}`),
			Handler: listFiles,
		},
	}
}

func writeFile(_ context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	if args.Path == "" {
		return nil, fmt.Errorf("empty path")
	}
	tc.State.WriteFile(args.Path, []byte(args.Content))
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func readFile(_ context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	content, ok := tc.State.ReadFile(args.Path)
	if !ok {
		return nil, fmt.Errorf("no file at %q", args.Path)
	}
	return string(content), nil
}

func listFiles(_ context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
	var args struct {
		Prefix string `json:"prefix"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}
	paths := tc.State.ListFiles(args.Prefix)
	if len(paths) == 0 {
		return "no files", nil
	}
	return strings.Join(paths, "\n"), nil
}
