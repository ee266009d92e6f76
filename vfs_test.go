package fathom

import (
	"context"
	"strings"
	"testing"
)

func vfsExec(t *testing.T) *executor {
	t.Helper()
	return newTestExecutor(t, FilesystemTools()...)
}

func TestFilesystemTools(t *testing.T) {
	exec := vfsExec(t)
	ctx := context.Background()

	r := exec.executeBatch(ctx, []ToolUseBlock{use("w1", "write_file", `{"path": "notes/plan.md", "content": "step one"}`)})
	if r[0].IsError {
		t.Fatalf("write_file: %s", r[0].Content)
	}

	r = exec.executeBatch(ctx, []ToolUseBlock{use("r1", "read_file", `{"path": "notes/plan.md"}`)})
	if r[0].IsError || r[0].Content != "step one" {
		t.Fatalf("read_file = %+v", r[0])
	}

	r = exec.executeBatch(ctx, []ToolUseBlock{use("r2", "read_file", `{"path": "missing.md"}`)})
	if !r[0].IsError || !strings.Contains(r[0].Content, "no file") {
		t.Fatalf("read of missing file = %+v", r[0])
	}

	exec.executeBatch(ctx, []ToolUseBlock{use("w2", "write_file", `{"path": "report.md", "content": "x"}`)})

	r = exec.executeBatch(ctx, []ToolUseBlock{use("l1", "list_files", `{"prefix": "notes/"}`)})
	if r[0].IsError || r[0].Content != "notes/plan.md" {
		t.Fatalf("list_files with prefix = %+v", r[0])
	}

	r = exec.executeBatch(ctx, []ToolUseBlock{use("l2", "list_files", `{}`)})
	if r[0].IsError {
		t.Fatalf("list_files: %s", r[0].Content)
	}
	if got := strings.Split(r[0].Content, "\n"); len(got) != 2 {
		t.Errorf("list_files = %q", r[0].Content)
	}
}

func TestWriteFileRejectsEmptyPath(t *testing.T) {
	exec := vfsExec(t)
	r := exec.executeBatch(context.Background(), []ToolUseBlock{use("w1", "write_file", `{"path": "", "content": "x"}`)})
	if !r[0].IsError {
		t.Fatal("empty path accepted")
	}
}
