package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)

	res := write.Execute(context.Background(), map[string]any{
		"path":    "notes/hello.txt",
		"content": "first line\nsecond line\n",
	})
	if res.IsError {
		t.Fatalf("write failed: %v", res.Payload)
	}
	if res.Payload["bytes_written"] != len("first line\nsecond line\n") {
		t.Errorf("bytes_written = %v", res.Payload["bytes_written"])
	}

	res = read.Execute(context.Background(), map[string]any{"path": "notes/hello.txt"})
	if res.IsError {
		t.Fatalf("read failed: %v", res.Payload)
	}
	if res.Payload["content"] != "first line\nsecond line\n" {
		t.Errorf("content = %q", res.Payload["content"])
	}
}

func TestWorkspaceEscapeRejected(t *testing.T) {
	ws := t.TempDir()

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("hidden"), 0644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		path string
	}{
		{"relative escape", "../secret.txt"},
		{"absolute escape", outside},
		{"deep relative escape", "a/b/../../../../etc/passwd"},
	}

	read := NewReadFileTool(ws, true)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := read.Execute(context.Background(), map[string]any{"path": tc.path})
			if !res.IsError {
				t.Fatalf("path %q not rejected: %v", tc.path, res.Payload)
			}
		})
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "leak.txt")
	if err := os.WriteFile(target, []byte("leak"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(ws, "innocent.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	read := NewReadFileTool(ws, true)
	res := read.Execute(context.Background(), map[string]any{"path": "innocent.txt"})
	if !res.IsError {
		t.Fatalf("symlink escape not rejected: %v", res.Payload)
	}
}

func TestUnrestrictedAbsolutePaths(t *testing.T) {
	other := t.TempDir()
	target := filepath.Join(other, "free.txt")
	if err := os.WriteFile(target, []byte("anywhere"), 0644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(t.TempDir(), false)
	res := read.Execute(context.Background(), map[string]any{"path": target})
	if res.IsError {
		t.Fatalf("unrestricted read failed: %v", res.Payload)
	}
	if res.Payload["content"] != "anywhere" {
		t.Errorf("content = %q", res.Payload["content"])
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	for _, name := range []string{"zeta.go", "alpha.go"} {
		if err := os.WriteFile(filepath.Join(ws, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	list := NewListDirTool(ws, true)
	res := list.Execute(context.Background(), map[string]any{})
	if res.IsError {
		t.Fatalf("list failed: %v", res.Payload)
	}

	entries := res.Payload["entries"].([]map[string]any)
	if len(entries) != 3 {
		t.Fatalf("entries = %v", entries)
	}
	wantNames := []string{"alpha.go", "sub", "zeta.go"}
	for i, want := range wantNames {
		if entries[i]["name"] != want {
			t.Errorf("entries[%d] = %v, want %s", i, entries[i]["name"], want)
		}
	}
	if entries[1]["type"] != "dir" {
		t.Errorf("sub type = %v", entries[1]["type"])
	}
}

func TestWorkspaceOverrideFromContext(t *testing.T) {
	defaultWs := t.TempDir()
	otherWs := t.TempDir()
	if err := os.WriteFile(filepath.Join(otherWs, "here.txt"), []byte("override"), 0644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(defaultWs, true)
	ctx := WithToolWorkspace(context.Background(), otherWs)
	res := read.Execute(ctx, map[string]any{"path": "here.txt"})
	if res.IsError {
		t.Fatalf("context workspace not honoured: %v", res.Payload)
	}
	if res.Payload["content"] != "override" {
		t.Errorf("content = %q", res.Payload["content"])
	}
}
