package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/types"
)

func newTestFileTools(t *testing.T) (*FileTools, *tools.Executor, string) {
	t.Helper()
	root := t.TempDir()
	ft, err := New(Config{
		Root:         root,
		Aliases:      map[string]string{"desktop": filepath.Join(root, "Desktop")},
		MaxReadChars: 10,
	}, zap.NewNop())
	require.NoError(t, err)

	reg := tools.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(ft.Tools()...))
	return ft, tools.NewExecutor(reg, zap.NewNop()), root
}

func call(t *testing.T, e *tools.Executor, name string, args any) types.ToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return e.ExecuteOne(context.Background(), types.ToolCall{ID: "c", Name: name, Arguments: raw})
}

func TestResolve(t *testing.T) {
	ft, _, root := newTestFileTools(t)

	p, err := ft.Resolve("notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes", "todo.txt"), p)

	p, err = ft.Resolve("Desktop")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Desktop"), p)

	_, err = ft.Resolve("../escape.txt")
	assert.Error(t, err)

	_, err = ft.Resolve("/etc/passwd")
	assert.Error(t, err)

	_, err = ft.Resolve("  ")
	assert.Error(t, err)
}

func TestFileTools_WriteReadList(t *testing.T) {
	_, e, root := newTestFileTools(t)

	res := call(t, e, "write_file", map[string]string{"path": "notes/todo.txt", "content": "buy milk and eggs"})
	assert.False(t, res.Failed)
	assert.Contains(t, res.Output, "File written")

	res = call(t, e, "read_file", map[string]any{"path": "notes/todo.txt"})
	assert.Equal(t, "buy milk a", res.Output, "read is capped at MaxReadChars")

	res = call(t, e, "read_file", map[string]any{"path": "notes/todo.txt", "max_chars": 3})
	assert.Equal(t, "buy", res.Output)

	res = call(t, e, "read_file", map[string]any{"path": "missing.txt"})
	assert.Contains(t, res.Output, "File not found")

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	res = call(t, e, "list_directory", map[string]any{})
	assert.Equal(t, "a.txt\nnotes/", res.Output)
}

func TestFileTools_FolderMoveCopy(t *testing.T) {
	_, e, root := newTestFileTools(t)

	res := call(t, e, "create_folder", map[string]string{"path": "desktop"})
	assert.Contains(t, res.Output, "Folder created")
	assert.DirExists(t, filepath.Join(root, "Desktop"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "report.txt"), []byte("q3"), 0o644))

	res = call(t, e, "copy_path", map[string]string{"source": "report.txt", "destination": "desktop"})
	assert.Contains(t, res.Output, "Copied to")
	assert.FileExists(t, filepath.Join(root, "Desktop", "report.txt"))

	res = call(t, e, "move_path", map[string]string{"source": "report.txt", "destination": "archive/report-old.txt"})
	assert.Contains(t, res.Output, "Moved to")
	assert.NoFileExists(t, filepath.Join(root, "report.txt"))
	assert.FileExists(t, filepath.Join(root, "archive", "report-old.txt"))

	res = call(t, e, "copy_path", map[string]string{"source": "archive", "destination": "backup"})
	assert.Contains(t, res.Output, "Copied to")
	assert.FileExists(t, filepath.Join(root, "backup", "report-old.txt"))

	res = call(t, e, "copy_path", map[string]string{"source": "archive", "destination": "archive/nested"})
	assert.Equal(t, "Cannot copy a folder into itself", res.Output)

	res = call(t, e, "move_path", map[string]string{"source": "ghost.txt", "destination": "x.txt"})
	assert.Contains(t, res.Output, "Source does not exist")
}

func TestFileTools_Delete(t *testing.T) {
	_, e, root := newTestFileTools(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "full", "child"), 0o755))

	res := call(t, e, "delete_path", map[string]string{"path": "tmp.txt"})
	assert.True(t, strings.HasPrefix(res.Output, "Deleted"))
	assert.NoFileExists(t, filepath.Join(root, "tmp.txt"))

	res = call(t, e, "delete_path", map[string]string{"path": "full"})
	assert.Contains(t, res.Output, "Failed to delete")
	assert.DirExists(t, filepath.Join(root, "full"))

	res = call(t, e, "delete_path", map[string]string{"path": "tmp.txt"})
	assert.Contains(t, res.Output, "does not exist")

	res = call(t, e, "delete_path", map[string]string{"path": "../outside"})
	assert.Contains(t, res.Output, "outside the allowed folder")
}

func TestFileTools_DeleteIsSensitive(t *testing.T) {
	ft, _, _ := newTestFileTools(t)
	for _, tool := range ft.Tools() {
		assert.Equal(t, tool.Name == "delete_path", tool.Sensitive, tool.Name)
	}
}
