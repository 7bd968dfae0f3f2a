package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

func TestClassifyToolAction(t *testing.T) {
	t.Run("file read", func(t *testing.T) {
		action := ClassifyToolAction("Read", map[string]any{"file_path": "cmd/main.go"})
		assert.Equal(t, models.ToolActionFileRead, action.Kind)
		assert.Equal(t, "cmd/main.go", action.Path)
	})

	t.Run("file edit variants", func(t *testing.T) {
		for _, tool := range []string{"Write", "Edit", "MultiEdit", "NotebookEdit"} {
			action := ClassifyToolAction(tool, map[string]any{"file_path": "notes.md"})
			assert.Equal(t, models.ToolActionFileEdit, action.Kind, tool)
			assert.Equal(t, "notes.md", action.Path, tool)
		}
	})

	t.Run("command run carries category", func(t *testing.T) {
		action := ClassifyToolAction("Bash", map[string]any{"command": "ls"})
		require.Equal(t, models.ToolActionCommandRun, action.Kind)
		assert.Equal(t, "ls", action.Command)
		assert.Equal(t, models.CommandRead, action.Category)
	})

	t.Run("search tools", func(t *testing.T) {
		action := ClassifyToolAction("Grep", map[string]any{"pattern": "TODO"})
		assert.Equal(t, models.ToolActionSearch, action.Kind)
		assert.Equal(t, "TODO", action.Query)

		action = ClassifyToolAction("WebSearch", map[string]any{"query": "go sqlite wal"})
		assert.Equal(t, models.ToolActionSearch, action.Kind)
		assert.Equal(t, "go sqlite wal", action.Query)
	})

	t.Run("web fetch", func(t *testing.T) {
		action := ClassifyToolAction("WebFetch", map[string]any{"url": "https://pkg.go.dev"})
		assert.Equal(t, models.ToolActionWebFetch, action.Kind)
		assert.Equal(t, "https://pkg.go.dev", action.URL)
	})

	t.Run("unknown tool stays generic", func(t *testing.T) {
		input := map[string]any{"todos": []any{"a", "b"}}
		action := ClassifyToolAction("TodoWrite", input)
		require.Equal(t, models.ToolActionGeneric, action.Kind)
		assert.Equal(t, "TodoWrite", action.ToolName)
		assert.Equal(t, input, action.Args)
	})

	t.Run("nil input", func(t *testing.T) {
		action := ClassifyToolAction("Read", nil)
		assert.Equal(t, models.ToolActionFileRead, action.Kind)
		assert.Empty(t, action.Path)
	})
}

func TestMapAccessors(t *testing.T) {
	m := map[string]any{
		"name":   "Bash",
		"count":  float64(3),
		"active": true,
		"inner":  map[string]any{"k": "v"},
	}

	assert.Equal(t, "Bash", GetString(m, "name"))
	assert.Equal(t, "", GetString(m, "count"))
	assert.Equal(t, 3, GetInt(m, "count"))
	assert.Equal(t, 0, GetInt(m, "name"))
	assert.True(t, GetBool(m, "active"))
	assert.False(t, GetBool(m, "missing"))
	assert.Equal(t, map[string]any{"k": "v"}, GetMap(m, "inner"))
	assert.Nil(t, GetMap(m, "name"))
}
