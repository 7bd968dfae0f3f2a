package shared

import (
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/pkg/streamjson"
)

// ClassifyToolAction maps an engine tool call to the uniform action model.
// Unknown tools keep their name and arguments as a generic action.
func ClassifyToolAction(toolName string, input map[string]any) *models.ToolAction {
	switch toolName {
	case streamjson.ToolRead:
		return models.FileReadAction(GetString(input, "file_path"))
	case streamjson.ToolWrite, streamjson.ToolEdit, streamjson.ToolMultiEdit, streamjson.ToolNotebookEdit:
		return models.FileEditAction(GetString(input, "file_path"))
	case streamjson.ToolBash:
		command := GetString(input, "command")
		return models.CommandRunAction(command, ClassifyCommand(command))
	case streamjson.ToolGlob, streamjson.ToolGrep:
		return models.SearchAction(GetString(input, "pattern"))
	case streamjson.ToolWebFetch:
		return models.WebFetchAction(GetString(input, "url"))
	case streamjson.ToolWebSearch:
		return models.SearchAction(GetString(input, "query"))
	default:
		return models.GenericToolAction(toolName, input)
	}
}
