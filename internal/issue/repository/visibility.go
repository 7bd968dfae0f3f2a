package repository

import "github.com/issuedeck/issuedeck/internal/issue/models"

// System-message subtypes that stay visible outside dev mode.
const (
	subtypeCommandOutput   = "command_output"
	subtypeCompactBoundary = "compact_boundary"
)

// IsVisibleForMode reports whether an entry should reach a client in the
// given mode. Dev mode shows everything. Normal mode shows user and
// assistant messages plus the system messages carrying command output or
// compaction markers; tool traffic and protocol chatter stay hidden.
func IsVisibleForMode(entry *models.NormalizedEntry, devMode bool) bool {
	if devMode {
		return true
	}
	switch entry.EntryType {
	case models.EntryUserMessage, models.EntryAssistantMessage:
		return true
	case models.EntrySystemMessage:
		subtype := entry.MetaString(models.MetaSubtype)
		return subtype == subtypeCommandOutput || subtype == subtypeCompactBoundary
	default:
		return false
	}
}
