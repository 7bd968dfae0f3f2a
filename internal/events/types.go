// Package events provides event types and subject helpers for the issuedeck
// event system.
package events

// Event types for issues
const (
	IssueUpdated = "issue.updated"
	IssueDeleted = "issue.deleted"
)

// Event types for issue executions
const (
	// IssueLog carries one normalized log entry.
	IssueLog = "issue.log"
	// IssueStateChanged carries sessionStatus transitions. The payload
	// includes the executionId so consumers can drop stale terminal events
	// from an earlier turn.
	IssueStateChanged = "issue.state_changed"
	// IssueSettled fires once per execution when it reaches a terminal state.
	IssueSettled = "issue.settled"
	// IssueActivity carries engine lifecycle activity (spawn, interrupt,
	// follow-up dispatch) for diagnostics surfaces.
	IssueActivity = "issue.activity"
	// IssueChangesSummary carries the per-turn summary of file changes and
	// commands the engine performed, published at settlement.
	IssueChangesSummary = "issue.changes_summary"
)

// Event types for engines
const (
	EngineAvailabilityUpdated = "engine.availability_updated"
)

// BuildIssueLogSubject creates a log subject for a specific issue
func BuildIssueLogSubject(issueID string) string {
	return IssueLog + "." + issueID
}

// BuildIssueLogWildcardSubject creates a wildcard subscription for all issue log events
func BuildIssueLogWildcardSubject() string {
	return IssueLog + ".*"
}

// BuildIssueStateSubject creates a state-change subject for a specific issue
func BuildIssueStateSubject(issueID string) string {
	return IssueStateChanged + "." + issueID
}

// BuildIssueStateWildcardSubject creates a wildcard subscription for all state-change events
func BuildIssueStateWildcardSubject() string {
	return IssueStateChanged + ".*"
}

// BuildIssueSettledSubject creates a settled subject for a specific issue
func BuildIssueSettledSubject(issueID string) string {
	return IssueSettled + "." + issueID
}

// BuildIssueSettledWildcardSubject creates a wildcard subscription for all settled events
func BuildIssueSettledWildcardSubject() string {
	return IssueSettled + ".*"
}

// BuildIssueActivitySubject creates an activity subject for a specific issue
func BuildIssueActivitySubject(issueID string) string {
	return IssueActivity + "." + issueID
}

// BuildIssueActivityWildcardSubject creates a wildcard subscription for all activity events
func BuildIssueActivityWildcardSubject() string {
	return IssueActivity + ".*"
}

// BuildIssueChangesSubject creates a changes-summary subject for a specific issue
func BuildIssueChangesSubject(issueID string) string {
	return IssueChangesSummary + "." + issueID
}

// BuildIssueChangesWildcardSubject creates a wildcard subscription for all changes-summary events
func BuildIssueChangesWildcardSubject() string {
	return IssueChangesSummary + ".*"
}

// BuildIssueUpdatedSubject creates an updated subject for a specific issue
func BuildIssueUpdatedSubject(issueID string) string {
	return IssueUpdated + "." + issueID
}

// BuildIssueUpdatedWildcardSubject creates a wildcard subscription for all issue update events
func BuildIssueUpdatedWildcardSubject() string {
	return IssueUpdated + ".*"
}
