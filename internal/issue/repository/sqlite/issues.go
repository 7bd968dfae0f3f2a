package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/issuedeck/issuedeck/internal/db/dialect"
	"github.com/issuedeck/issuedeck/internal/issue/models"
)

const issueColumns = `id, project_id, status_id, session_status, engine_type, model, prompt,
		working_dir, external_session_id, dev_mode, permission_mode, last_error, created_at, updated_at`

// CreateIssue inserts an issue row, assigning an id and timestamps when unset.
func (r *Repository) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = ulid.Make().String()
	}
	if issue.StatusID == "" {
		issue.StatusID = models.StatusTodo
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	query := r.pool.Writer().Rebind(`
		INSERT INTO issues (` + issueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.pool.Writer().ExecContext(ctx, query,
		issue.ID, issue.ProjectID, string(issue.StatusID), string(issue.SessionStatus),
		string(issue.EngineType), issue.Model, issue.Prompt, issue.WorkingDir,
		issue.ExternalSessionID, dialect.BoolToInt(issue.DevMode), string(issue.PermissionMode),
		issue.LastError, issue.CreatedAt, issue.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	return nil
}

// GetIssue retrieves an issue by id.
func (r *Repository) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	query := r.pool.Reader().Rebind(`SELECT ` + issueColumns + ` FROM issues WHERE id = ?`)
	row := r.pool.Reader().QueryRowContext(ctx, query, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

// UpdateIssue rewrites all mutable fields of an issue.
func (r *Repository) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	issue.UpdatedAt = time.Now().UTC()
	query := r.pool.Writer().Rebind(`
		UPDATE issues
		SET project_id = ?, status_id = ?, session_status = ?, engine_type = ?, model = ?,
			prompt = ?, working_dir = ?, external_session_id = ?, dev_mode = ?,
			permission_mode = ?, last_error = ?, updated_at = ?
		WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query,
		issue.ProjectID, string(issue.StatusID), string(issue.SessionStatus),
		string(issue.EngineType), issue.Model, issue.Prompt, issue.WorkingDir,
		issue.ExternalSessionID, dialect.BoolToInt(issue.DevMode),
		string(issue.PermissionMode), issue.LastError, issue.UpdatedAt, issue.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %s", issue.ID)
	}
	return nil
}

// ListIssues returns issues, optionally narrowed to a project, newest first.
func (r *Repository) ListIssues(ctx context.Context, projectID string) ([]*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var args []interface{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}
	return issues, nil
}

// UpdateSessionStatus transitions the session lifecycle state and records the
// error, if any, that caused it.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, lastError string) error {
	query := r.pool.Writer().Rebind(`
		UPDATE issues SET session_status = ?, last_error = ?, updated_at = ? WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query,
		string(status), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %s", id)
	}
	return nil
}

// SetExternalSessionID records the engine-side session id used to resume the
// conversation in follow-up turns.
func (r *Repository) SetExternalSessionID(ctx context.Context, id, externalSessionID string) error {
	query := r.pool.Writer().Rebind(`
		UPDATE issues SET external_session_id = ?, updated_at = ? WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query, externalSessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set external session id: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %s", id)
	}
	return nil
}

// SweepActiveSessions fails every issue left in an active session state. The
// orchestrator runs it at startup: running or pending rows can only be
// leftovers of a previous process.
func (r *Repository) SweepActiveSessions(ctx context.Context, lastError string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE issues SET session_status = ?, last_error = ?, updated_at = %s
		WHERE session_status IN (?, ?)`, dialect.Now(r.pool.Driver()))
	result, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(query),
		string(models.SessionFailed), lastError,
		string(models.SessionPending), string(models.SessionRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep active sessions: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row scanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var statusID, sessionStatus, engineType, permissionMode string
	var devMode int
	err := row.Scan(
		&issue.ID, &issue.ProjectID, &statusID, &sessionStatus, &engineType, &issue.Model,
		&issue.Prompt, &issue.WorkingDir, &issue.ExternalSessionID, &devMode, &permissionMode,
		&issue.LastError, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.StatusID = models.StatusID(statusID)
	issue.SessionStatus = models.SessionStatus(sessionStatus)
	issue.EngineType = models.EngineType(engineType)
	issue.PermissionMode = models.PermissionMode(permissionMode)
	issue.DevMode = devMode == 1
	return issue, nil
}
