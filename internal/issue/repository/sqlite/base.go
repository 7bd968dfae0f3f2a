// Package sqlite provides the SQL-backed issue repository. SQLite is the
// primary deployment; the same statements run on PostgreSQL through the
// dialect helpers and sqlx bindvar rebinding.
package sqlite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/db"
	"github.com/issuedeck/issuedeck/internal/db/dialect"
	"github.com/issuedeck/issuedeck/internal/issue/repository"
)

// Repository provides SQL-backed storage for issues, log entries, and the
// pending-message queue.
type Repository struct {
	pool   *db.Pool
	logger *logger.Logger
}

var _ repository.Repository = (*Repository)(nil)

// New creates a repository over an open pool and initializes the schema.
// The caller keeps ownership of the pool.
func New(pool *db.Pool, log *logger.Logger) (*Repository, error) {
	repo := &Repository{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "issue-repository")),
	}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist. Statements run
// one at a time so they work on both drivers.
func (r *Repository) initSchema() error {
	if err := r.initIssueSchema(); err != nil {
		return err
	}
	if err := r.initLogSchema(); err != nil {
		return err
	}
	return r.initPendingSchema()
}

func (r *Repository) initIssueSchema() error {
	ts := dialect.TimestampType(r.pool.Driver())
	if _, err := r.pool.Writer().Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		status_id TEXT NOT NULL DEFAULT 'todo',
		session_status TEXT NOT NULL DEFAULT '',
		engine_type TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		external_session_id TEXT NOT NULL DEFAULT '',
		dev_mode INTEGER NOT NULL DEFAULT 0,
		permission_mode TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at %s NOT NULL,
		updated_at %s NOT NULL
	)`, ts, ts)); err != nil {
		return err
	}
	if _, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_issues_project_id ON issues(project_id)`); err != nil {
		return err
	}
	_, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_issues_session_status ON issues(session_status)`)
	return err
}

func (r *Repository) initLogSchema() error {
	if _, err := r.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS issue_logs (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		entry_index INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		reply_to_message_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		return err
	}
	if _, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_issue_logs_page ON issue_logs(issue_id, visible, turn_index, entry_index)`); err != nil {
		return err
	}
	if _, err := r.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS issue_logs_tools (
		id TEXT PRIMARY KEY,
		log_id TEXT NOT NULL,
		issue_id TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		is_result INTEGER NOT NULL DEFAULT 0,
		raw TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (log_id) REFERENCES issue_logs(id) ON DELETE CASCADE
	)`); err != nil {
		return err
	}
	if _, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_issue_logs_tools_log_id ON issue_logs_tools(log_id)`); err != nil {
		return err
	}
	_, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_issue_logs_tools_issue_id ON issue_logs_tools(issue_id)`)
	return err
}

func (r *Repository) initPendingSchema() error {
	ts := dialect.TimestampType(r.pool.Driver())
	if _, err := r.pool.Writer().Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS pending_messages (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at %s NOT NULL,
		dispatched INTEGER NOT NULL DEFAULT 0
	)`, ts)); err != nil {
		return err
	}
	_, err := r.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_pending_messages_queue ON pending_messages(issue_id, dispatched)`)
	return err
}
