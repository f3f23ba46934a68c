package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents, pipeline tasks,
// and agent configurations. The chunk index shares the same database but is
// managed by the retrieval package.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scribeflow.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database for packages sharing the same file,
// such as the retrieval index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

func (s *Store) SaveDocument(d Document) error {
	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, name, type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Type, orJSON(d.Metadata, "{}"),
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, type, metadata, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Type, &d.Metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

func (s *Store) ListDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.Metadata, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Pipeline tasks ---

const taskColumns = `id, task_type, status, related_pipeline_id, title, summary,
	target_audience, keywords, data, source_chunk_ids, source_document_ids,
	error_message, created_at, updated_at, completed_at`

// CreateTask inserts a new pipeline task. When RelatedPipelineID is set, the
// predecessor must exist and its task_type must be the stage immediately
// prior to t.TaskType; a violation fails the insert rather than writing an
// ambiguous lineage link.
func (s *Store) CreateTask(t PipelineTask) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTask(tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// insertTask validates cross-stage linkage and writes one task row within tx.
func insertTask(tx *sql.Tx, t PipelineTask) error {
	want, ok := PriorStage(t.TaskType)
	if !ok {
		return fmt.Errorf("unknown task type %q: %w", t.TaskType, ErrInvalidLinkage)
	}
	if t.RelatedPipelineID != "" {
		if want == "" {
			return fmt.Errorf("task type %q starts a chain and cannot reference predecessor %s: %w", t.TaskType, t.RelatedPipelineID, ErrInvalidLinkage)
		}
		var priorType string
		err := tx.QueryRow(`SELECT task_type FROM pipeline_tasks WHERE id = ?`, t.RelatedPipelineID).Scan(&priorType)
		if err == sql.ErrNoRows {
			return fmt.Errorf("predecessor task %s: %w", t.RelatedPipelineID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if priorType != want {
			return fmt.Errorf("task type %q requires a %q predecessor, got %q: %w", t.TaskType, want, priorType, ErrInvalidLinkage)
		}
	}

	status := t.Status
	if status == "" {
		status = StatusPending
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var related any
	if t.RelatedPipelineID != "" {
		related = t.RelatedPipelineID
	}
	_, err := tx.Exec(`
		INSERT INTO pipeline_tasks (id, task_type, status, related_pipeline_id, title, summary,
			target_audience, keywords, data, source_chunk_ids, source_document_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskType, status, related, t.Title, t.Summary, t.TargetAudience,
		orJSON(t.Keywords, "[]"), orJSON(t.Data, "{}"),
		orJSON(t.SourceChunkIDs, "[]"), orJSON(t.SourceDocumentIDs, "[]"),
		now, now,
	)
	return err
}

func (s *Store) GetTask(id string) (PipelineTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM pipeline_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return PipelineTask{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks newest-first. status filters when non-empty.
func (s *Store) ListTasks(status string, limit int) ([]PipelineTask, error) {
	query := `SELECT ` + taskColumns + ` FROM pipeline_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// ClaimableTasks returns pending tasks of the given types, oldest first.
func (s *Store) ClaimableTasks(types []string, limit int) ([]PipelineTask, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + taskColumns + ` FROM pipeline_tasks
		WHERE status = 'pending' AND task_type IN (?` + placeholders + `)
		ORDER BY created_at ASC LIMIT ?`

	args := make([]any, 0, len(types)+1)
	for _, tt := range types {
		args = append(args, tt)
	}
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// ClaimTask atomically transitions the task matching id, taskType, and
// status=pending to in_progress and returns it. Returns (nil, nil) when no
// such row exists: the task is missing, of another type, or already past
// pending. A concurrent claimer observes zero rows updated and gets the same
// nil result, so at most one caller ever holds the claim.
func (s *Store) ClaimTask(id, taskType string) (*PipelineTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM pipeline_tasks
		WHERE id = ? AND task_type = ? AND status = 'pending'`, id, taskType)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting task: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`UPDATE pipeline_tasks SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = StatusInProgress
	if t.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// CompleteTask marks the in_progress task completed, stores its result data
// when non-empty, and, when downstream is non-nil, inserts the downstream
// task in the same transaction so lineage is never torn by a crash between
// the two writes.
func (s *Store) CompleteTask(id, result string, downstream *PipelineTask) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	if result != "" {
		res, err = tx.Exec(`UPDATE pipeline_tasks
			SET status = 'completed', data = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_progress'`, result, now, now, id)
	} else {
		res, err = tx.Exec(`UPDATE pipeline_tasks
			SET status = 'completed', completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_progress'`, now, now, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is not in_progress: %w", id, ErrNotFound)
	}

	if downstream != nil {
		if err := insertTask(tx, *downstream); err != nil {
			return fmt.Errorf("inserting downstream task: %w", err)
		}
	}

	return tx.Commit()
}

// FailTask records a failed run: status=error plus the failure message.
func (s *Store) FailTask(id, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE pipeline_tasks
		SET status = 'error', error_message = ?, updated_at = ?
		WHERE id = ?`, errMsg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteTask moves a pending_review task back to pending so the next stage
// can claim it. The promotion decision itself is external.
func (s *Store) PromoteTask(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE pipeline_tasks SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'pending_review'`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t, getErr := s.GetTask(id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s is %s, not pending_review: %w", id, t.Status, ErrInvalidState)
	}
	return nil
}

// ResetTask moves an error task back to pending for an externally triggered
// retry. The idempotent claim makes re-running safe.
func (s *Store) ResetTask(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE pipeline_tasks
		SET status = 'pending', error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'error'`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t, getErr := s.GetTask(id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s is %s, not error: %w", id, t.Status, ErrInvalidState)
	}
	return nil
}

// ResetStaleTasks returns in_progress tasks older than the threshold to
// pending. This is the sweep a deployment must run (in-process or via the
// trigger endpoint) to recover tasks orphaned by a crash mid-run.
func (s *Store) ResetStaleTasks(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE pipeline_tasks SET status = 'pending', updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Agent configurations ---

func (s *Store) GetAgentConfiguration(agentType string) (AgentConfiguration, error) {
	var c AgentConfiguration
	err := s.db.QueryRow(`
		SELECT agent_type, base_prompt, llm_model_name, default_parameters
		FROM agent_configurations WHERE agent_type = ?`, agentType,
	).Scan(&c.AgentType, &c.BasePrompt, &c.LLMModelName, &c.DefaultParameters)
	if err == sql.ErrNoRows {
		return AgentConfiguration{}, ErrNotFound
	}
	return c, err
}

func (s *Store) SaveAgentConfiguration(c AgentConfiguration) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_configurations (agent_type, base_prompt, llm_model_name, default_parameters)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_type) DO UPDATE SET
			base_prompt = excluded.base_prompt,
			llm_model_name = excluded.llm_model_name,
			default_parameters = excluded.default_parameters`,
		c.AgentType, c.BasePrompt, c.LLMModelName, orJSON(c.DefaultParameters, "{}"),
	)
	return err
}

// --- helpers ---

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (PipelineTask, error) {
	var t PipelineTask
	var related, errMsg, completedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.TaskType, &t.Status, &related, &t.Title, &t.Summary,
		&t.TargetAudience, &t.Keywords, &t.Data, &t.SourceChunkIDs, &t.SourceDocumentIDs,
		&errMsg, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return PipelineTask{}, err
	}
	t.RelatedPipelineID = related.String
	t.ErrorMessage = errMsg.String
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return PipelineTask{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return PipelineTask{}, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		if t.CompletedAt, err = time.Parse(time.RFC3339, completedAt.String); err != nil {
			return PipelineTask{}, fmt.Errorf("parsing completed_at for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func orJSON(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
