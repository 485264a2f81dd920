// Package sqlite is the modernc.org/sqlite-backed (pure Go, no cgo) Store
// implementation: WAL mode, a single writer connection, CREATE TABLE IF NOT
// EXISTS auto-migration, and JSON-serialized blob columns, the same
// discipline the teacher repo's SQLiteStore uses.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or attaches to a SQLite database at path ("./amelia.db",
// "/var/lib/amelia/amelia.db", or ":memory:" for tests) and runs
// auto-migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	// SQLite supports exactly one writer; pin the pool to it like the
	// teacher's store does, rather than letting database/sql round-robin
	// across connections that would each see their own transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			failure_reason TEXT,
			state_snapshot BLOB,
			schema_version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_worktree ON workflows(worktree_path, status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			sequence INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			agent TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			data BLOB,
			correlation_id TEXT,
			UNIQUE(workflow_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_seq ON events(workflow_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			agent TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL,
			timestamp TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func (s *Store) CreateWorkflow(ctx context.Context, issueID, worktreePath, profileID string, maxConcurrent int) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Workflow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var activeID string
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM workflows WHERE worktree_path = ? AND status IN ('running','blocked') LIMIT 1`, worktreePath)
	switch err := row.Scan(&activeID); {
	case err == nil:
		return store.Workflow{}, &store.ConflictError{WorktreePath: worktreePath, ActiveID: activeID}
	case err != sql.ErrNoRows:
		return store.Workflow{}, err
	}

	var activeCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE status IN ('running','blocked')`).Scan(&activeCount); err != nil {
		return store.Workflow{}, err
	}
	if activeCount >= maxConcurrent {
		return store.Workflow{}, &store.CapacityError{MaxConcurrent: maxConcurrent}
	}

	wf := store.Workflow{
		ID:           ids.New(),
		IssueID:      issueID,
		WorktreePath: worktreePath,
		ProfileID:    profileID,
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, issue_id, worktree_path, profile_id, status, created_at, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		wf.ID, wf.IssueID, wf.WorktreePath, wf.ProfileID, string(wf.Status), formatTime(wf.CreatedAt)); err != nil {
		return store.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Workflow{}, err
	}
	return wf, nil
}

func scanWorkflow(row interface {
	Scan(dest ...any) error
}) (store.Workflow, error) {
	var w store.Workflow
	var status, createdAt string
	var startedAt, completedAt, failureReason sql.NullString
	var snapshot []byte
	var schemaVersion int

	if err := row.Scan(&w.ID, &w.IssueID, &w.WorktreePath, &w.ProfileID, &status, &createdAt,
		&startedAt, &completedAt, &failureReason, &snapshot, &schemaVersion); err != nil {
		return store.Workflow{}, err
	}
	w.Status = store.Status(status)
	w.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		w.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		w.CompletedAt = &t
	}
	if failureReason.Valid {
		w.FailureReason = failureReason.String
	}
	w.StateSnapshot = snapshot
	w.SchemaVersion = schemaVersion
	return w, nil
}

const workflowColumns = `id, issue_id, worktree_path, profile_id, status, created_at, started_at, completed_at, failure_reason, state_snapshot, schema_version`

func (s *Store) GetWorkflow(ctx context.Context, id string) (store.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return store.Workflow{}, store.ErrNotFound
	}
	return w, err
}

func (s *Store) ListWorkflows(ctx context.Context, filter store.ListFilter) ([]store.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.WorktreePath != "" {
		q += ` AND worktree_path = ?`
		args = append(args, filter.WorktreePath)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

var legalTransitions = map[store.Status]map[store.Status]bool{
	store.StatusPending: {store.StatusRunning: true, store.StatusCancelled: true},
	store.StatusRunning: {store.StatusBlocked: true, store.StatusCompleted: true, store.StatusFailed: true, store.StatusCancelled: true},
	store.StatusBlocked: {store.StatusRunning: true, store.StatusCancelled: true},
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to store.Status, failureReason string) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !legalTransitions[from][to] {
		return store.Workflow{}, &store.InvalidStateError{WorkflowID: id, From: from, To: to}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Workflow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return store.Workflow{}, store.ErrNotFound
	}
	if err != nil {
		return store.Workflow{}, err
	}
	if w.Status != from {
		return store.Workflow{}, &store.InvalidStateError{WorkflowID: id, From: from, To: to, Reason: "current status is " + string(w.Status)}
	}

	now := time.Now().UTC()
	if from == store.StatusPending && to == store.StatusRunning {
		w.StartedAt = &now
	}
	if to.Terminal() {
		w.CompletedAt = &now
	}
	if to == store.StatusFailed {
		w.FailureReason = failureReason
	}
	w.Status = to

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status=?, started_at=?, completed_at=?, failure_reason=? WHERE id=?`,
		string(w.Status), nullableTime(w.StartedAt), nullableTime(w.CompletedAt), w.FailureReason, id); err != nil {
		return store.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Workflow{}, err
	}
	return w, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, id string, snapshot []byte, schemaVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET state_snapshot=?, schema_version=? WHERE id=?`, snapshot, schemaVersion, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveSnapshotAndEvents(ctx context.Context, id string, snapshot []byte, schemaVersion int, events []store.Event) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE workflows SET state_snapshot=?, schema_version=? WHERE id=?`, snapshot, schemaVersion, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}

	out, err := s.insertEvents(ctx, tx, events)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertEvents(ctx context.Context, tx execer, events []store.Event) ([]store.Event, error) {
	out := make([]store.Event, 0, len(events))
	for _, e := range events {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE workflow_id=?`, e.WorkflowID).Scan(&maxSeq); err != nil {
			return nil, err
		}
		e.Sequence = maxSeq.Int64 + 1
		if e.ID == "" {
			e.ID = ids.New()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, workflow_id, sequence, timestamp, agent, event_type, message, data, correlation_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.WorkflowID, e.Sequence, formatTime(e.Timestamp), string(e.Agent), string(e.EventType), e.Message, []byte(e.Data), e.CorrelationID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, e store.Event) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id=?`, e.WorkflowID).Scan(&exists); err != nil {
		return store.Event{}, err
	}
	if exists == 0 {
		return store.Event{}, store.ErrNotFound
	}

	out, err := s.insertEvents(ctx, tx, []store.Event{e})
	if err != nil {
		return store.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Event{}, err
	}
	return out[0], nil
}

func (s *Store) ListEvents(ctx context.Context, workflowID string, sinceSequence int64) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, sequence, timestamp, agent, event_type, message, data, correlation_id
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`, workflowID, sinceSequence)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.Event
	for rows.Next() {
		var e store.Event
		var ts, agent, etype string
		var data []byte
		var corr sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &ts, &agent, &etype, &e.Message, &data, &corr); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Agent = store.Agent(agent)
		e.EventType = store.EventType(etype)
		if len(data) > 0 {
			e.Data = data
		}
		if corr.Valid {
			e.CorrelationID = corr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RecordTokenUsage(ctx context.Context, rec store.TokenUsageRecord) (store.TokenUsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var cost sql.NullFloat64
	if rec.Cost != nil {
		cost = sql.NullFloat64{Float64: *rec.Cost, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, workflow_id, agent, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.Agent), rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.CacheReadTokens, rec.CacheCreationTokens, cost, formatTime(rec.Timestamp))
	if err != nil {
		return store.TokenUsageRecord{}, err
	}
	return rec, nil
}

func (s *Store) PruneEvents(ctx context.Context, beforeAge time.Duration, maxPerWorkflow int, activityGrace time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := formatTime(now.Add(-beforeAge))
	graceCutoff := formatTime(now.Add(-activityGrace))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Never prune events of still-active workflows that have any activity in
	// the grace window: exclude those workflow ids from the age-based delete.
	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE timestamp < ? AND workflow_id NOT IN (
			SELECT id FROM workflows WHERE status IN ('running','blocked')
			AND id IN (SELECT workflow_id FROM events WHERE timestamp >= ?)
		 )`, cutoff, graceCutoff)
	if err != nil {
		return 0, err
	}
	deletedByAge, _ := res.RowsAffected()

	// Per-workflow cap: keep only the maxPerWorkflow most recent rows.
	var deletedByCap int64
	if maxPerWorkflow > 0 {
		rows, err := tx.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM events`)
		if err != nil {
			return 0, err
		}
		var workflowIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return 0, err
			}
			workflowIDs = append(workflowIDs, id)
		}
		_ = rows.Close()

		for _, wfID := range workflowIDs {
			var protected int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM workflows WHERE id=? AND status IN ('running','blocked')
				 AND id IN (SELECT workflow_id FROM events WHERE timestamp >= ?)`, wfID, graceCutoff).Scan(&protected); err != nil {
				return 0, err
			}
			if protected > 0 {
				continue
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM events WHERE workflow_id = ? AND sequence <= (
					SELECT sequence FROM events WHERE workflow_id = ? ORDER BY sequence DESC LIMIT 1 OFFSET ?
				 )`, wfID, wfID, maxPerWorkflow)
			if err != nil {
				return 0, err
			}
			n, _ := res.RowsAffected()
			deletedByCap += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deletedByAge + deletedByCap, nil
}

func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE status IN ('running','blocked')`).Scan(&n)
	return n, err
}

func (s *Store) ListActive(ctx context.Context) ([]store.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE status IN ('running','blocked')`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
