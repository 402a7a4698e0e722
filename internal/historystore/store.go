// Package historystore keeps a SQLite record of finished batches.
package historystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-hq/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no batch has the requested ID
var ErrNotFound = errors.New("batch not recorded")

// Store provides SQLite-backed batch history
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the history database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBatch stores a terminal batch and its tasks. Recording the same
// batch again replaces the earlier record.
func (s *Store) RecordBatch(ctx context.Context, b domain.BatchSnapshot) error {
	if !b.Status.IsTerminal() {
		return fmt.Errorf("batch %s: %w", b.BatchID, domain.ErrBatchNotTerminal)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, user_id, session_id, workflow_id, status, total_tasks, completed_tasks, failed_tasks, cancelled_tasks, rejected_tasks, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_tasks = excluded.total_tasks,
			completed_tasks = excluded.completed_tasks,
			failed_tasks = excluded.failed_tasks,
			cancelled_tasks = excluded.cancelled_tasks,
			rejected_tasks = excluded.rejected_tasks,
			completed_at = excluded.completed_at,
			recorded_at = CURRENT_TIMESTAMP
	`,
		b.BatchID,
		b.UserID,
		b.SessionID,
		b.WorkflowID,
		string(b.Status),
		b.Total,
		b.Completed,
		b.Failed,
		b.Cancelled,
		b.Rejected,
		b.CreatedAt,
		nullTime(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("recording batch %s: %w", b.BatchID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE batch_id = ?`, b.BatchID); err != nil {
		return err
	}

	for i, t := range b.Tasks {
		deps, err := json.Marshal(t.Dependencies)
		if err != nil {
			return err
		}
		var result []byte
		if t.Result != nil {
			if result, err = json.Marshal(t.Result); err != nil {
				return fmt.Errorf("task %s result: %w", t.TaskID, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, batch_id, seq, task_type, description, priority, requires_approval, depends_on, status, assigned_instance, result, error, created_at, dispatched_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.TaskID,
			b.BatchID,
			i,
			t.TaskType,
			t.Description,
			t.Priority,
			t.RequiresApproval,
			string(deps),
			string(t.Status),
			t.AssignedInstance,
			nullString(result),
			t.Error,
			t.CreatedAt,
			nullTime(t.DispatchedAt),
			nullTime(t.StartedAt),
			nullTime(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("recording task %s: %w", t.TaskID, err)
		}
	}

	return tx.Commit()
}

// ListOptions specifies filters for listing batches
type ListOptions struct {
	UserID string
	Status domain.BatchStatus
	Limit  int
}

const batchColumns = `id, user_id, session_id, workflow_id, status, total_tasks, completed_tasks, failed_tasks, cancelled_tasks, rejected_tasks, created_at, completed_at`

// ListBatches returns recorded batches, newest first, without their tasks
func (s *Store) ListBatches(ctx context.Context, opts ListOptions) ([]domain.BatchSnapshot, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []interface{}

	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.BatchSnapshot
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetBatch returns a recorded batch with its tasks in submission order
func (s *Store) GetBatch(ctx context.Context, batchID string) (domain.BatchSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchSnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.BatchSnapshot{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_type, description, priority, requires_approval, depends_on, status, assigned_instance, result, error, created_at, dispatched_at, started_at, completed_at
		FROM tasks WHERE batch_id = ? ORDER BY seq
	`, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	defer rows.Close()

	b.Tasks = []domain.TaskSnapshot{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return domain.BatchSnapshot{}, err
		}
		t.BatchID = batchID
		b.Tasks = append(b.Tasks, t)
	}
	return b, rows.Err()
}

// Prune deletes batches recorded before cutoff and reports how many went
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (domain.BatchSnapshot, error) {
	var b domain.BatchSnapshot
	var status string
	var session, workflow sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&b.BatchID, &b.UserID, &session, &workflow, &status, &b.Total, &b.Completed, &b.Failed, &b.Cancelled, &b.Rejected, &b.CreatedAt, &completedAt)
	if err != nil {
		return b, err
	}

	b.Status = domain.BatchStatus(status)
	b.SessionID = session.String
	b.WorkflowID = workflow.String
	b.CompletedAt = timePtr(completedAt)
	if b.Total > 0 {
		b.ProgressPercent = float64(b.Completed) / float64(b.Total) * 100
	}
	return b, nil
}

func scanTask(row scanner) (domain.TaskSnapshot, error) {
	var t domain.TaskSnapshot
	var status string
	var description, depsJSON, instance, result, errText sql.NullString
	var dispatchedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.TaskID, &t.TaskType, &description, &t.Priority, &t.RequiresApproval, &depsJSON, &status, &instance, &result, &errText, &t.CreatedAt, &dispatchedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}

	t.Status = domain.TaskStatus(status)
	t.Description = description.String
	t.AssignedInstance = instance.String
	t.Error = errText.String
	t.DispatchedAt = timePtr(dispatchedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if depsJSON.Valid && depsJSON.String != "" && depsJSON.String != "null" {
		if err := json.Unmarshal([]byte(depsJSON.String), &t.Dependencies); err != nil {
			return t, err
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return t, err
		}
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
