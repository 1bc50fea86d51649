package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/taskflow/pkg/api"
)

// SQLiteStore is a StateStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// File databases should be opened with a busy timeout
// (`?_pragma=busy_timeout(5000)`) so concurrent writers queue instead of
// failing with SQLITE_BUSY.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements StateStore.
var _ StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			object_type TEXT NOT NULL DEFAULT '',
			current_task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			object_data BLOB,
			claimed_by_id TEXT NOT NULL DEFAULT '',
			claimed_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_work_items_workflow ON work_items(workflow_id, status);
		CREATE TABLE IF NOT EXISTS work_item_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			route_label TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_work_item_history_item ON work_item_history(work_item_id, id);
		CREATE TABLE IF NOT EXISTS group_rotations (
			group_id TEXT PRIMARY KEY,
			last_user_id TEXT NOT NULL DEFAULT ''
		);`,
	)
	return err
}

const sqliteItemColumns = `id, workflow_id, object_type, current_task_id, status, priority, object_data,
	claimed_by_id, claimed_at, created_at, updated_at, completed_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLWorkItem(row rowScanner) (*api.WorkItem, error) {
	var (
		item                                       api.WorkItem
		status                                     string
		data                                       []byte
		claimedAt, createdAt, updatedAt, completed int64
	)
	if err := row.Scan(&item.ID, &item.WorkflowID, &item.ObjectType, &item.CurrentTaskID, &status,
		&item.Priority, &data, &item.ClaimedByID, &claimedAt, &createdAt, &updatedAt, &completed,
		&item.Revision); err != nil {
		return nil, err
	}
	item.Status = api.Status(status)
	item.ClaimedAt = fromUnixNanos(claimedAt)
	item.CreatedAt = time.Unix(0, createdAt)
	item.UpdatedAt = time.Unix(0, updatedAt)
	item.CompletedAt = fromUnixNanos(completed)

	objectData, err := DecodeData(data)
	if err != nil {
		return nil, err
	}
	item.ObjectData = objectData
	return &item, nil
}

func (s *SQLiteStore) CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (`+sqliteItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			item.ID,
			item.WorkflowID,
			item.ObjectType,
			item.CurrentTaskID,
			string(item.Status),
			item.Priority,
			data,
			item.ClaimedByID,
			unixNanos(item.ClaimedAt),
			item.CreatedAt.UnixNano(),
			item.UpdatedAt.UnixNano(),
			unixNanos(item.CompletedAt),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrWorkItemExists
			}
			return err
		}
		return sqliteAppendHistory(ctx, tx, item.ID, entries)
	})
	if err != nil {
		return err
	}
	item.Revision = 1
	return nil
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanSQLWorkItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrWorkItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM work_items`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CurrentTaskID != "" {
		clauses = append(clauses, "current_task_id = ?")
		args = append(args, filter.CurrentTaskID)
	}
	if filter.ClaimedByID != "" {
		clauses = append(clauses, "claimed_by_id = ?")
		args = append(args, filter.ClaimedByID)
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*api.WorkItem
	for rows.Next() {
		item, err := scanSQLWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET current_task_id = ?, status = ?, priority = ?, object_data = ?,
			    claimed_by_id = ?, claimed_at = ?, updated_at = ?, completed_at = ?,
			    revision = revision + 1
			WHERE id = ? AND revision = ?`,
			item.CurrentTaskID,
			string(item.Status),
			item.Priority,
			data,
			item.ClaimedByID,
			unixNanos(item.ClaimedAt),
			item.UpdatedAt.UnixNano(),
			unixNanos(item.CompletedAt),
			item.ID,
			item.Revision,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return s.missingOrStale(ctx, tx, item.ID)
		}
		return sqliteAppendHistory(ctx, tx, item.ID, entries)
	})
	if err != nil {
		return err
	}
	item.Revision++
	return nil
}

func (s *SQLiteStore) ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error) {
	var claimed *api.WorkItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET claimed_by_id = ?, claimed_at = ?, updated_at = ?, revision = revision + 1
			WHERE id = ? AND status = ? AND claimed_by_id = ''`,
			userID, at.UnixNano(), at.UnixNano(), id, string(api.StatusActive),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sqliteClaimFailure(ctx, tx, id)
		}
		if err := sqliteAppendHistory(ctx, tx, id, []api.HistoryEntry{entry}); err != nil {
			return err
		}
		claimed, err = scanSQLWorkItem(tx.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM work_items WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func sqliteClaimFailure(ctx context.Context, tx *sql.Tx, id string) error {
	var status, claimedBy string
	err := tx.QueryRowContext(ctx, `SELECT status, claimed_by_id FROM work_items WHERE id = ?`, id).Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrWorkItemNotFound
	}
	if err != nil {
		return err
	}
	if api.Status(status) != api.StatusActive {
		return api.ErrNotActive
	}
	return api.ErrAlreadyClaimed
}

func (s *SQLiteStore) missingOrStale(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrWorkItemNotFound
	}
	if err != nil {
		return err
	}
	return api.ErrConcurrentUpdate
}

func (s *SQLiteStore) ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_item_id, task_id, task_name, action, route_label, user_id, notes, at
		FROM work_item_history
		WHERE work_item_id = ?
		ORDER BY id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEntry
	for rows.Next() {
		var (
			e      api.HistoryEntry
			action string
			atN    int64
		)
		if err := rows.Scan(&e.Seq, &e.WorkItemID, &e.TaskID, &e.TaskName, &action, &e.RouteLabel, &e.UserID, &e.Notes, &atN); err != nil {
			return nil, err
		}
		e.Action = api.Action(action)
		e.At = time.Unix(0, atN)
		out = append(out, e)
	}
	return out, rows.Err()
}

// NextRoundRobin advances the pointer with a compare-and-set inside a write
// transaction and retries when another writer moved it first.
func (s *SQLiteStore) NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error) {
	if len(members) == 0 {
		return "", nil
	}
	for attempt := 0; attempt < maxRotationAttempts; attempt++ {
		var next string
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO group_rotations (group_id, last_user_id) VALUES (?, '')
				ON CONFLICT(group_id) DO NOTHING`, groupID); err != nil {
				return err
			}
			var last string
			if err := tx.QueryRowContext(ctx, `SELECT last_user_id FROM group_rotations WHERE group_id = ?`, groupID).Scan(&last); err != nil {
				return err
			}
			next = nextMember(members, last)
			res, err := tx.ExecContext(ctx, `
				UPDATE group_rotations SET last_user_id = ?
				WHERE group_id = ? AND last_user_id = ?`, next, groupID, last)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return errRotationConflict
			}
			return nil
		})
		if errors.Is(err, errRotationConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return next, nil
	}
	return "", fmt.Errorf("round-robin for group %s: %w", groupID, api.ErrConcurrentUpdate)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sqliteAppendHistory(ctx context.Context, tx *sql.Tx, id string, entries []api.HistoryEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_item_history (work_item_id, task_id, task_name, action, route_label, user_id, notes, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, e.TaskID, e.TaskName, string(e.Action), e.RouteLabel, e.UserID, e.Notes, e.At.UnixNano(),
		); err != nil {
			return err
		}
	}
	return nil
}
