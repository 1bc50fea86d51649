package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/taskflow/pkg/api"
)

// PostgresStore is a StateStore backed by PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements StateStore.
var _ StateStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			object_type TEXT NOT NULL DEFAULT '',
			current_task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			object_data JSONB,
			claimed_by_id TEXT NOT NULL DEFAULT '',
			claimed_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			revision BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_work_items_workflow ON work_items(workflow_id, status);
		CREATE TABLE IF NOT EXISTS work_item_history (
			id BIGSERIAL PRIMARY KEY,
			work_item_id TEXT NOT NULL REFERENCES work_items(id),
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			route_label TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_work_item_history_item ON work_item_history(work_item_id, id);
		CREATE TABLE IF NOT EXISTS group_rotations (
			group_id TEXT PRIMARY KEY,
			last_user_id TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

const pgItemColumns = `id, workflow_id, object_type, current_task_id, status, priority, object_data,
	claimed_by_id, claimed_at, created_at, updated_at, completed_at, revision`

func (p *PostgresStore) CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO work_items (`+pgItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		`,
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
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrWorkItemExists
			}
			return err
		}
		return pgAppendHistory(ctx, tx, item.ID, entries)
	})
	if err != nil {
		return err
	}
	item.Revision = 1
	return nil
}

func (p *PostgresStore) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	item, err := scanSQLWorkItem(p.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrWorkItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func (p *PostgresStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error) {
	query := `SELECT ` + pgItemColumns + ` FROM work_items`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)+1))
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}
	if filter.CurrentTaskID != "" {
		clauses = append(clauses, fmt.Sprintf("current_task_id = $%d", len(args)+1))
		args = append(args, filter.CurrentTaskID)
	}
	if filter.ClaimedByID != "" {
		clauses = append(clauses, fmt.Sprintf("claimed_by_id = $%d", len(args)+1))
		args = append(args, filter.ClaimedByID)
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := p.pool.Query(ctx, query, args...)
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

func (p *PostgresStore) ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE work_items
			SET current_task_id = $1,
			    status          = $2,
			    priority        = $3,
			    object_data     = $4,
			    claimed_by_id   = $5,
			    claimed_at      = $6,
			    updated_at      = $7,
			    completed_at    = $8,
			    revision        = revision + 1
			WHERE id = $9 AND revision = $10
		`,
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
		if tag.RowsAffected() == 0 {
			var one int
			err := tx.QueryRow(ctx, `SELECT 1 FROM work_items WHERE id = $1`, item.ID).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return api.ErrWorkItemNotFound
			}
			if err != nil {
				return err
			}
			return api.ErrConcurrentUpdate
		}
		return pgAppendHistory(ctx, tx, item.ID, entries)
	})
	if err != nil {
		return err
	}
	item.Revision++
	return nil
}

func (p *PostgresStore) ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error) {
	var claimed *api.WorkItem
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		item, err := scanSQLWorkItem(tx.QueryRow(ctx, `
			UPDATE work_items
			SET claimed_by_id = $1, claimed_at = $2, updated_at = $2, revision = revision + 1
			WHERE id = $3 AND status = $4 AND claimed_by_id = ''
			RETURNING `+pgItemColumns,
			userID, at.UnixNano(), id, string(api.StatusActive),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			err := tx.QueryRow(ctx, `SELECT status FROM work_items WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
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
		if err != nil {
			return err
		}
		claimed = item
		return pgAppendHistory(ctx, tx, id, []api.HistoryEntry{entry})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *PostgresStore) ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, work_item_id, task_id, task_name, action, route_label, user_id, notes, at
		FROM work_item_history
		WHERE work_item_id = $1
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

// NextRoundRobin serializes concurrent callers on the group's row lock.
func (p *PostgresStore) NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error) {
	if len(members) == 0 {
		return "", nil
	}
	var next string
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO group_rotations (group_id, last_user_id) VALUES ($1, '')
			ON CONFLICT (group_id) DO NOTHING`, groupID); err != nil {
			return err
		}
		var last string
		if err := tx.QueryRow(ctx, `
			SELECT last_user_id FROM group_rotations WHERE group_id = $1 FOR UPDATE`, groupID).Scan(&last); err != nil {
			return err
		}
		next = nextMember(members, last)
		_, err := tx.Exec(ctx, `UPDATE group_rotations SET last_user_id = $1 WHERE group_id = $2`, next, groupID)
		return err
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func pgAppendHistory(ctx context.Context, tx pgx.Tx, id string, entries []api.HistoryEntry) error {
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_item_history (work_item_id, task_id, task_name, action, route_label, user_id, notes, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, e.TaskID, e.TaskName, string(e.Action), e.RouteLabel, e.UserID, e.Notes, e.At.UnixNano(),
		); err != nil {
			return err
		}
	}
	return nil
}
