package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// RootTaskName is written as the name of every root mission task. The
// is_root column is authoritative; the name is kept for readers that still
// match on it.
const RootTaskName = "mission:root"

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Task struct {
	ID              string     `json:"id"`
	GroupID         string     `json:"group_id"`
	Name            string     `json:"name"`
	IsRoot          bool       `json:"is_root"`
	Status          TaskStatus `json:"status"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Directive       string     `json:"directive"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

const taskColumns = `id, group_id, name, is_root, status, assigned_agent_id, directive, result,
		created_at, started_at, completed_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var status string
	var agentID, result sql.NullString
	err := scanner.Scan(&t.ID, &t.GroupID, &t.Name, &t.IsRoot, &status, &agentID, &t.Directive, &result,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.AssignedAgentID = agentID.String
	t.Result = result.String
	return t, nil
}

func (q *queries) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a new task. An empty ID is filled in, and the status
// defaults to pending.
func (q *queries) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tasks (id, group_id, name, is_root, status, directive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupID, t.Name, t.IsRoot, string(t.Status), t.Directive, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (q *queries) GetTask(ctx context.Context, id string) (*Task, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskStatus returns only the status column. An empty status means the
// task does not exist.
func (q *queries) GetTaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var status string
	err := q.q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get task status: %w", err)
	}
	return TaskStatus(status), nil
}

func (q *queries) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	tasks, err := q.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return tasks, nil
}

func (q *queries) ListGroupTasks(ctx context.Context, groupID string) ([]Task, error) {
	tasks, err := q.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group tasks: %w", err)
	}
	return tasks, nil
}

// FindUnfinishedRootTask returns the group's pending or running root task, or
// nil when there is none.
func (q *queries) FindUnfinishedRootTask(ctx context.Context, groupID string) (*Task, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE group_id = ? AND is_root = TRUE AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, groupID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find root task: %w", err)
	}
	return t, nil
}

// ClaimTask moves a pending task to running. It reports false when another
// caller claimed the task first or the task is no longer pending.
func (q *queries) ClaimTask(ctx context.Context, id, agentID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', assigned_agent_id = ?, started_at = ?
		WHERE id = ? AND status = 'pending'`,
		agentID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected == 1, nil
}

// FinishTask writes a terminal status and result. Tasks already in a
// terminal state are left untouched and false is returned.
func (q *queries) FinishTask(ctx context.Context, id string, status TaskStatus, result string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish task: %q is not a terminal status", status)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), result, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish rows affected: %w", err)
	}
	return affected == 1, nil
}

// CountTasksByStatus aggregates a group's tasks by status.
func (q *queries) CountTasksByStatus(ctx context.Context, groupID string) (map[TaskStatus]int, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE group_id = ? GROUP BY status`, groupID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// CancelPendingTasks cancels every unclaimed task of a group and returns how
// many were cancelled.
func (q *queries) CancelPendingTasks(ctx context.Context, groupID, result string) (int, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'cancelled', result = ?, completed_at = ?
		WHERE group_id = ? AND status = 'pending'`,
		result, time.Now().UTC(), groupID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel rows affected: %w", err)
	}
	return int(affected), nil
}
