package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
	AttemptSkipped AttemptStatus = "skipped"
)

// Attempt is one row of the append-only tool attempt ledger. Target is
// always stored normalized.
type Attempt struct {
	ID        int64         `json:"id"`
	GroupID   string        `json:"group_id"`
	Tool      string        `json:"tool"`
	Target    string        `json:"target"`
	Status    AttemptStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

const attemptColumns = `id, group_id, tool, target, status, reason, created_at`

func scanAttempt(scanner interface {
	Scan(dest ...any) error
}) (*Attempt, error) {
	a := &Attempt{}
	var status string
	var reason sql.NullString
	if err := scanner.Scan(&a.ID, &a.GroupID, &a.Tool, &a.Target, &status, &reason, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.Reason = reason.String
	return a, nil
}

func (q *queries) AppendAttempt(ctx context.Context, a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO attempts (group_id, tool, target, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.GroupID, a.Tool, a.Target, string(a.Status), a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// LatestOutcome returns the most recent executed (success or failure)
// attempt for the key, or nil. Skipped rows are decisions, not outcomes, and
// are ignored.
func (q *queries) LatestOutcome(ctx context.Context, groupID, tool, target string) (*Attempt, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE group_id = ? AND tool = ? AND target = ? AND status != 'skipped'
		ORDER BY id DESC LIMIT 1`, groupID, tool, target)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest outcome: %w", err)
	}
	return a, nil
}

func (q *queries) CountAttempts(ctx context.Context, groupID, tool, target string, status AttemptStatus) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts
		WHERE group_id = ? AND tool = ? AND target = ? AND status = ?`,
		groupID, tool, target, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// ListAttempts returns the group's attempts newest first. An empty tool
// matches every tool; limit <= 0 returns everything.
func (q *queries) ListAttempts(ctx context.Context, groupID, tool string, limit int) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE group_id = ?`
	args := []any{groupID}
	if tool != "" {
		query += ` AND tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
