package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type DiscoveryKind string

const (
	DiscoveryAsset   DiscoveryKind = "asset"
	DiscoveryFinding DiscoveryKind = "finding"
	DiscoveryNote    DiscoveryKind = "note"
)

type Discovery struct {
	ID        int64         `json:"id"`
	GroupID   string        `json:"group_id"`
	AgentID   string        `json:"agent_id"`
	Kind      DiscoveryKind `json:"kind"`
	Title     string        `json:"title"`
	Detail    string        `json:"detail,omitempty"`
	Severity  string        `json:"severity,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (q *queries) SaveDiscovery(ctx context.Context, d *Discovery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO discoveries (group_id, agent_id, kind, title, detail, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.GroupID, d.AgentID, string(d.Kind), d.Title, d.Detail, d.Severity, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

// ListDiscoveries returns the group's discoveries newest first.
func (q *queries) ListDiscoveries(ctx context.Context, groupID string, limit int) ([]Discovery, error) {
	query := `SELECT id, group_id, agent_id, kind, title, detail, severity, created_at
		FROM discoveries WHERE group_id = ? ORDER BY id DESC`
	args := []any{groupID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer rows.Close()

	var out []Discovery
	for rows.Next() {
		var d Discovery
		var kind string
		var detail, severity sql.NullString
		if err := rows.Scan(&d.ID, &d.GroupID, &d.AgentID, &kind, &d.Title, &detail, &severity, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		d.Kind = DiscoveryKind(kind)
		d.Detail = detail.String
		d.Severity = severity.String
		out = append(out, d)
	}
	return out, rows.Err()
}
