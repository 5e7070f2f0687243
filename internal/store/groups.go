package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupRunning   GroupStatus = "running"
	GroupPaused    GroupStatus = "paused"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
)

// GroupConfig is the assessment configuration stored with a group.
type GroupConfig struct {
	Target       string   `json:"target,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Schedule     string   `json:"schedule,omitempty"`
	Skills       []string `json:"skills,omitempty"`
}

type Group struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     GroupStatus `json:"status"`
	Config     GroupConfig `json:"config"`
	NextScanAt *time.Time  `json:"next_scan_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ParseGroupConfig decodes a stored config payload. Malformed payloads yield
// an empty config rather than an error.
func ParseGroupConfig(raw string) GroupConfig {
	var cfg GroupConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return GroupConfig{}
	}
	return cfg
}

func scanGroup(scanner interface {
	Scan(dest ...any) error
}) (*Group, error) {
	g := &Group{}
	var status, cfg string
	err := scanner.Scan(&g.ID, &g.Name, &status, &cfg, &g.NextScanAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = GroupStatus(status)
	g.Config = ParseGroupConfig(cfg)
	return g, nil
}

func (q *queries) SaveGroup(ctx context.Context, g *Group) error {
	cfg, err := json.Marshal(g.Config)
	if err != nil {
		return fmt.Errorf("marshal group config: %w", err)
	}
	if g.Status == "" {
		g.Status = GroupPending
	}
	now := time.Now().UTC()
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO groups (id, name, status, config, next_scan_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			config = excluded.config,
			next_scan_at = excluded.next_scan_at,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, string(g.Status), string(cfg), g.NextScanAt, now, now)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

func (q *queries) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, name, status, config, next_scan_at, created_at, updated_at
		FROM groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (q *queries) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, name, status, config, next_scan_at, created_at, updated_at
		FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (q *queries) UpdateGroupStatus(ctx context.Context, id string, status GroupStatus) error {
	_, err := q.q.ExecContext(ctx, `UPDATE groups SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	return nil
}

func (q *queries) SetGroupNextScan(ctx context.Context, id string, next *time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE groups SET next_scan_at = ?, updated_at = ? WHERE id = ?`,
		next, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set group next scan: %w", err)
	}
	return nil
}

func (q *queries) DeleteGroup(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	return err
}
