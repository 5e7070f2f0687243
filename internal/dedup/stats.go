package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/phalanx/internal/store"
)

type ToolStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Skipped int `json:"skipped"`
}

type Stats struct {
	Total          int                  `json:"total"`
	ByStatus       map[string]int       `json:"by_status"`
	UniqueTools    int                  `json:"unique_tools"`
	UniqueTargets  int                  `json:"unique_targets"`
	RecentActivity int                  `json:"recent_activity"`
	ByTool         map[string]ToolStats `json:"by_tool"`
}

// Stats derives ledger statistics for a group. RecentActivity counts the
// attempts of the last hour.
func (e *Engine) Stats(ctx context.Context, groupID string) (Stats, error) {
	attempts, err := e.ledger.ListAttempts(ctx, groupID, "", 0)
	if err != nil {
		return Stats{}, fmt.Errorf("load attempts: %w", err)
	}
	return summarize(attempts, e.now().Add(-time.Hour)), nil
}

func summarize(attempts []store.Attempt, recentSince time.Time) Stats {
	st := Stats{
		Total:    len(attempts),
		ByStatus: map[string]int{},
		ByTool:   map[string]ToolStats{},
	}
	targets := make(map[string]struct{})

	for _, a := range attempts {
		st.ByStatus[string(a.Status)]++
		targets[a.Target] = struct{}{}
		if a.CreatedAt.After(recentSince) {
			st.RecentActivity++
		}

		ts := st.ByTool[a.Tool]
		switch a.Status {
		case store.AttemptSuccess:
			ts.Success++
		case store.AttemptFailure:
			ts.Failure++
		case store.AttemptSkipped:
			ts.Skipped++
		}
		st.ByTool[a.Tool] = ts
	}

	st.UniqueTools = len(st.ByTool)
	st.UniqueTargets = len(targets)
	return st
}
