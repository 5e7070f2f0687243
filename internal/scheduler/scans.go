package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/schedule"
	"github.com/mtzanidakis/phalanx/internal/store"
)

const resultScanStopped = "cancelled: scan stopped by operator"

// StartScan creates the root task of a group and marks the group running.
// When the group already has an unfinished root task only the status is
// ensured.
func (s *Scheduler) StartScan(ctx context.Context, groupID string) error {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if g == nil {
		return ErrGroupNotFound
	}

	if g.Config.Target == "" {
		slog.Warn("scan has no target", "group", groupID)
		if err := s.store.UpdateGroupStatus(ctx, groupID, store.GroupFailed); err != nil {
			slog.Error("mark group failed", "group", groupID, "error", err)
		}
		return ErrNoTarget
	}

	var root *store.Task
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.FindUnfinishedRootTask(ctx, groupID)
		if err != nil {
			return err
		}
		if existing == nil {
			goal := g.Config.Instructions
			if goal == "" {
				goal = store.DefaultGoal
			}
			d := store.NewDirective(goal, g.Config.Target, store.RoleManager, groupID)
			root = &store.Task{
				GroupID:   groupID,
				Name:      store.RootTaskName,
				IsRoot:    true,
				Directive: d.Encode(),
			}
			if err := tx.CreateTask(ctx, root); err != nil {
				return err
			}
		}
		return tx.UpdateGroupStatus(ctx, groupID, store.GroupRunning)
	})
	if err != nil {
		if markErr := s.store.UpdateGroupStatus(context.WithoutCancel(ctx), groupID, store.GroupFailed); markErr != nil {
			slog.Error("mark group failed", "group", groupID, "error", markErr)
		}
		return fmt.Errorf("start scan: %w", err)
	}

	if root == nil {
		slog.Info("scan already running", "group", groupID)
		return nil
	}

	slog.Info("scan started", "group", groupID, "task", root.ID, "target", g.Config.Target)
	s.events.Emit(events.Event{
		Type:    events.ScanStarted,
		GroupID: groupID,
		Data:    map[string]any{"task_id": root.ID, "target": g.Config.Target},
	})
	return nil
}

// StopScan cancels the group's running workers and pauses the group. It
// returns the number of workers cancelled. Unclaimed tasks of the group are
// cancelled too so the next poll does not pick them up.
func (s *Scheduler) StopScan(ctx context.Context, groupID string) (int, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("stop scan: %w", err)
	}
	if g == nil {
		return 0, ErrGroupNotFound
	}
	if g.Status != store.GroupPending && g.Status != store.GroupRunning {
		return 0, nil
	}

	// pollMu first, as in poll: a task claimed by an in-flight poll is
	// tracked before the victims are collected. The registry stays locked
	// until the workers are cancelled.
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*worker
	for _, w := range s.workers {
		if w.groupID == groupID {
			victims = append(victims, w)
		}
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, w := range victims {
			if _, err := tx.FinishTask(ctx, w.taskID, store.TaskCancelled, resultScanStopped); err != nil {
				return err
			}
		}
		if _, err := tx.CancelPendingTasks(ctx, groupID, resultScanStopped); err != nil {
			return err
		}
		return tx.UpdateGroupStatus(ctx, groupID, store.GroupPaused)
	})
	if err != nil {
		if markErr := s.store.UpdateGroupStatus(context.WithoutCancel(ctx), groupID, store.GroupFailed); markErr != nil {
			slog.Error("mark group failed", "group", groupID, "error", markErr)
		}
		return 0, fmt.Errorf("stop scan: %w", err)
	}

	for _, w := range victims {
		w.cancel()
		delete(s.workers, w.taskID)
	}

	slog.Info("scan stopped", "group", groupID, "cancelled_workers", len(victims))
	return len(victims), nil
}

// startDueScans starts every group whose recurring schedule is due and
// moves its next run forward.
func (s *Scheduler) startDueScans(ctx context.Context) error {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, g := range groups {
		if g.Config.Schedule == "" || g.NextScanAt == nil || g.NextScanAt.After(now) {
			continue
		}

		if err := s.store.SetGroupNextScan(ctx, g.ID, schedule.Next(g.Config.Schedule, now)); err != nil {
			return err
		}

		if g.Status == store.GroupRunning || g.Status == store.GroupPaused {
			slog.Debug("scheduled scan skipped", "group", g.ID, "status", g.Status)
			continue
		}

		slog.Info("starting scheduled scan", "group", g.ID, "schedule", schedule.Describe(g.Config.Schedule))
		if err := s.StartScan(ctx, g.ID); err != nil {
			slog.Error("scheduled scan failed to start", "group", g.ID, "error", err)
		}
	}
	return nil
}
