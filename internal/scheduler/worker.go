package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/phalanx/internal/agent"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/store"
)

const resultInvalidDirective = "invalid directive"

// spawn tracks the claimed task and runs its worker in a new goroutine.
// The caller holds pollMu, so nothing else can track the same task.
func (s *Scheduler) spawn(parent context.Context, t store.Task, agentID string) {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{taskID: t.ID, groupID: t.GroupID, agentID: agentID, cancel: cancel}

	s.mu.Lock()
	s.workers[t.ID] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.untrack(t.ID)
		s.runWorker(ctx, t, agentID)
	}()
}

// runWorker runs the mission and persists its outcome. Writes use a context
// detached from the worker, which may already be cancelled.
func (s *Scheduler) runWorker(ctx context.Context, t store.Task, agentID string) {
	persistCtx := context.WithoutCancel(ctx)
	log := slog.With("task", t.ID, "group", t.GroupID, "agent", agentID)

	d := store.ParseDirective(t.Directive)
	if !d.Valid() {
		log.Warn("task has invalid directive")
		s.finish(persistCtx, t, store.TaskFailed, resultInvalidDirective)
		return
	}
	if d.GroupID == "" {
		d.GroupID = t.GroupID
	}

	var skills []string
	if g, err := s.store.GetGroup(persistCtx, t.GroupID); err != nil {
		log.Warn("load group for skills failed", "error", err)
	} else if g != nil {
		skills = g.Config.Skills
	}

	mission := agent.Mission{
		AgentID:      agentID,
		TaskID:       t.ID,
		GroupID:      t.GroupID,
		Directive:    d,
		AllowedTools: s.GetToolsForRole(d.Role),
		Skills:       skills,
		Inbox:        agent.NewInbox(),
	}

	report, err := s.safeRun(ctx, mission)

	status, result := store.TaskCompleted, report.Summary
	switch {
	case errors.Is(err, agent.ErrCancelled) || (err != nil && ctx.Err() != nil):
		status, result = store.TaskCancelled, "cancelled"
	case err != nil:
		status, result = store.TaskFailed, err.Error()
	}

	log.Info("worker finished", "status", status, "iterations", report.Iterations, "tool_calls", report.ToolCalls)
	s.finish(persistCtx, t, status, result)
}

func (s *Scheduler) safeRun(ctx context.Context, m agent.Mission) (report agent.Report, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("worker panicked: %v", rv)
			slog.Error("worker panic recovered", "task", m.TaskID, "panic", fmt.Sprintf("%v", rv))
		}
	}()
	return s.runner.Run(ctx, m)
}

// finish writes the terminal status. A task that is already terminal, such
// as one cancelled by StopScan, keeps its status and its group is left alone.
func (s *Scheduler) finish(ctx context.Context, t store.Task, status store.TaskStatus, result string) {
	applied, err := s.store.FinishTask(ctx, t.ID, status, result)
	if err != nil {
		slog.Error("persist task result failed", "task", t.ID, "error", err)
		return
	}
	if !applied {
		slog.Debug("task already terminal", "task", t.ID)
		return
	}
	if t.IsRoot {
		s.finishScan(ctx, t, status)
	}
}

// finishScan propagates the root task outcome to its group.
func (s *Scheduler) finishScan(ctx context.Context, root store.Task, status store.TaskStatus) {
	counts, err := s.store.CountTasksByStatus(ctx, root.GroupID)
	if err != nil {
		slog.Error("count scan tasks failed", "group", root.GroupID, "error", err)
	}
	summary := make(map[string]any, len(counts))
	for st, n := range counts {
		summary[string(st)] = n
	}

	var groupStatus store.GroupStatus
	switch status {
	case store.TaskCompleted:
		groupStatus = store.GroupCompleted
		s.events.Emit(events.Event{
			Type:    events.ScanCompleted,
			GroupID: root.GroupID,
			Data:    map[string]any{"task_id": root.ID, "tasks": summary},
		})
	case store.TaskFailed:
		groupStatus = store.GroupFailed
		s.events.Emit(events.Event{
			Type:    events.ScanFailed,
			GroupID: root.GroupID,
			Data:    map[string]any{"task_id": root.ID, "tasks": summary},
		})
	default:
		groupStatus = store.GroupPaused
	}

	if err := s.store.UpdateGroupStatus(ctx, root.GroupID, groupStatus); err != nil {
		slog.Error("update group status failed", "group", root.GroupID, "error", err)
		return
	}
	slog.Info("scan finished", "group", root.GroupID, "status", groupStatus)
}
