// Package scheduler claims pending tasks from the store and runs one agent
// per claimed task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/phalanx/internal/agent"
	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/store"
	"github.com/mtzanidakis/phalanx/internal/tools"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNoTarget      = errors.New("group config has no target")
)

// Runner executes one mission. *agent.Runtime implements it.
type Runner interface {
	Run(ctx context.Context, m agent.Mission) (agent.Report, error)
}

// Inventory is the set of tools agents may be given.
type Inventory interface {
	Names() []string
	Has(name string) bool
}

type worker struct {
	taskID  string
	groupID string
	agentID string
	cancel  context.CancelFunc
}

type Scheduler struct {
	store  *store.Store
	runner Runner
	tools  Inventory
	events events.Sink
	cfg    config.SchedulerConfig
	now    func() time.Time

	// pollMu keeps poll iterations from overlapping.
	pollMu sync.Mutex

	mu       sync.Mutex
	workers  map[string]*worker
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

func New(s *store.Store, runner Runner, inventory Inventory, sink events.Sink, cfg config.SchedulerConfig) *Scheduler {
	def := config.Defaults().Scheduler
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff < 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Scheduler{
		store:   s,
		runner:  runner,
		tools:   inventory,
		events:  sink,
		cfg:     cfg,
		now:     time.Now,
		workers: make(map[string]*worker),
	}
}

// Start launches the poll loop. Calling Start on a running scheduler does
// nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.recoverOrphans(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.loopDone)
}

// Stop cancels the poll loop and then every tracked worker, and returns how
// many workers were cancelled. Stopping a stopped scheduler returns 0.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0
	}
	s.running = false
	cancel, done := s.cancel, s.loopDone
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.workers)
	for id, w := range s.workers {
		w.cancel()
		delete(s.workers, id)
	}
	slog.Info("scheduler stopped", "cancelled_workers", n)
	return n
}

// Wait blocks until every spawned worker has returned or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.safePoll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("scheduler poll failed", "error", err, "backoff", s.cfg.ErrorBackoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.ErrorBackoff):
				}
			}
		}
	}
}

func (s *Scheduler) safePoll(ctx context.Context) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("poll panicked: %v", rv)
		}
	}()
	return s.poll(ctx)
}

// poll starts due recurring scans and claims every untracked pending task.
func (s *Scheduler) poll(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if err := s.startDueScans(ctx); err != nil {
		return err
	}

	pending, err := s.store.ListTasksByStatus(ctx, store.TaskPending)
	if err != nil {
		return err
	}

	for _, t := range pending {
		if s.tracked(t.ID) {
			continue
		}

		agentID := newAgentID(store.ParseDirective(t.Directive).Role)
		claimed, err := s.store.ClaimTask(ctx, t.ID, agentID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		slog.Info("task claimed", "task", t.ID, "group", t.GroupID, "agent", agentID)
		s.spawn(ctx, t, agentID)
	}
	return nil
}

func newAgentID(role string) string {
	if role == "" {
		role = "agent"
	}
	return role + "-" + uuid.New().String()[:8]
}

func (s *Scheduler) tracked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[taskID]
	return ok
}

func (s *Scheduler) untrack(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, taskID)
}

// ActiveWorkers returns the ids of the tasks with a running worker.
func (s *Scheduler) ActiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// recoverOrphans cancels tasks left running by a previous process. Nothing
// in this process can be working on them yet.
func (s *Scheduler) recoverOrphans(ctx context.Context) {
	running, err := s.store.ListTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		slog.Error("list orphaned tasks failed", "error", err)
		return
	}
	for _, t := range running {
		if _, ok := s.workers[t.ID]; ok {
			continue
		}
		if _, err := s.store.FinishTask(ctx, t.ID, store.TaskCancelled, "interrupted: scheduler restarted"); err != nil {
			slog.Error("cancel orphaned task failed", "task", t.ID, "error", err)
			continue
		}
		if t.IsRoot {
			if err := s.store.UpdateGroupStatus(ctx, t.GroupID, store.GroupPaused); err != nil {
				slog.Error("pause orphaned group failed", "group", t.GroupID, "error", err)
			}
		}
		slog.Warn("orphaned task cancelled", "task", t.ID, "group", t.GroupID)
	}
}

// GetAvailableTools returns the full tool inventory, sorted.
func (s *Scheduler) GetAvailableTools() []string {
	return s.tools.Names()
}

func (s *Scheduler) ValidateToolExists(name string) bool {
	return s.tools.Has(name)
}

// GetToolsForRole returns the allowlist an agent of the given role gets.
func (s *Scheduler) GetToolsForRole(role string) []string {
	return tools.ForRole(s.tools.Names(), role)
}

func (s *Scheduler) ParseDirective(text string) store.Directive {
	return store.ParseDirective(text)
}
