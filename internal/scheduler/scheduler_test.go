package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/phalanx/internal/agent"
	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/schedule"
	"github.com/mtzanidakis/phalanx/internal/store"
	"github.com/mtzanidakis/phalanx/internal/tools"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	missions []agent.Mission

	// block makes Run wait for cancellation.
	block  bool
	report agent.Report
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, m agent.Mission) (agent.Report, error) {
	f.mu.Lock()
	f.calls[m.TaskID]++
	f.missions = append(f.missions, m)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return agent.Report{}, agent.ErrCancelled
	}
	return f.report, f.err
}

func (f *fakeRunner) callsFor(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

func (f *fakeRunner) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func stubTool(name string) tools.Tool {
	return &tools.Func{
		ToolName: name,
		Desc:     name,
		Fn: func(context.Context, map[string]any, tools.RunContext) (tools.Result, error) {
			return tools.OK("", nil), nil
		},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "scheduler.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, s *store.Store, runner Runner) (*Scheduler, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	inventory := tools.NewRegistry(
		stubTool("delegate_task"),
		stubTool("list_agents"),
		stubTool("nmap"),
		stubTool("shell"),
	)
	cfg := config.SchedulerConfig{PollInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond}
	return New(s, runner, inventory, rec, cfg), rec
}

func seedGroup(t *testing.T, s *store.Store, id string, cfg store.GroupConfig) {
	t.Helper()
	require.NoError(t, s.SaveGroup(context.Background(), &store.Group{ID: id, Name: id, Config: cfg}))
}

func waitWorkers(t *testing.T, sched *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Wait(ctx))
}

func TestStartScanCreatesOneRootTask(t *testing.T) {
	s := newTestStore(t)
	sched, rec := newTestScheduler(t, s, newFakeRunner())
	ctx := context.Background()
	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com", Instructions: "basic scan"})

	require.NoError(t, sched.StartScan(ctx, "G"))

	tasks, err := s.ListGroupTasks(ctx, "G")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	root := tasks[0]
	assert.True(t, root.IsRoot)
	assert.Equal(t, store.RootTaskName, root.Name)
	assert.Equal(t, store.TaskPending, root.Status)

	d := store.ParseDirective(root.Directive)
	assert.Equal(t, "basic scan", d.Goal)
	assert.Equal(t, "example.com", d.Target)
	assert.Equal(t, store.RoleManager, d.Role)
	assert.Equal(t, "G", d.GroupID)

	g, err := s.GetGroup(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, store.GroupRunning, g.Status)

	// Re-entry while the root task is unfinished creates nothing
	require.NoError(t, sched.StartScan(ctx, "G"))
	tasks, _ = s.ListGroupTasks(ctx, "G")
	assert.Len(t, tasks, 1)

	assert.Len(t, rec.OfType(events.ScanStarted), 1)
}

func TestStartScanDefaultsGoal(t *testing.T) {
	s := newTestStore(t)
	sched, _ := newTestScheduler(t, s, newFakeRunner())
	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})

	require.NoError(t, sched.StartScan(context.Background(), "G"))
	tasks, _ := s.ListGroupTasks(context.Background(), "G")
	require.Len(t, tasks, 1)
	assert.Equal(t, store.DefaultGoal, store.ParseDirective(tasks[0].Directive).Goal)
}

func TestStartScanWithoutTarget(t *testing.T) {
	s := newTestStore(t)
	sched, rec := newTestScheduler(t, s, newFakeRunner())
	ctx := context.Background()
	seedGroup(t, s, "G", store.GroupConfig{Instructions: "basic scan"})

	err := sched.StartScan(ctx, "G")
	assert.ErrorIs(t, err, ErrNoTarget)

	tasks, _ := s.ListGroupTasks(ctx, "G")
	assert.Empty(t, tasks)
	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupFailed, g.Status)
	assert.Empty(t, rec.Events())

	assert.ErrorIs(t, sched.StartScan(ctx, "missing"), ErrGroupNotFound)
}

func TestStopScanWithoutWorkers(t *testing.T) {
	s := newTestStore(t)
	sched, _ := newTestScheduler(t, s, newFakeRunner())
	ctx := context.Background()
	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, s.UpdateGroupStatus(ctx, "G", store.GroupRunning))

	n, err := sched.StopScan(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupPaused, g.Status)

	// Not pending or running: no-op
	require.NoError(t, s.UpdateGroupStatus(ctx, "G", store.GroupCompleted))
	n, err = sched.StopScan(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	g, _ = s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupCompleted, g.Status)
}

func TestStopScanCancelsGroupWorkers(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.block = true
	sched, _ := newTestScheduler(t, s, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	seedGroup(t, s, "H", store.GroupConfig{Target: "example.org"})
	require.NoError(t, sched.StartScan(ctx, "G"))
	require.NoError(t, sched.StartScan(ctx, "H"))

	require.NoError(t, sched.poll(ctx))
	require.Len(t, sched.ActiveWorkers(), 2)

	// Created after the claim, still pending
	late := &store.Task{GroupID: "G", Name: "late", Directive: store.NewDirective("x", "example.com", store.RoleScout, "G").Encode()}
	require.NoError(t, s.CreateTask(ctx, late))

	n, err := sched.StopScan(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sched.ActiveWorkers(), 1)

	tasks, _ := s.ListGroupTasks(ctx, "G")
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, store.TaskCancelled, task.Status, task.Name)
	}

	// The cancelled worker exits without overwriting status or group
	cancel()
	waitWorkers(t, sched)

	for _, task := range tasks {
		got, _ := s.GetTask(context.Background(), task.ID)
		assert.Equal(t, store.TaskCancelled, got.Status)
		assert.Equal(t, resultScanStopped, got.Result)
	}
	g, _ := s.GetGroup(context.Background(), "G")
	assert.Equal(t, store.GroupPaused, g.Status)
	assert.Equal(t, 0, runner.callsFor(late.ID))
}

func TestStopScanWaitsForInFlightClaim(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.block = true
	sched, _ := newTestScheduler(t, s, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, sched.StartScan(ctx, "G"))
	tasks, err := s.ListTasksByStatus(ctx, store.TaskPending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	root := tasks[0]

	// Hold the poll section between claim and spawn
	sched.pollMu.Lock()
	claimed, err := s.ClaimTask(ctx, root.ID, "manager-1")
	require.NoError(t, err)
	require.True(t, claimed)

	type stopResult struct {
		n   int
		err error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		n, err := sched.StopScan(ctx, "G")
		stopped <- stopResult{n, err}
	}()

	select {
	case <-stopped:
		t.Fatal("StopScan returned while a claim was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	sched.spawn(ctx, root, "manager-1")
	sched.pollMu.Unlock()

	res := <-stopped
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.n)
	assert.Empty(t, sched.ActiveWorkers())

	cancel()
	waitWorkers(t, sched)

	got, err := s.GetTask(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, got.Status)
	assert.Equal(t, resultScanStopped, got.Result)
	g, err := s.GetGroup(context.Background(), "G")
	require.NoError(t, err)
	assert.Equal(t, store.GroupPaused, g.Status)
}

func TestOverlappingPollsClaimOnce(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.block = true
	first, _ := newTestScheduler(t, s, runner)
	second, _ := newTestScheduler(t, s, runner)
	ctx, cancel := context.WithCancel(context.Background())

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	var ids []string
	for i := 0; i < 5; i++ {
		task := &store.Task{GroupID: "G", Name: "child", Directive: store.NewDirective("x", "example.com", store.RoleScout, "G").Encode()}
		require.NoError(t, s.CreateTask(ctx, task))
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = first.poll(ctx) }()
		go func() { defer wg.Done(); _ = second.poll(ctx) }()
	}
	wg.Wait()

	assert.Equal(t, 5, len(first.ActiveWorkers())+len(second.ActiveWorkers()))
	require.Eventually(t, func() bool { return runner.totalCalls() == 5 }, time.Second, 10*time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, 1, runner.callsFor(id), id)
	}

	cancel()
	waitWorkers(t, first)
	waitWorkers(t, second)
}

func TestRootCompletionPropagates(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.report = agent.Report{Completed: true, Summary: "all done"}
	sched, rec := newTestScheduler(t, s, runner)
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com", Skills: []string{"recon"}})
	require.NoError(t, sched.StartScan(ctx, "G"))
	require.NoError(t, sched.poll(ctx))
	waitWorkers(t, sched)

	tasks, _ := s.ListGroupTasks(ctx, "G")
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskCompleted, tasks[0].Status)
	assert.Equal(t, "all done", tasks[0].Result)
	assert.NotEmpty(t, tasks[0].AssignedAgentID)

	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupCompleted, g.Status)

	done := rec.OfType(events.ScanCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, map[string]any{"completed": 1}, done[0].Data["tasks"])

	require.Len(t, runner.missions, 1)
	m := runner.missions[0]
	assert.Equal(t, tasks[0].AssignedAgentID, m.AgentID)
	assert.Equal(t, []string{"delegate_task", "list_agents"}, m.AllowedTools)
	assert.Equal(t, []string{"recon"}, m.Skills)
	assert.Empty(t, sched.ActiveWorkers())
}

func TestRootFailurePropagates(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.err = errors.New("register agent: boom")
	sched, rec := newTestScheduler(t, s, runner)
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, sched.StartScan(ctx, "G"))
	require.NoError(t, sched.poll(ctx))
	waitWorkers(t, sched)

	tasks, _ := s.ListGroupTasks(ctx, "G")
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskFailed, tasks[0].Status)
	assert.Equal(t, "register agent: boom", tasks[0].Result)

	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupFailed, g.Status)
	assert.Len(t, rec.OfType(events.ScanFailed), 1)
}

func TestChildCompletionLeavesGroup(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.report = agent.Report{Summary: "mapped"}
	sched, rec := newTestScheduler(t, s, runner)
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, s.UpdateGroupStatus(ctx, "G", store.GroupRunning))
	child := &store.Task{GroupID: "G", Name: "child", Directive: store.NewDirective("map", "example.com", store.RoleScout, "G").Encode()}
	require.NoError(t, s.CreateTask(ctx, child))

	require.NoError(t, sched.poll(ctx))
	waitWorkers(t, sched)

	got, _ := s.GetTask(ctx, child.ID)
	assert.Equal(t, store.TaskCompleted, got.Status)
	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupRunning, g.Status)
	assert.Empty(t, rec.Events())
}

func TestInvalidDirectiveFailsTask(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	sched, _ := newTestScheduler(t, s, runner)
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	task := &store.Task{GroupID: "G", Name: "broken", Directive: "not json"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, sched.poll(ctx))
	waitWorkers(t, sched)

	got, _ := s.GetTask(ctx, task.ID)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Equal(t, resultInvalidDirective, got.Result)
	assert.Equal(t, 0, runner.totalCalls())
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.block = true
	sched, _ := newTestScheduler(t, s, runner)
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, sched.StartScan(ctx, "G"))

	sched.Start(ctx)
	sched.Start(ctx)
	require.Eventually(t, func() bool { return len(sched.ActiveWorkers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sched.Stop())
	assert.Equal(t, 0, sched.Stop())
	assert.Empty(t, sched.ActiveWorkers())
	waitWorkers(t, sched)

	tasks, _ := s.ListGroupTasks(ctx, "G")
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskCancelled, tasks[0].Status)
	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupPaused, g.Status)
	assert.Equal(t, 1, runner.callsFor(tasks[0].ID))
}

func TestStartRecoversOrphans(t *testing.T) {
	s := newTestStore(t)
	sched, _ := newTestScheduler(t, s, newFakeRunner())
	ctx := context.Background()

	seedGroup(t, s, "G", store.GroupConfig{Target: "example.com"})
	require.NoError(t, s.UpdateGroupStatus(ctx, "G", store.GroupRunning))
	root := &store.Task{GroupID: "G", Name: store.RootTaskName, IsRoot: true, Directive: "{}"}
	require.NoError(t, s.CreateTask(ctx, root))
	claimed, err := s.ClaimTask(ctx, root.ID, "manager-dead")
	require.NoError(t, err)
	require.True(t, claimed)

	sched.Start(ctx)
	defer sched.Stop()

	got, _ := s.GetTask(ctx, root.ID)
	assert.Equal(t, store.TaskCancelled, got.Status)
	g, _ := s.GetGroup(ctx, "G")
	assert.Equal(t, store.GroupPaused, g.Status)
}

func TestScheduledScanStarts(t *testing.T) {
	s := newTestStore(t)
	runner := newFakeRunner()
	runner.block = true
	sched, rec := newTestScheduler(t, s, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		waitWorkers(t, sched)
	}()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	hourly, err := schedule.Normalize("every 1h")
	require.NoError(t, err)
	due := now.Add(-time.Minute)

	for _, id := range []string{"due", "busy"} {
		g := &store.Group{ID: id, Name: id, Config: store.GroupConfig{Target: "example.com", Schedule: hourly}, NextScanAt: &due}
		require.NoError(t, s.SaveGroup(ctx, g))
	}
	require.NoError(t, s.UpdateGroupStatus(ctx, "due", store.GroupCompleted))
	require.NoError(t, s.UpdateGroupStatus(ctx, "busy", store.GroupRunning))

	require.NoError(t, sched.poll(ctx))

	tasks, _ := s.ListGroupTasks(ctx, "due")
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].IsRoot)
	assert.Len(t, rec.OfType(events.ScanStarted), 1)

	tasks, _ = s.ListGroupTasks(ctx, "busy")
	assert.Empty(t, tasks)

	for _, id := range []string{"due", "busy"} {
		g, _ := s.GetGroup(ctx, id)
		require.NotNil(t, g.NextScanAt, id)
		assert.WithinDuration(t, now.Add(time.Hour), *g.NextScanAt, time.Second, id)
	}
}

func TestToolInventory(t *testing.T) {
	sched, _ := newTestScheduler(t, newTestStore(t), newFakeRunner())

	assert.Equal(t, []string{"delegate_task", "list_agents", "nmap", "shell"}, sched.GetAvailableTools())
	assert.True(t, sched.ValidateToolExists("nmap"))
	assert.False(t, sched.ValidateToolExists("sqlmap"))
	assert.Equal(t, []string{"nmap", "list_agents"}, sched.GetToolsForRole(store.RoleScout))
	assert.Equal(t, sched.GetAvailableTools(), sched.GetToolsForRole("janitor"))

	d := sched.ParseDirective(`{"goal":"x"}`)
	assert.Equal(t, store.RoleSpecialist, d.Role)
	assert.False(t, sched.ParseDirective("nope").Valid())
}
