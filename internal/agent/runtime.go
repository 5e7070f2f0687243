// Package agent runs one mission: a bounded loop of reasoning steps and
// tool calls on behalf of a claimed task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/coord"
	"github.com/mtzanidakis/phalanx/internal/dedup"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/provider"
	"github.com/mtzanidakis/phalanx/internal/store"
	"github.com/mtzanidakis/phalanx/internal/tools"
)

// ErrCancelled is returned when the mission stopped because its task was
// cancelled or its context ended.
var ErrCancelled = errors.New("mission cancelled")

type ToolSet interface {
	Get(name string) tools.Tool
	Infos(allowed []string) []*schema.ToolInfo
}

type Dedup interface {
	IsBypassed(tool string) bool
	ShouldSkip(ctx context.Context, groupID, tool, target string) dedup.Decision
	RecordAttempt(ctx context.Context, groupID, tool, target string, status store.AttemptStatus, reason string) error
	History(ctx context.Context, groupID, tool string, limit int) ([]store.Attempt, error)
}

type Directory interface {
	Register(agentID, groupID, role string, inbox coord.Mailbox) error
	Unregister(agentID string) error
	RecentDiscoveries(ctx context.Context, groupID string, limit int) ([]store.Discovery, error)
}

type TaskStatusReader interface {
	GetTaskStatus(ctx context.Context, id string) (store.TaskStatus, error)
}

type Skills interface {
	Block(names []string) string
}

// Deps are the collaborators of a Runtime. Events and Skills are optional.
type Deps struct {
	Tools     ToolSet
	Dedup     Dedup
	Provider  provider.Provider
	Events    events.Sink
	Directory Directory
	Tasks     TaskStatusReader
	Skills    Skills
}

// Mission is the input of one run.
type Mission struct {
	AgentID      string
	TaskID       string
	GroupID      string
	Directive    store.Directive
	AllowedTools []string
	Skills       []string
	// Inbox receives priority messages. A fresh one is created when nil.
	Inbox *Inbox
}

// Report summarizes a finished run.
type Report struct {
	Iterations int
	ToolCalls  int
	Completed  bool
	Summary    string
}

type Runtime struct {
	tools    ToolSet
	dedup    Dedup
	provider provider.Provider
	events   events.Sink
	dir      Directory
	tasks    TaskStatusReader
	skills   Skills
	cfg      config.AgentConfig
}

func New(deps Deps, cfg config.AgentConfig) *Runtime {
	def := config.Defaults().Agent
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ProviderAttempts <= 0 {
		cfg.ProviderAttempts = def.ProviderAttempts
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}

	sink := deps.Events
	if sink == nil {
		sink = events.Nop{}
	}
	return &Runtime{
		tools:    deps.Tools,
		dedup:    deps.Dedup,
		provider: deps.Provider,
		events:   sink,
		dir:      deps.Directory,
		tasks:    deps.Tasks,
		skills:   deps.Skills,
		cfg:      cfg,
	}
}

// Run executes the mission until a completion marker, cancellation or the
// iteration cap. Hitting the cap is not an error.
func (r *Runtime) Run(ctx context.Context, m Mission) (Report, error) {
	sess := newSession(m)
	log := slog.With("agent", sess.AgentID, "task", sess.TaskID, "group", sess.GroupID)

	if r.dir != nil {
		if err := r.dir.Register(sess.AgentID, sess.GroupID, sess.Role, sess.Inbox); err != nil {
			return Report{}, fmt.Errorf("register agent: %w", err)
		}
		defer func() {
			if err := r.dir.Unregister(sess.AgentID); err != nil {
				log.Warn("unregister agent failed", "error", err)
			}
		}()
	}

	log.Info("mission started", "role", sess.Role, "target", m.Directive.Target)
	sess.append(schema.UserMessage(missionBrief(m)))

	var report Report
	for sess.Iteration < r.cfg.MaxIterations {
		if r.cancelled(ctx, sess.TaskID) {
			log.Info("mission cancelled", "iteration", sess.Iteration)
			report.Iterations = sess.Iteration
			return report, ErrCancelled
		}
		sess.Iteration++

		resp, fallback := r.think(ctx, sess, m)

		if len(resp.ToolCalls) == 0 {
			if !fallback && hasCompletionMarker(resp.Content) {
				report.Iterations = sess.Iteration
				report.Completed = true
				report.Summary = stripCompletionMarkers(resp.Content)
				log.Info("mission complete", "iterations", sess.Iteration, "tool_calls", report.ToolCalls)
				return report, nil
			}
			sess.append(resp)
			if fallback {
				r.pause(ctx)
			}
			continue
		}

		sess.append(resp)
		for _, call := range resp.ToolCalls {
			sess.append(r.dispatch(ctx, sess, call))
			report.ToolCalls++
		}
	}

	report.Iterations = sess.Iteration
	report.Summary = sess.lastAssistantText()
	if report.Summary == "" {
		report.Summary = "iteration limit reached"
	}
	log.Info("mission reached iteration limit", "iterations", sess.Iteration, "tool_calls", report.ToolCalls)
	return report, nil
}

func (r *Runtime) cancelled(ctx context.Context, taskID string) bool {
	if ctx.Err() != nil {
		return true
	}
	if r.tasks == nil || taskID == "" {
		return false
	}
	status, err := r.tasks.GetTaskStatus(ctx, taskID)
	if err != nil {
		slog.Warn("read task status failed", "task", taskID, "error", err)
		return false
	}
	return status == store.TaskCancelled
}

func (r *Runtime) pause(ctx context.Context) {
	if r.cfg.FallbackPause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.FallbackPause):
	}
}

// think runs one reasoning step. A provider that keeps failing yields a
// fallback turn with no tool calls and fallback set.
func (r *Runtime) think(ctx context.Context, sess *Session, m Mission) (*schema.Message, bool) {
	if msg, ok := sess.Inbox.Pop(); ok {
		sess.append(schema.UserMessage(fmt.Sprintf("[PRIORITY OVERRIDE from %s] %s", msg.Sender, msg.Content)))
	}

	infos := r.tools.Infos(m.AllowedTools)
	sess.truncate(r.cfg.HistoryLimit)

	msgs := make([]*schema.Message, 0, len(sess.History)+1)
	msgs = append(msgs, schema.SystemMessage(r.systemPrompt(ctx, sess, m)))
	msgs = append(msgs, sess.History...)

	resp, err := provider.WithRetry(ctx, r.cfg.ProviderAttempts, r.cfg.ProviderBackoff, func(ctx context.Context) (*schema.Message, error) {
		return r.provider.Complete(ctx, r.cfg.Model, msgs, infos)
	})
	if err != nil {
		slog.Error("reasoning step failed", "agent", sess.AgentID, "iteration", sess.Iteration, "error", err)
		return schema.AssistantMessage("Reasoning provider error: "+err.Error(), nil), true
	}
	if resp.Role == "" {
		resp.Role = schema.Assistant
	}

	r.events.Emit(events.Event{
		Type:    events.AgentThinking,
		GroupID: sess.GroupID,
		AgentID: sess.AgentID,
		Data: map[string]any{
			"task_id":    sess.TaskID,
			"iteration":  sess.Iteration,
			"content":    truncate(resp.Content, 500),
			"tool_calls": len(resp.ToolCalls),
		},
	})
	return resp, false
}
