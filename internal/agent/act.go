package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mtzanidakis/phalanx/internal/dedup"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/store"
	"github.com/mtzanidakis/phalanx/internal/tools"
)

// targetKeys are checked in order to find the target of a tool call.
var targetKeys = []string{"target", "url", "command", "host"}

const unknownTarget = "unknown"

func extractTarget(args map[string]any) string {
	for _, key := range targetKeys {
		if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return unknownTarget
}

// dispatch turns one requested call into the tool message answering it.
// Every failure is reported inline so the loop can go on.
func (r *Runtime) dispatch(ctx context.Context, sess *Session, call schema.ToolCall) *schema.Message {
	name := call.Function.Name

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			slog.Warn("invalid tool arguments", "agent", sess.AgentID, "tool", name, "error", err)
			return schema.ToolMessage(tools.Fail("invalid JSON arguments for %s: %v", name, err).JSON(), call.ID)
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	if !sess.Allowed(name) || r.tools.Get(name) == nil {
		slog.Warn("unknown tool requested", "agent", sess.AgentID, "tool", name)
		return schema.ToolMessage(tools.Fail("unknown tool %q", name).JSON(), call.ID)
	}

	res := r.act(ctx, sess, name, args)
	return schema.ToolMessage(res.JSON(), call.ID)
}

// act consults the dedup engine, runs the tool when allowed and records the
// attempt. Bypassed tools skip both the policy and the ledger.
func (r *Runtime) act(ctx context.Context, sess *Session, name string, args map[string]any) tools.Result {
	target := extractTarget(args)
	bypass := r.dedup.IsBypassed(name)

	decision := dedup.Decision{Verdict: dedup.Execute}
	if !bypass {
		decision = r.dedup.ShouldSkip(ctx, sess.GroupID, name, target)
	}
	if decision.Verdict.Skip() {
		if err := r.dedup.RecordAttempt(ctx, sess.GroupID, name, target, store.AttemptSkipped, decision.Reason); err != nil {
			slog.Warn("record skipped attempt failed", "tool", name, "error", err)
		}
		slog.Info("tool call skipped", "agent", sess.AgentID, "tool", name, "target", target, "verdict", decision.Verdict)
		return tools.Result{
			Success: false,
			Error:   fmt.Sprintf("skipped (%s): %s", decision.Verdict, decision.Reason),
			Data: map[string]any{
				"skipped": true,
				"verdict": decision.Verdict.String(),
			},
		}
	}

	tool := r.tools.Get(name)
	rc := tools.RunContext{
		GroupID: sess.GroupID,
		AgentID: sess.AgentID,
		TaskID:  sess.TaskID,
		Role:    sess.Role,
		Target:  sess.Target,
		Progress: func(msg string) {
			r.events.Emit(events.Event{
				Type:    events.ToolProgress,
				GroupID: sess.GroupID,
				AgentID: sess.AgentID,
				Data:    map[string]any{"tool": name, "message": msg},
			})
		},
	}

	r.events.Emit(events.Event{
		Type:    events.ToolStart,
		GroupID: sess.GroupID,
		AgentID: sess.AgentID,
		Data:    map[string]any{"tool": name, "target": target, "args": args},
	})

	res := tools.Normalize(r.safeRun(ctx, tool, args, rc))

	if !bypass {
		status := store.AttemptSuccess
		if !res.Success {
			status = store.AttemptFailure
		}
		if err := r.dedup.RecordAttempt(ctx, sess.GroupID, name, target, status, res.Error); err != nil {
			slog.Warn("record attempt failed", "tool", name, "error", err)
		}
	}

	data := map[string]any{
		"tool":    name,
		"target":  target,
		"success": res.Success,
		"output":  truncate(res.Output, 1000),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	r.events.Emit(events.Event{
		Type:    events.ToolComplete,
		GroupID: sess.GroupID,
		AgentID: sess.AgentID,
		Data:    data,
	})

	return res
}

// safeRun runs the tool with the per-call timeout and converts a panic into
// an error.
func (r *Runtime) safeRun(ctx context.Context, tool tools.Tool, args map[string]any, rc tools.RunContext) (res tools.Result, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("tool %q panicked: %v", tool.Name(), rv)
			slog.Error("tool panic recovered", "tool", tool.Name(), "panic", fmt.Sprintf("%v", rv))
		}
	}()

	if r.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ToolTimeout)
		defer cancel()
	}
	return tool.Run(ctx, args, rc)
}
