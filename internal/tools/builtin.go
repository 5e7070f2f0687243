package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mtzanidakis/phalanx/internal/coord"
	"github.com/mtzanidakis/phalanx/internal/store"
)

// Directory is the coordination surface the builtin tools use.
type Directory interface {
	ActiveAgents(groupID string) []coord.Member
	Lookup(agentID string) (coord.Member, bool)
	Deliver(agentID string, msg coord.Message) error
	ShareDiscovery(ctx context.Context, d *store.Discovery) error
}

type TaskCreator interface {
	CreateTask(ctx context.Context, t *store.Task) error
}

var severities = map[string]bool{"info": true, "low": true, "medium": true, "high": true, "critical": true}

// Builtins returns the coordination tools every deployment registers.
func Builtins(dir Directory, tasks TaskCreator) []Tool {
	return []Tool{
		delegateTask(tasks),
		reportFinding(dir),
		shareNote(dir),
		messageAgent(dir),
		listAgents(dir),
	}
}

func delegateTask(tasks TaskCreator) Tool {
	return &Func{
		ToolName: "delegate_task",
		Desc:     "Create a sub-task for another agent in this scan. The scheduler picks it up and spawns an agent with the given role.",
		Params: map[string]*schema.ParameterInfo{
			"role":   {Type: schema.String, Desc: "scout, attacker or specialist", Required: true},
			"goal":   {Type: schema.String, Desc: "what the agent must achieve", Required: true},
			"target": {Type: schema.String, Desc: "target of the sub-task; defaults to the scan target"},
			"name":   {Type: schema.String, Desc: "short task name"},
		},
		Fn: func(ctx context.Context, args map[string]any, rc RunContext) (Result, error) {
			goal, ok := StringArg(args, "goal")
			if !ok {
				return Fail("goal is required"), nil
			}
			role, _ := StringArg(args, "role")
			if role == store.RoleManager {
				return Fail("managers cannot delegate to another manager"), nil
			}
			target, ok := StringArg(args, "target")
			if !ok {
				target = rc.Target
			}
			name, ok := StringArg(args, "name")
			if !ok {
				name = fmt.Sprintf("%s: %s", roleOrDefault(role), truncate(goal, 60))
			}

			d := store.NewDirective(goal, target, role, rc.GroupID)
			t := &store.Task{GroupID: rc.GroupID, Name: name, Directive: d.Encode()}
			if err := tasks.CreateTask(ctx, t); err != nil {
				return Result{}, fmt.Errorf("delegate task: %w", err)
			}
			return OK(fmt.Sprintf("created %s task %s", d.Role, t.ID), map[string]any{
				"task_id": t.ID,
				"role":    d.Role,
			}), nil
		},
	}
}

func reportFinding(dir Directory) Tool {
	return &Func{
		ToolName: "report_finding",
		Desc:     "Record a confirmed security finding for this scan.",
		Params: map[string]*schema.ParameterInfo{
			"title":    {Type: schema.String, Desc: "one-line summary", Required: true},
			"severity": {Type: schema.String, Desc: "info, low, medium, high or critical", Required: true},
			"detail":   {Type: schema.String, Desc: "evidence and reproduction steps"},
		},
		Fn: func(ctx context.Context, args map[string]any, rc RunContext) (Result, error) {
			title, ok := StringArg(args, "title")
			if !ok {
				return Fail("title is required"), nil
			}
			severity, _ := StringArg(args, "severity")
			severity = strings.ToLower(severity)
			if !severities[severity] {
				return Fail("severity must be one of info, low, medium, high, critical"), nil
			}
			detail, _ := StringArg(args, "detail")

			d := &store.Discovery{
				GroupID:  rc.GroupID,
				AgentID:  rc.AgentID,
				Kind:     store.DiscoveryFinding,
				Title:    title,
				Detail:   detail,
				Severity: severity,
			}
			if err := dir.ShareDiscovery(ctx, d); err != nil {
				return Result{}, err
			}
			return OK("finding recorded", map[string]any{"id": d.ID}), nil
		},
	}
}

func shareNote(dir Directory) Tool {
	return &Func{
		ToolName: "share_note",
		Desc:     "Share an asset or a note with the other agents of this scan.",
		Params: map[string]*schema.ParameterInfo{
			"title":  {Type: schema.String, Desc: "what was found", Required: true},
			"kind":   {Type: schema.String, Desc: "asset or note; defaults to note"},
			"detail": {Type: schema.String, Desc: "supporting detail"},
		},
		Fn: func(ctx context.Context, args map[string]any, rc RunContext) (Result, error) {
			title, ok := StringArg(args, "title")
			if !ok {
				return Fail("title is required"), nil
			}
			kind := store.DiscoveryNote
			if k, _ := StringArg(args, "kind"); k == string(store.DiscoveryAsset) {
				kind = store.DiscoveryAsset
			}
			detail, _ := StringArg(args, "detail")

			d := &store.Discovery{GroupID: rc.GroupID, AgentID: rc.AgentID, Kind: kind, Title: title, Detail: detail}
			if err := dir.ShareDiscovery(ctx, d); err != nil {
				return Result{}, err
			}
			return OK(fmt.Sprintf("%s shared", kind), map[string]any{"id": d.ID}), nil
		},
	}
}

func messageAgent(dir Directory) Tool {
	return &Func{
		ToolName: "message_agent",
		Desc:     "Send a priority instruction to another running agent of this scan. It is read before the agent's next step.",
		Params: map[string]*schema.ParameterInfo{
			"agent_id": {Type: schema.String, Desc: "recipient, as listed by list_agents", Required: true},
			"content":  {Type: schema.String, Desc: "the instruction", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any, rc RunContext) (Result, error) {
			to, ok := StringArg(args, "agent_id")
			if !ok {
				return Fail("agent_id is required"), nil
			}
			content, ok := StringArg(args, "content")
			if !ok {
				return Fail("content is required"), nil
			}
			if to == rc.AgentID {
				return Fail("cannot message yourself"), nil
			}
			m, ok := dir.Lookup(to)
			if !ok || m.GroupID != rc.GroupID {
				return Fail("agent %s is not active in this scan", to), nil
			}
			if err := dir.Deliver(to, coord.Message{Sender: rc.AgentID, Content: content}); err != nil {
				return Result{}, err
			}
			return OK("message delivered to "+to, nil), nil
		},
	}
}

func listAgents(dir Directory) Tool {
	return &Func{
		ToolName: "list_agents",
		Desc:     "List the agents currently working on this scan.",
		Fn: func(_ context.Context, _ map[string]any, rc RunContext) (Result, error) {
			members := dir.ActiveAgents(rc.GroupID)
			var sb strings.Builder
			agents := make([]map[string]any, 0, len(members))
			for _, m := range members {
				self := ""
				if m.AgentID == rc.AgentID {
					self = " (you)"
				}
				fmt.Fprintf(&sb, "- %s [%s]%s\n", m.AgentID, m.Role, self)
				agents = append(agents, map[string]any{"agent_id": m.AgentID, "role": m.Role})
			}
			if len(members) == 0 {
				sb.WriteString("no active agents\n")
			}
			return OK(sb.String(), map[string]any{"agents": agents}), nil
		},
	}
}

func roleOrDefault(role string) string {
	if store.KnownRole(role) {
		return role
	}
	return store.RoleSpecialist
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
