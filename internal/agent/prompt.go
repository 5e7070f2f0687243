package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/phalanx/internal/store"
)

// Completion markers end the mission when they appear in a turn without
// tool calls.
var completionMarkers = []string{"MISSION_COMPLETE", "[[DONE]]"}

const sharedContextLimit = 10

var personas = map[string]string{
	store.RoleManager: `You are the manager of an authorized security assessment. You plan the work,
split it into focused sub-tasks, delegate them to scouts and attackers, and
consolidate what they report. You rarely touch the target yourself.`,
	store.RoleScout: `You are a reconnaissance specialist in an authorized security assessment. You
map the attack surface: hosts, ports, services, subdomains, endpoints and
technologies. You share every asset you find with the team.`,
	store.RoleAttacker: `You are an offensive specialist in an authorized security assessment. You
verify and exploit weaknesses on the assets the team has mapped, and you
report confirmed findings with evidence.`,
	store.RoleSpecialist: `You are a security specialist in an authorized security assessment. You work
the goal you were given end to end with the tools available to you.`,
}

const operationalGuidance = `## Operating rules
- Stay within the target and goal below. Never attack anything else.
- Call one tool at a time when later steps depend on earlier output.
- A skipped tool call means the same call already ran or keeps failing.
  Read the reason and change approach instead of repeating it.
- Report confirmed issues with report_finding and share assets or notes
  with share_note so the other agents can build on them.
- Messages marked PRIORITY OVERRIDE come from the operator or the manager
  and take precedence over your current plan.`

const efficiencyGuidance = `## Efficiency
- Prefer targeted checks over broad sweeps once the surface is known.
- Do not re-run a successful scan to confirm it.
- When the goal is met or nothing useful remains, reply without tool calls
  and include MISSION_COMPLETE followed by a short summary.`

func persona(role string) string {
	if p, ok := personas[role]; ok {
		return p
	}
	return personas[store.RoleSpecialist]
}

func (r *Runtime) systemPrompt(ctx context.Context, sess *Session, m Mission) string {
	var sb strings.Builder

	sb.WriteString(persona(sess.Role))

	if r.skills != nil && len(m.Skills) > 0 {
		if block := r.skills.Block(m.Skills); block != "" {
			sb.WriteString("\n\n## Skills\n\n")
			sb.WriteString(block)
		}
	}

	sb.WriteString("\n\n")
	sb.WriteString(operationalGuidance)

	fmt.Fprintf(&sb, "\n\n## Mission\n- Agent: %s (%s)\n- Target: %s\n- Goal: %s",
		sess.AgentID, sess.Role, orUnknown(m.Directive.Target), m.Directive.Goal)

	if shared := r.sharedContext(ctx, sess.GroupID); shared != "" {
		sb.WriteString("\n\n## Shared context\n")
		sb.WriteString(shared)
	}

	sb.WriteString("\n\n")
	sb.WriteString(efficiencyGuidance)
	return sb.String()
}

// sharedContext lists the group's recent discoveries and tool attempts.
func (r *Runtime) sharedContext(ctx context.Context, groupID string) string {
	var sb strings.Builder

	if r.dir != nil {
		discs, err := r.dir.RecentDiscoveries(ctx, groupID, sharedContextLimit)
		if err != nil {
			slog.Warn("load shared discoveries failed", "group", groupID, "error", err)
		}
		if len(discs) > 0 {
			sb.WriteString("Recent discoveries:\n")
			for _, d := range discs {
				switch d.Kind {
				case store.DiscoveryFinding:
					fmt.Fprintf(&sb, "- [finding/%s] %s (by %s)\n", d.Severity, d.Title, d.AgentID)
				default:
					fmt.Fprintf(&sb, "- [%s] %s (by %s)\n", d.Kind, d.Title, d.AgentID)
				}
			}
		}
	}

	attempts, err := r.dedup.History(ctx, groupID, "", sharedContextLimit)
	if err != nil {
		slog.Warn("load attempt history failed", "group", groupID, "error", err)
	}
	if len(attempts) > 0 {
		sb.WriteString("Recent tool attempts:\n")
		for _, a := range attempts {
			fmt.Fprintf(&sb, "- %s %s: %s", a.Tool, a.Target, a.Status)
			if a.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", truncate(a.Reason, 120))
			}
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func missionBrief(m Mission) string {
	return fmt.Sprintf("Begin the mission.\nTarget: %s\nGoal: %s", orUnknown(m.Directive.Target), m.Directive.Goal)
}

func hasCompletionMarker(text string) bool {
	for _, marker := range completionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func stripCompletionMarkers(text string) string {
	for _, marker := range completionMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	return strings.TrimSpace(text)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
