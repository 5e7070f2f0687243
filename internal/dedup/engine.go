// Package dedup keeps the tool attempt ledger and decides whether a tool
// call should run or be skipped.
//
// The policy reads the most recent executed attempt for a (group, tool,
// normalized target) key. Strict tools trust a recent success for the
// freshness window. Failed keys are throttled: after the failure threshold
// unless the tool is always-retry, and during the retry delay otherwise.
// Bypassed tools always execute.
// Lookup errors never block execution.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/store"
)

// Ledger is the attempt storage the engine reads and appends to.
type Ledger interface {
	AppendAttempt(ctx context.Context, a *store.Attempt) error
	LatestOutcome(ctx context.Context, groupID, tool, target string) (*store.Attempt, error)
	CountAttempts(ctx context.Context, groupID, tool, target string, status store.AttemptStatus) (int, error)
	ListAttempts(ctx context.Context, groupID, tool string, limit int) ([]store.Attempt, error)
}

type Verdict int

const (
	Execute Verdict = iota
	SkipCached
	SkipExhausted
	SkipCooldown
)

func (v Verdict) String() string {
	switch v {
	case Execute:
		return "execute"
	case SkipCached:
		return "cached"
	case SkipExhausted:
		return "exhausted"
	case SkipCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Skip reports whether the verdict means the tool must not run.
func (v Verdict) Skip() bool {
	return v != Execute
}

// Decision is the explicit outcome of ShouldSkip.
type Decision struct {
	Verdict Verdict
	Reason  string
}

type Engine struct {
	ledger Ledger

	freshness   time.Duration
	retryDelay  time.Duration
	threshold   int
	strict      map[string]bool
	alwaysRetry map[string]bool
	bypass      map[string]bool
	classes     map[string]Class

	now func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. Zero values in cfg fall back to the documented
// defaults; empty tool lists fall back to the built-in classification.
func New(ledger Ledger, cfg config.DedupConfig, opts ...Option) *Engine {
	def := config.Defaults().Dedup
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	e := &Engine{
		ledger:      ledger,
		freshness:   cfg.FreshnessWindow,
		retryDelay:  cfg.RetryDelay,
		threshold:   cfg.FailureThreshold,
		strict:      toSet(orDefault(cfg.StrictTools, defaultStrictTools)),
		alwaysRetry: toSet(orDefault(cfg.AlwaysRetryTools, defaultAlwaysRetryTools)),
		bypass:      toSet(orDefault(cfg.BypassTools, defaultBypassTools)),
		classes:     make(map[string]Class),
		now:         time.Now,
	}
	for _, t := range orDefault(cfg.URLTools, defaultURLTools) {
		e.classes[t] = ClassURL
	}
	for _, t := range orDefault(cfg.NetworkTools, defaultNetworkTools) {
		e.classes[t] = ClassNetwork
	}
	for _, t := range orDefault(cfg.ShellTools, defaultShellTools) {
		e.classes[t] = ClassShell
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// ClassOf returns the normalization class of a tool.
func (e *Engine) ClassOf(tool string) Class {
	return e.classes[tool]
}

func (e *Engine) IsStrict(tool string) bool      { return e.strict[tool] }
func (e *Engine) IsAlwaysRetry(tool string) bool { return e.alwaysRetry[tool] }

// IsBypassed reports whether the tool is exempt from the skip policy.
func (e *Engine) IsBypassed(tool string) bool { return e.bypass[tool] }

// Normalize canonicalizes a target for the given tool. It is pure.
func (e *Engine) Normalize(tool, target string) string {
	return normalizeFor(e.ClassOf(tool), target)
}

// ShouldSkip evaluates the skip policy for a prospective tool call.
func (e *Engine) ShouldSkip(ctx context.Context, groupID, tool, target string) Decision {
	if e.bypass[tool] {
		return Decision{Verdict: Execute}
	}
	norm := e.Normalize(tool, target)

	last, err := e.ledger.LatestOutcome(ctx, groupID, tool, norm)
	if err != nil {
		slog.Warn("dedup lookup failed, allowing execution", "group", groupID, "tool", tool, "target", norm, "error", err)
		return Decision{Verdict: Execute}
	}
	if last == nil {
		return Decision{Verdict: Execute}
	}

	age := e.now().Sub(last.CreatedAt)

	switch last.Status {
	case store.AttemptSuccess:
		if e.strict[tool] && age < e.freshness {
			return Decision{
				Verdict: SkipCached,
				Reason:  fmt.Sprintf("%s already succeeded on %s %s ago; result is still fresh", tool, norm, age.Round(time.Second)),
			}
		}
	case store.AttemptFailure:
		failures, err := e.ledger.CountAttempts(ctx, groupID, tool, norm, store.AttemptFailure)
		if err != nil {
			slog.Warn("dedup failure count failed, allowing execution", "group", groupID, "tool", tool, "target", norm, "error", err)
			return Decision{Verdict: Execute}
		}
		if failures >= e.threshold && !e.alwaysRetry[tool] {
			return Decision{
				Verdict: SkipExhausted,
				Reason:  fmt.Sprintf("%s failed %d times on %s (limit %d); try a different approach", tool, failures, norm, e.threshold),
			}
		}
		if age < e.retryDelay {
			return Decision{
				Verdict: SkipCooldown,
				Reason:  fmt.Sprintf("%s failed on %s %s ago; retry allowed after %s", tool, norm, age.Round(time.Second), e.retryDelay),
			}
		}
	}

	return Decision{Verdict: Execute}
}

// RecordAttempt appends a ledger row for the normalized target.
func (e *Engine) RecordAttempt(ctx context.Context, groupID, tool, target string, status store.AttemptStatus, reason string) error {
	a := &store.Attempt{
		GroupID:   groupID,
		Tool:      tool,
		Target:    e.Normalize(tool, target),
		Status:    status,
		Reason:    reason,
		CreatedAt: e.now().UTC(),
	}
	if err := e.ledger.AppendAttempt(ctx, a); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// History returns attempts newest first, optionally for one tool.
func (e *Engine) History(ctx context.Context, groupID, tool string, limit int) ([]store.Attempt, error) {
	return e.ledger.ListAttempts(ctx, groupID, tool, limit)
}
