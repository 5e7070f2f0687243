// Package schedule parses the recurring scan schedules stored on groups.
//
// A schedule is either a plain cron expression or a JSON object with a kind
// of "cron", "interval" or "once". Plain expressions are normalized to the
// JSON form before they are stored.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Next returns the first run strictly after from, or nil when the schedule
// is invalid or will never run again.
func Next(raw string, from time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(from) {
			return nil
		}
		next = t
	default:
		return nil
	}

	next = next.UTC()
	return &next
}

// Describe returns a human-readable form of a stored schedule.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 UTC")
	default:
		return raw
	}
}

// Normalize validates a schedule and returns its stored JSON form. It
// accepts the JSON form, a cron expression, or "every <duration>".
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case KindCron:
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case KindInterval:
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case KindOnce:
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(raw, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d < time.Minute {
			return "", fmt.Errorf("invalid interval %q: want a duration of at least 1m", rest)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	} else {
		if !gronx.New().IsValid(raw) {
			return "", fmt.Errorf("invalid schedule: not valid JSON, interval or cron expression: %s", raw)
		}
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
