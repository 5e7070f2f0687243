package agent

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Session is the transient state of one running agent.
type Session struct {
	AgentID string
	Role    string
	GroupID string
	TaskID  string

	// Target is the directive target, handed to tools as the default.
	Target string

	Inbox     *Inbox
	History   []*schema.Message
	Iteration int
	StartedAt time.Time

	allowed map[string]bool
}

func newSession(m Mission) *Session {
	inbox := m.Inbox
	if inbox == nil {
		inbox = NewInbox()
	}
	allowed := make(map[string]bool, len(m.AllowedTools))
	for _, name := range m.AllowedTools {
		allowed[name] = true
	}
	return &Session{
		AgentID:   m.AgentID,
		Role:      m.Directive.Role,
		GroupID:   m.GroupID,
		TaskID:    m.TaskID,
		Target:    m.Directive.Target,
		Inbox:     inbox,
		StartedAt: time.Now(),
		allowed:   allowed,
	}
}

func (s *Session) Allowed(tool string) bool {
	return s.allowed[tool]
}

func (s *Session) append(msgs ...*schema.Message) {
	s.History = append(s.History, msgs...)
}

// truncate keeps the most recent limit messages. A tool result is never
// left at the head without the assistant turn that requested it.
func (s *Session) truncate(limit int) {
	if limit <= 0 || len(s.History) <= limit {
		return
	}
	h := s.History[len(s.History)-limit:]
	for len(h) > 0 && h[0].Role == schema.Tool {
		h = h[1:]
	}
	s.History = append([]*schema.Message(nil), h...)
}

// lastAssistantText returns the newest non-empty assistant content.
func (s *Session) lastAssistantText() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if m := s.History[i]; m.Role == schema.Assistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}
