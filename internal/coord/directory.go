// Package coord is the directory of live agents. It routes priority
// messages into agent inboxes and shares discoveries between the agents of
// a group.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/natsbus"
	"github.com/mtzanidakis/phalanx/internal/store"
)

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrUnknownAgent      = errors.New("unknown agent")
)

// Message is a priority instruction for a running agent.
type Message struct {
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// Mailbox accepts messages for one agent.
type Mailbox interface {
	Push(msg Message)
}

type Member struct {
	AgentID  string    `json:"agent_id"`
	GroupID  string    `json:"group_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type DiscoveryStore interface {
	SaveDiscovery(ctx context.Context, d *store.Discovery) error
	ListDiscoveries(ctx context.Context, groupID string, limit int) ([]store.Discovery, error)
}

type entry struct {
	member Member
	inbox  Mailbox
}

type Directory struct {
	store DiscoveryStore
	pub   events.Publisher
	sink  events.Sink

	members map[string]*entry // agentID → entry
	mu      sync.RWMutex
}

// New builds a directory. pub may be nil, in which case discoveries are
// only persisted.
func New(s DiscoveryStore, pub events.Publisher, sink events.Sink) *Directory {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Directory{
		store:   s,
		pub:     pub,
		sink:    sink,
		members: make(map[string]*entry),
	}
}

func (d *Directory) Register(agentID, groupID, role string, inbox Mailbox) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.members[agentID]; exists {
		return fmt.Errorf("register %s: %w", agentID, ErrAlreadyRegistered)
	}
	d.members[agentID] = &entry{
		member: Member{AgentID: agentID, GroupID: groupID, Role: role, JoinedAt: time.Now()},
		inbox:  inbox,
	}
	slog.Debug("agent registered", "agent", agentID, "group", groupID, "role", role)
	return nil
}

func (d *Directory) Unregister(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.members[agentID]; !exists {
		return fmt.Errorf("unregister %s: %w", agentID, ErrUnknownAgent)
	}
	delete(d.members, agentID)
	slog.Debug("agent unregistered", "agent", agentID)
	return nil
}

// ActiveAgents lists the group's live agents in join order. An empty
// groupID lists every agent.
func (d *Directory) ActiveAgents(groupID string) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Member
	for _, e := range d.members {
		if groupID == "" || e.member.GroupID == groupID {
			out = append(out, e.member)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Lookup returns the member record for agentID.
func (d *Directory) Lookup(agentID string) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.members[agentID]
	if !ok {
		return Member{}, false
	}
	return e.member, true
}

// Deliver pushes msg into the agent's inbox and mirrors it on the agent's
// coord topic. The agent consumes it at the start of its next reasoning
// step.
func (d *Directory) Deliver(agentID string, msg Message) error {
	d.mu.RLock()
	e, ok := d.members[agentID]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("deliver to %s: %w", agentID, ErrUnknownAgent)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	e.inbox.Push(msg)
	slog.Info("priority message delivered", "agent", agentID, "sender", msg.Sender)

	if d.pub != nil {
		if err := d.pub.PublishJSON(natsbus.TopicCoordAgent(agentID), msg); err != nil {
			slog.Warn("publish delivery failed", "agent", agentID, "error", err)
		}
	}
	return nil
}

// ShareDiscovery persists a discovery and fans it out to the group.
// Findings also produce a finding_discovered event.
func (d *Directory) ShareDiscovery(ctx context.Context, disc *store.Discovery) error {
	if err := d.store.SaveDiscovery(ctx, disc); err != nil {
		return fmt.Errorf("share discovery: %w", err)
	}

	if d.pub != nil {
		if err := d.pub.PublishJSON(natsbus.TopicCoordDiscoveries(disc.GroupID), disc); err != nil {
			slog.Warn("publish discovery failed", "group", disc.GroupID, "error", err)
		}
	}

	if disc.Kind == store.DiscoveryFinding {
		d.sink.Emit(events.Event{
			Type:    events.FindingDiscovered,
			GroupID: disc.GroupID,
			AgentID: disc.AgentID,
			Data: map[string]any{
				"id":       disc.ID,
				"title":    disc.Title,
				"severity": disc.Severity,
				"detail":   disc.Detail,
			},
		})
	}
	return nil
}

// RecentDiscoveries returns the group's newest discoveries first.
func (d *Directory) RecentDiscoveries(ctx context.Context, groupID string, limit int) ([]store.Discovery, error) {
	return d.store.ListDiscoveries(ctx, groupID, limit)
}
