// Package control is the request/reply channel CLI commands use to reach a
// running daemon over NATS.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/phalanx/internal/coord"
	"github.com/mtzanidakis/phalanx/internal/natsbus"
)

const (
	CmdStartScan     = "start_scan"
	CmdStopScan      = "stop_scan"
	CmdActiveWorkers = "active_workers"
	CmdListAgents    = "list_agents"
	CmdMessageAgent  = "message_agent"
)

const operatorSender = "operator"

// ErrNoDaemon is returned by Send when nothing answers on the control topic.
var ErrNoDaemon = errors.New("no daemon listening")

type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK        bool           `json:"ok,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cancelled int            `json:"cancelled,omitempty"`
	Workers   []string       `json:"workers,omitempty"`
	Agents    []coord.Member `json:"agents,omitempty"`
}

// Scans is the scheduler surface the daemon exposes.
type Scans interface {
	StartScan(ctx context.Context, groupID string) error
	StopScan(ctx context.Context, groupID string) (int, error)
	ActiveWorkers() []string
}

type Agents interface {
	ActiveAgents(groupID string) []coord.Member
	Deliver(agentID string, msg coord.Message) error
}

type Server struct {
	client  *natsbus.Client
	scans   Scans
	agents  Agents
	timeout time.Duration
	sub     *nats.Subscription
}

func NewServer(client *natsbus.Client, scans Scans, agents Agents) *Server {
	return &Server{client: client, scans: scans, agents: agents, timeout: 30 * time.Second}
}

// Start subscribes to the control topic.
func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicControl, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.sub = sub
	return s.client.Flush()
}

func (s *Server) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Server) handleMsg(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid control request", "error", err)
		respond(msg, Response{Error: "invalid request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	respond(msg, s.Handle(ctx, req))
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control request", "error", err)
	}
}

// Handle executes one request.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	slog.Info("control request received", "type", req.Type)

	switch req.Type {
	case CmdStartScan:
		var p struct {
			GroupID string `json:"group_id"`
		}
		if err := decode(req.Payload, &p); err != nil || p.GroupID == "" {
			return Response{Error: "group_id is required"}
		}
		if err := s.scans.StartScan(ctx, p.GroupID); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case CmdStopScan:
		var p struct {
			GroupID string `json:"group_id"`
		}
		if err := decode(req.Payload, &p); err != nil || p.GroupID == "" {
			return Response{Error: "group_id is required"}
		}
		n, err := s.scans.StopScan(ctx, p.GroupID)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Cancelled: n}

	case CmdActiveWorkers:
		return Response{OK: true, Workers: s.scans.ActiveWorkers()}

	case CmdListAgents:
		var p struct {
			GroupID string `json:"group_id"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return Response{Error: "invalid payload"}
			}
		}
		return Response{OK: true, Agents: s.agents.ActiveAgents(p.GroupID)}

	case CmdMessageAgent:
		var p struct {
			AgentID string `json:"agent_id"`
			Content string `json:"content"`
		}
		if err := decode(req.Payload, &p); err != nil || p.AgentID == "" || p.Content == "" {
			return Response{Error: "agent_id and content are required"}
		}
		err := s.agents.Deliver(p.AgentID, coord.Message{Sender: operatorSender, Content: p.Content, SentAt: time.Now()})
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	default:
		slog.Warn("unknown control command", "type", req.Type)
		return Response{Error: "unknown command: " + req.Type}
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}

// Send connects to the daemon at natsURL and performs one request. Failing
// to connect at all is reported as ErrNoDaemon.
func Send(natsURL, reqType string, payload any, timeout time.Duration) (*Response, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrNoDaemon, natsURL, err)
	}
	defer client.Close()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var resp Response
	if err := client.RequestJSON(natsbus.TopicControl, Request{Type: reqType, Payload: raw}, &resp, timeout); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w at %s", ErrNoDaemon, natsURL)
		}
		return nil, err
	}
	return &resp, nil
}
