package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsScan(groupID string) string {
	return fmt.Sprintf("events.scan.%s", groupID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicCoordDiscoveries(groupID string) string {
	return fmt.Sprintf("coord.%s.discoveries", groupID)
}

func TopicCoordAgent(agentID string) string {
	return fmt.Sprintf("coord.agent.%s", agentID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsScans = "events.scan.*"

	// TopicControl carries request/reply commands from the CLI to the daemon.
	TopicControl = "phalanx.control"
)
