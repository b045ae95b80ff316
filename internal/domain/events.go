package domain

import "time"

// Event types for WebSocket notifications
const (
	EventActivity     = "activity"      // join/leave lines for the activity feed
	EventChat         = "chat"          // relayed in-game chat
	EventServerUpdate = "server_update" // fresh status snapshot
	EventPresence     = "presence"      // presence changed
)

// Event represents a real-time event for WebSocket broadcast
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// RelayMessage is the payload of activity and chat events
type RelayMessage struct {
	Text string `json:"text"`
}
