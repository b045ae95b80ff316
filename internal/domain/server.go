package domain

import (
	"fmt"
	"time"
)

// DefaultMaxPlayers is reported when the server cannot be reached
const DefaultMaxPlayers = 20

// ServerStatus is one snapshot of the game server, rebuilt on every poll
type ServerStatus struct {
	Online      bool      `json:"online"`
	OnlineCount int       `json:"online_count"`
	MaxPlayers  int       `json:"max_players"`
	Players     []string  `json:"players"`
	LastUpdated time.Time `json:"last_updated"`
}

// OfflineStatus is the snapshot used when the server does not answer
func OfflineStatus() ServerStatus {
	return ServerStatus{
		Online:     false,
		MaxPlayers: DefaultMaxPlayers,
		Players:    []string{},
	}
}

// Presence is the compact form of a status shown next to the bridge's name
type Presence struct {
	Online bool   `json:"online"`
	Count  string `json:"count"` // "3/20" or "offline"
}

// Presence derives the presence for this snapshot
func (s ServerStatus) Presence() Presence {
	if !s.Online {
		return Presence{Online: false, Count: "offline"}
	}
	return Presence{Online: true, Count: fmt.Sprintf("%d/%d", s.OnlineCount, s.MaxPlayers)}
}
