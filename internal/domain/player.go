package domain

import "time"

// PendingLink is an issued pairing code waiting to be confirmed
type PendingLink struct {
	Code      string    `json:"code"`
	Player    string    `json:"player"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its lifetime at now
func (p PendingLink) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// LinkedAccount binds an external identity to an in-game player name
type LinkedAccount struct {
	ExternalID string    `json:"external_id"`
	Player     string    `json:"player"`
	LinkedAt   time.Time `json:"linked_at"`
}

// PlayHistory is the first and last time a player was seen in server logs
type PlayHistory struct {
	FirstJoin string `json:"first_join,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// WhitelistEntry is one record of the server's whitelist.json
type WhitelistEntry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}
