package collector

import (
	"fmt"
	"regexp"
	"strings"
)

// LogEvent represents a classified server log line
type LogEvent struct {
	Type string
	Data interface{}
}

// Event types
const (
	EventTypeJoin           = "join"
	EventTypeLeave          = "leave"
	EventTypeChat           = "chat"
	EventTypeLinkRequest    = "link_request"
	EventTypeAssistantQuery = "assistant_query"
)

// Event data structures
type PlayerData struct {
	Player string
}

type ChatData struct {
	Player string
	Text   string
}

type AssistantQueryData struct {
	Player string
	Prompt string
}

// Compiled regex patterns for a Paper/Vanilla server log. The prefix is
// "[14:03:59] [Server thread/INFO]: " or "[14:03:59 INFO]: ".
const infoPrefix = `^(?:\[[^\]]*\] )?\[[^\]]*INFO\]: `

var (
	joinRegex  = regexp.MustCompile(infoPrefix + `([^\s<>\[\]]+) joined the game$`)
	leaveRegex = regexp.MustCompile(infoPrefix + `([^\s<>\[\]]+) left the game$`)
	chatRegex  = regexp.MustCompile(infoPrefix + `(?:\[Not Secure\] )?<([^>]+)> (.*)$`)

	// Timestamp at line start, e.g. "[14:03:59]"
	clockRegex = regexp.MustCompile(`^\[(\d{2}):(\d{2}):(\d{2})`)
)

// Tokens are the in-game chat commands the bridge reacts to
type Tokens struct {
	CommandPrefix   string // reserved prefix; unknown commands under it are dropped
	LinkToken       string // whole message requesting a link code
	AssistantPrefix string // message prefix for assistant queries
}

// DefaultTokens returns the stock ".link" / ".ai " commands
func DefaultTokens() Tokens {
	return Tokens{CommandPrefix: ".", LinkToken: ".link", AssistantPrefix: ".ai "}
}

// ParseLine classifies a single log line. It returns nil with no error for
// lines the bridge does not care about.
func (tk Tokens) ParseLine(line string) (*LogEvent, error) {
	line = strings.TrimRight(line, "\r\n")

	if match := joinRegex.FindStringSubmatch(line); match != nil {
		return &LogEvent{Type: EventTypeJoin, Data: PlayerData{Player: match[1]}}, nil
	}

	if match := leaveRegex.FindStringSubmatch(line); match != nil {
		return &LogEvent{Type: EventTypeLeave, Data: PlayerData{Player: match[1]}}, nil
	}

	match := chatRegex.FindStringSubmatch(line)
	if match == nil {
		return nil, nil
	}

	player, text := match[1], match[2]
	if strings.TrimSpace(player) == "" {
		return nil, fmt.Errorf("chat line without player name: %q", line)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	switch {
	case text == tk.LinkToken:
		return &LogEvent{Type: EventTypeLinkRequest, Data: PlayerData{Player: player}}, nil
	case tk.AssistantPrefix != "" && strings.HasPrefix(text, tk.AssistantPrefix):
		prompt := strings.TrimSpace(text[len(tk.AssistantPrefix):])
		return &LogEvent{Type: EventTypeAssistantQuery, Data: AssistantQueryData{Player: player, Prompt: prompt}}, nil
	case tk.CommandPrefix != "" && strings.HasPrefix(text, tk.CommandPrefix):
		return nil, nil
	}

	return &LogEvent{Type: EventTypeChat, Data: ChatData{Player: player, Text: text}}, nil
}
