package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tokens := DefaultTokens()

	tests := []struct {
		name     string
		line     string
		wantType string
		wantData interface{}
	}{
		{
			name:     "join",
			line:     "[14:03:59] [Server thread/INFO]: Steve joined the game",
			wantType: EventTypeJoin,
			wantData: PlayerData{Player: "Steve"},
		},
		{
			name:     "join short prefix",
			line:     "[14:03:59 INFO]: Alex_99 joined the game",
			wantType: EventTypeJoin,
			wantData: PlayerData{Player: "Alex_99"},
		},
		{
			name:     "leave",
			line:     "[14:10:02] [Server thread/INFO]: Steve left the game",
			wantType: EventTypeLeave,
			wantData: PlayerData{Player: "Steve"},
		},
		{
			name:     "chat",
			line:     "[14:05:00] [Async Chat Thread - #0/INFO]: <Steve> hello there",
			wantType: EventTypeChat,
			wantData: ChatData{Player: "Steve", Text: "hello there"},
		},
		{
			name:     "unsigned chat",
			line:     "[14:05:00] [Server thread/INFO]: [Not Secure] <Steve> hi",
			wantType: EventTypeChat,
			wantData: ChatData{Player: "Steve", Text: "hi"},
		},
		{
			name:     "chat mentioning a join",
			line:     "[14:05:00] [Server thread/INFO]: <Steve> Alex joined the game",
			wantType: EventTypeChat,
			wantData: ChatData{Player: "Steve", Text: "Alex joined the game"},
		},
		{
			name:     "link request",
			line:     "[14:06:00] [Server thread/INFO]: <Steve> .link",
			wantType: EventTypeLinkRequest,
			wantData: PlayerData{Player: "Steve"},
		},
		{
			name:     "assistant query",
			line:     "[14:07:00] [Server thread/INFO]: <Steve> .ai   how do I tame a cat?  ",
			wantType: EventTypeAssistantQuery,
			wantData: AssistantQueryData{Player: "Steve", Prompt: "how do I tame a cat?"},
		},
		{
			name:     "assistant query with empty prompt",
			line:     "[14:07:00] [Server thread/INFO]: <Steve> .ai ",
			wantType: EventTypeAssistantQuery,
			wantData: AssistantQueryData{Player: "Steve", Prompt: ""},
		},
		{
			name:     "windows line ending",
			line:     "[14:05:00] [Server thread/INFO]: <Steve> hi\r",
			wantType: EventTypeChat,
			wantData: ChatData{Player: "Steve", Text: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := tokens.ParseLine(tt.line)
			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, tt.wantType, event.Type)
			assert.Equal(t, tt.wantData, event.Data)
		})
	}
}

func TestParseLineIgnored(t *testing.T) {
	tokens := DefaultTokens()

	lines := []string{
		"",
		"[14:00:00] [Server thread/INFO]: Starting minecraft server version 1.21",
		"[14:00:01] [Server thread/WARN]: Steve joined the game",
		"[14:05:00] [Server thread/INFO]: <Steve> .unknown command",
		"[14:05:00] [Server thread/INFO]: <Steve> .ai",
		"[14:05:00] [Server thread/INFO]: <Steve> .linkme",
		"[14:05:00] [Server thread/INFO]: <Steve>    ",
		"garbage without brackets",
	}

	for _, line := range lines {
		event, err := tokens.ParseLine(line)
		assert.NoError(t, err, line)
		assert.Nil(t, event, line)
	}
}

func TestParseLineCustomTokens(t *testing.T) {
	tokens := Tokens{CommandPrefix: "!", LinkToken: "!link", AssistantPrefix: "!ask "}

	event, err := tokens.ParseLine("[14:05:00] [Server thread/INFO]: <Steve> !ask what is redstone")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, AssistantQueryData{Player: "Steve", Prompt: "what is redstone"}, event.Data)

	event, err = tokens.ParseLine("[14:05:00] [Server thread/INFO]: <Steve> .ai hi")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventTypeChat, event.Type, "other prefixes are plain chat")
}
