package collector

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ernie/blockbridge/internal/assistant"
	"github.com/ernie/blockbridge/internal/cooldown"
	"github.com/ernie/blockbridge/internal/linking"
	"github.com/ernie/blockbridge/internal/relay"
)

// Messenger sends text into the game
type Messenger interface {
	Say(ctx context.Context, text string) error
	Tell(ctx context.Context, player, text string) error
	Reachable(ctx context.Context) bool
}

// Assistant answers free-form prompts
type Assistant interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// Options wires a Bridge to its collaborators
type Options struct {
	Tokens    Tokens
	MaxChunk  int
	Channel   Messenger
	Pairing   *linking.Pairing
	Gate      *cooldown.Gate
	Assistant Assistant
	Activity  *relay.Queue // join and leave announcements
	Chat      *relay.Queue // ordinary chat
}

// Bridge routes classified log lines to the relay queues, the pairing
// protocol and the assistant
type Bridge struct {
	opts Options

	tailer   *LogTailer
	done     chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup // line processing and cleanup loops
	tasks  sync.WaitGroup // in-flight assistant queries
}

// NewBridge creates a Bridge
func NewBridge(opts Options) *Bridge {
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = 240
	}
	return &Bridge{
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start consumes lines from tailer and periodically purges expired codes
func (b *Bridge) Start(ctx context.Context, tailer *LogTailer) {
	b.tailer = tailer

	b.wg.Add(1)
	go b.processLines(ctx)

	b.wg.Add(1)
	go b.linkCodeCleanupLoop(ctx)
}

// Stop stops line processing and waits for pending assistant queries.
// Later calls are no-ops.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		log.Println("Bridge: stopping...")
		close(b.done)
		if b.tailer != nil {
			b.tailer.Stop()
		}
		b.wg.Wait()
		b.tasks.Wait()
		log.Println("Bridge: shutdown complete")
	})
}

// Wait blocks until every assistant query started so far has finished
func (b *Bridge) Wait() {
	b.tasks.Wait()
}

func (b *Bridge) processLines(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case err := <-b.tailer.Errors:
			log.Printf("Log tailer error: %v", err)
		case line := <-b.tailer.Lines:
			b.HandleLine(ctx, line)
		}
	}
}

// HandleLine classifies one log line and acts on it. Failures are logged
// and never stop the processing of later lines.
func (b *Bridge) HandleLine(ctx context.Context, line string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Error processing log line %q: %v", line, r)
		}
	}()

	event, err := b.opts.Tokens.ParseLine(line)
	if err != nil {
		log.Printf("Failed to classify log line: %v", err)
		return
	}
	if event == nil {
		return
	}

	switch event.Type {
	case EventTypeJoin:
		data := event.Data.(PlayerData)
		b.opts.Activity.Enqueue(fmt.Sprintf("%s joined the server", data.Player))
	case EventTypeLeave:
		data := event.Data.(PlayerData)
		b.opts.Activity.Enqueue(fmt.Sprintf("%s left the server", data.Player))
	case EventTypeChat:
		data := event.Data.(ChatData)
		b.opts.Chat.Enqueue(fmt.Sprintf("%s: %s", data.Player, data.Text))
	case EventTypeLinkRequest:
		b.handleLinkRequest(ctx, event.Data.(PlayerData).Player)
	case EventTypeAssistantQuery:
		data := event.Data.(AssistantQueryData)
		b.handleAssistantQuery(ctx, data.Player, data.Prompt)
	}
}

// handleLinkRequest issues a code and whispers it to the player
func (b *Bridge) handleLinkRequest(ctx context.Context, player string) {
	link, err := b.opts.Pairing.RequestLink(player)
	if err != nil {
		log.Printf("Failed to issue link code for %s: %v", player, err)
		return
	}

	msg := fmt.Sprintf("§aYour link code is §e%s§a. Use §e/link %s§a within 5 minutes to link your account.", link.Code, link.Code)
	b.spawn(func() {
		if err := b.opts.Channel.Tell(ctx, player, msg); err != nil {
			log.Printf("Could not deliver link code, player %s got code %s: %v", player, link.Code, err)
		}
	})
}

// handleAssistantQuery answers prompt in public chat, in chunks, unless the
// player is still cooling down
func (b *Bridge) handleAssistantQuery(ctx context.Context, player, prompt string) {
	if prompt == "" {
		return
	}

	if !b.opts.Gate.TryConsume(player) {
		command := strings.TrimSpace(b.opts.Tokens.AssistantPrefix)
		b.spawn(func() {
			if err := b.opts.Channel.Tell(ctx, player, fmt.Sprintf("Please wait before using %s again.", command)); err != nil {
				log.Printf("Failed to send cooldown notice to %s: %v", player, err)
			}
		})
		return
	}

	b.spawn(func() {
		if !b.opts.Channel.Reachable(ctx) {
			log.Printf("Skipping assistant query from %s: command channel unavailable", player)
			return
		}

		answer, err := b.opts.Assistant.Query(ctx, prompt)
		if err != nil {
			log.Printf("Assistant query from %s failed: %v", player, err)
			if err := b.opts.Channel.Say(ctx, "[Server AI] AI service is unavailable."); err != nil {
				log.Printf("Failed to announce assistant outage: %v", err)
			}
			return
		}

		for _, chunk := range assistant.Chunk(answer, b.opts.MaxChunk) {
			if err := b.opts.Channel.Say(ctx, fmt.Sprintf("[%s] %s", player, chunk)); err != nil {
				log.Printf("Failed to relay assistant answer to %s: %v", player, err)
				return
			}
		}
	})
}

// spawn runs fn without holding up line processing
func (b *Bridge) spawn(fn func()) {
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Error in background task: %v", r)
			}
		}()
		fn()
	}()
}

// linkCodeCleanupLoop periodically removes expired link codes
func (b *Bridge) linkCodeCleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count := b.opts.Pairing.PurgeExpired(); count > 0 {
				log.Printf("Cleaned up %d expired link codes", count)
			}
		}
	}
}
