package rcon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrUnavailable means no session could be used: rcon is disabled,
	// has no password, or the connection attempt failed
	ErrUnavailable = errors.New("rcon unavailable")

	// ErrTransport wraps failures on an established session; the session
	// has already been discarded when this is returned
	ErrTransport = errors.New("rcon transport error")
)

// Settings configures a Channel
type Settings struct {
	Enabled  bool
	Address  string
	Password string
	Timeout  time.Duration
}

// Channel owns the single live RCON session. Calls are serialized so that
// responses always pair with the command that produced them.
type Channel struct {
	settings Settings
	dial     func(address, password string, timeout time.Duration) (session, error)

	mu      sync.Mutex
	session session
}

// session is the part of *Client the channel depends on
type session interface {
	Execute(command string) (string, error)
	Close() error
}

// NewChannel creates a channel; no connection is made until the first Send
func NewChannel(settings Settings) *Channel {
	if settings.Timeout == 0 {
		settings.Timeout = 5 * time.Second
	}
	return &Channel{
		settings: settings,
		dial: func(address, password string, timeout time.Duration) (session, error) {
			return Dial(address, password, timeout)
		},
	}
}

// Configured reports whether the channel is allowed to connect at all
func (c *Channel) Configured() bool {
	return c.settings.Enabled && c.settings.Password != ""
}

// Send runs a command on the server, connecting first if needed
func (c *Channel) Send(ctx context.Context, command string) (string, error) {
	if !c.Configured() {
		return "", ErrUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if c.session == nil {
		sess, err := c.dial(c.settings.Address, c.settings.Password, c.settings.Timeout)
		if err != nil {
			log.Printf("Failed to connect to RCON at %s: %v", c.settings.Address, err)
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.session = sess
	}

	response, err := c.session.Execute(command)
	if err != nil {
		c.teardownLocked()
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return response, nil
}

// Available reports whether a session is live. It never connects.
func (c *Channel) Available() bool {
	if !c.Configured() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Reachable reports whether a session is live or can be established now. The
// dial happens outside the lock so queued sends are not held up by it.
func (c *Channel) Reachable(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	if c.Available() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	sess, err := c.dial(c.settings.Address, c.settings.Password, c.settings.Timeout)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		// a concurrent Send connected first
		if err := sess.Close(); err != nil {
			log.Printf("Error closing RCON session: %v", err)
		}
		return true
	}
	c.session = sess
	return true
}

// Close tears down the live session. Safe to call any number of times.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

func (c *Channel) teardownLocked() {
	if c.session == nil {
		return
	}
	if err := c.session.Close(); err != nil {
		log.Printf("Error closing RCON session: %v", err)
	}
	c.session = nil
}

// Say broadcasts text to every player
func (c *Channel) Say(ctx context.Context, text string) error {
	_, err := c.Send(ctx, "say "+text)
	return err
}

// Tell sends a private message to one player
func (c *Channel) Tell(ctx context.Context, player, text string) error {
	_, err := c.Send(ctx, fmt.Sprintf("tell %s %s", player, text))
	return err
}

// ReloadWhitelist asks the server to re-read whitelist.json
func (c *Channel) ReloadWhitelist(ctx context.Context) error {
	_, err := c.Send(ctx, "whitelist reload")
	return err
}

// List returns the raw player list response
func (c *Channel) List(ctx context.Context) (string, error) {
	return c.Send(ctx, "list")
}

// Stop asks the server to shut down
func (c *Channel) Stop(ctx context.Context) error {
	_, err := c.Send(ctx, "stop")
	return err
}
