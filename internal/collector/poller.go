package collector

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ernie/blockbridge/internal/domain"
)

// Lister answers the server's player list query
type Lister interface {
	List(ctx context.Context) (string, error)
}

var listRegex = regexp.MustCompile(`(?i)There are (\d+) of a max of (\d+) players online: ?(.*)`)

// ParseList turns a "list" response into a status snapshot. Responses that
// do not follow the stock wording fall back to a colon-split name list.
func ParseList(response string) domain.ServerStatus {
	status := domain.ServerStatus{
		Online:     true,
		MaxPlayers: domain.DefaultMaxPlayers,
		Players:    []string{},
	}

	if match := listRegex.FindStringSubmatch(response); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil {
			status.OnlineCount = n
		}
		if n, err := strconv.Atoi(match[2]); err == nil && n > 0 {
			status.MaxPlayers = n
		}
		status.Players = splitNames(match[3])
		return status
	}

	if _, names, found := strings.Cut(response, ":"); found {
		status.Players = splitNames(names)
		status.OnlineCount = len(status.Players)
	}
	return status
}

func splitNames(s string) []string {
	names := []string{}
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Poller keeps the latest server status and reports presence changes
type Poller struct {
	channel  Lister
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	status   domain.ServerStatus
	presence *domain.Presence
	onStatus []func(domain.ServerStatus)
	onChange []func(domain.Presence)

	pollMu   sync.Mutex // one poll at a time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates a Poller. Until the first poll the status is offline.
func NewPoller(channel Lister, interval time.Duration) *Poller {
	return &Poller{
		channel:  channel,
		interval: interval,
		now:      time.Now,
		status:   domain.OfflineStatus(),
		done:     make(chan struct{}),
	}
}

// OnStatus registers fn to receive every fresh snapshot
func (p *Poller) OnStatus(fn func(domain.ServerStatus)) {
	p.mu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.mu.Unlock()
}

// OnPresenceChange registers fn to be called when online state or the
// "count/max" string differs from the previous poll
func (p *Poller) OnPresenceChange(fn func(domain.Presence)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Status returns the latest snapshot
func (p *Poller) Status() domain.ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Poll queries the server now, retrying once, and publishes the result
func (p *Poller) Poll(ctx context.Context) domain.ServerStatus {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	status := p.fetch(ctx)
	status.LastUpdated = p.now().UTC()

	p.mu.Lock()
	p.status = status
	presence := status.Presence()
	changed := p.presence == nil || *p.presence != presence
	p.presence = &presence
	onStatus := append(([]func(domain.ServerStatus))(nil), p.onStatus...)
	onChange := append(([]func(domain.Presence))(nil), p.onChange...)
	p.mu.Unlock()

	for _, fn := range onStatus {
		fn(status)
	}
	if changed {
		for _, fn := range onChange {
			fn(presence)
		}
	}
	return status
}

func (p *Poller) fetch(ctx context.Context) domain.ServerStatus {
	response, err := p.channel.List(ctx)
	if err != nil {
		log.Printf("Failed to fetch status (attempt 1): %v", err)
		response, err = p.channel.List(ctx)
	}
	if err != nil {
		log.Printf("Failed to fetch status (attempt 2): %v", err)
		return domain.OfflineStatus()
	}
	return ParseList(response)
}

// Start polls immediately and then on every interval until Stop
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop ends the poll loop. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial poll
	p.Poll(ctx)

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
