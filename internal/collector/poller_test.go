package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/blockbridge/internal/domain"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     domain.ServerStatus
	}{
		{
			name:     "stock wording",
			response: "There are 2 of a max of 20 players online: Alice, Bob",
			want:     domain.ServerStatus{Online: true, OnlineCount: 2, MaxPlayers: 20, Players: []string{"Alice", "Bob"}},
		},
		{
			name:     "nobody online",
			response: "There are 0 of a max of 50 players online:",
			want:     domain.ServerStatus{Online: true, OnlineCount: 0, MaxPlayers: 50, Players: []string{}},
		},
		{
			name:     "case insensitive",
			response: "there are 1 of a max of 10 players online: Steve",
			want:     domain.ServerStatus{Online: true, OnlineCount: 1, MaxPlayers: 10, Players: []string{"Steve"}},
		},
		{
			name:     "colon fallback",
			response: "Online (3/40): Steve, Alex,, Notch ",
			want:     domain.ServerStatus{Online: true, OnlineCount: 3, MaxPlayers: 20, Players: []string{"Steve", "Alex", "Notch"}},
		},
		{
			name:     "unrecognised",
			response: "nothing useful",
			want:     domain.ServerStatus{Online: true, OnlineCount: 0, MaxPlayers: 20, Players: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseList(tt.response))
		})
	}
}

// scriptedLister returns the queued results in order, then repeats the last
type scriptedLister struct {
	mu      sync.Mutex
	results []listResult
	calls   int
}

type listResult struct {
	response string
	err      error
}

func (l *scriptedLister) List(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.results[0]
	if len(l.results) > 1 {
		l.results = l.results[1:]
	}
	l.calls++
	return r.response, r.err
}

var errDown = errors.New("connection refused")

func TestPollRetriesOnce(t *testing.T) {
	lister := &scriptedLister{results: []listResult{
		{err: errDown},
		{response: "There are 1 of a max of 20 players online: Steve"},
	}}
	p := NewPoller(lister, time.Hour)

	status := p.Poll(context.Background())
	assert.True(t, status.Online)
	assert.Equal(t, []string{"Steve"}, status.Players)
	assert.Equal(t, 2, lister.calls)
}

func TestPollOfflineAfterTwoFailures(t *testing.T) {
	lister := &scriptedLister{results: []listResult{
		{response: "There are 3 of a max of 20 players online: A, B, C"},
		{err: errDown},
	}}
	p := NewPoller(lister, time.Hour)

	first := p.Poll(context.Background())
	require.True(t, first.Online)

	status := p.Poll(context.Background())
	assert.Equal(t, 3, lister.calls)
	assert.False(t, status.Online)
	assert.Equal(t, 0, status.OnlineCount)
	assert.Equal(t, 20, status.MaxPlayers)
	assert.Equal(t, []string{}, status.Players)
	assert.Equal(t, status, p.Status())
}

func TestPresenceChangeFiresOnlyOnChange(t *testing.T) {
	lister := &scriptedLister{results: []listResult{
		{response: "There are 1 of a max of 20 players online: Steve"},
		{response: "There are 1 of a max of 20 players online: Alex"},
		{response: "There are 2 of a max of 20 players online: Steve, Alex"},
		{err: errDown},
	}}
	p := NewPoller(lister, time.Hour)

	var changes []domain.Presence
	var snapshots int
	p.OnPresenceChange(func(pr domain.Presence) { changes = append(changes, pr) })
	p.OnStatus(func(domain.ServerStatus) { snapshots++ })

	ctx := context.Background()
	p.Poll(ctx) // 1/20
	p.Poll(ctx) // 1/20, different player
	p.Poll(ctx) // 2/20
	p.Poll(ctx) // offline
	p.Poll(ctx) // offline again

	assert.Equal(t, []domain.Presence{
		{Online: true, Count: "1/20"},
		{Online: true, Count: "2/20"},
		{Online: false, Count: "offline"},
	}, changes)
	assert.Equal(t, 5, snapshots)
}

func TestPollerLoop(t *testing.T) {
	lister := &scriptedLister{results: []listResult{
		{response: "There are 0 of a max of 20 players online:"},
	}}
	p := NewPoller(lister, 20*time.Millisecond)
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return lister.calls >= 3
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()
	assert.NotPanics(t, p.Stop)
	assert.True(t, p.Status().Online)
}
