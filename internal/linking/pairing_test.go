package linking

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/blockbridge/internal/domain"
)

type memoryStore struct {
	mu       sync.Mutex
	accounts []domain.LinkedAccount
	saveErr  error
}

func (s *memoryStore) ListLinkedAccounts(context.Context) ([]domain.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LinkedAccount(nil), s.accounts...), nil
}

func (s *memoryStore) SaveLinkedAccount(_ context.Context, a domain.LinkedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.accounts = append(s.accounts, a)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPairing(t *testing.T, store *memoryStore) (*Pairing, *fakeClock) {
	t.Helper()
	p, err := New(context.Background(), store, 5*time.Minute)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p.now = clock.Now
	return p, clock
}

var fourDigits = regexp.MustCompile(`^[1-9]\d{3}$`)

func TestRequestLinkIssuesFourDigitCode(t *testing.T) {
	p, clock := newTestPairing(t, &memoryStore{})

	for i := 0; i < 50; i++ {
		link, err := p.RequestLink("Steve")
		require.NoError(t, err)
		assert.Regexp(t, fourDigits, link.Code)
		assert.Equal(t, clock.Now().Add(5*time.Minute), link.ExpiresAt)
	}
	assert.Equal(t, 1, p.Pending(), "older codes for the same player are dropped")
}

func TestConfirmLinkSucceedsExactlyOnce(t *testing.T) {
	store := &memoryStore{}
	p, _ := newTestPairing(t, store)
	ctx := context.Background()

	link, err := p.RequestLink("Steve")
	require.NoError(t, err)

	player, err := p.ConfirmLink(ctx, link.Code, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Steve", player)

	_, err = p.ConfirmLink(ctx, link.Code, "user-1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCode)

	account, ok := p.Lookup("user-1")
	require.True(t, ok)
	assert.Equal(t, "Steve", account.Player)
	assert.Len(t, store.accounts, 1)
}

func TestConfirmLinkRejectsExpiredCode(t *testing.T) {
	p, clock := newTestPairing(t, &memoryStore{})

	link, err := p.RequestLink("Alex")
	require.NoError(t, err)

	clock.Advance(5*time.Minute + time.Second)
	_, err = p.ConfirmLink(context.Background(), link.Code, "user-2")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCode)
	assert.Equal(t, 0, p.Pending(), "expired code is purged on lookup")
}

func TestConfirmLinkAtExpiryBoundary(t *testing.T) {
	p, clock := newTestPairing(t, &memoryStore{})

	link, err := p.RequestLink("Alex")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	player, err := p.ConfirmLink(context.Background(), link.Code, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "Alex", player)
}

func TestConfirmLinkUnknownCode(t *testing.T) {
	p, _ := newTestPairing(t, &memoryStore{})
	_, err := p.ConfirmLink(context.Background(), "0000", "user-1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCode)
}

func TestConfirmLinkRejectsAlreadyLinkedPlayer(t *testing.T) {
	p, _ := newTestPairing(t, &memoryStore{})
	ctx := context.Background()

	first, err := p.RequestLink("Steve")
	require.NoError(t, err)
	_, err = p.ConfirmLink(ctx, first.Code, "user-1")
	require.NoError(t, err)

	second, err := p.RequestLink("Steve")
	require.NoError(t, err)
	_, err = p.ConfirmLink(ctx, second.Code, "user-2")
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	original, ok := p.Lookup("user-1")
	require.True(t, ok)
	assert.Equal(t, "Steve", original.Player)
	_, ok = p.Lookup("user-2")
	assert.False(t, ok)
}

func TestNewLoadsPersistedAccounts(t *testing.T) {
	store := &memoryStore{accounts: []domain.LinkedAccount{
		{ExternalID: "user-9", Player: "Notch", LinkedAt: time.Now()},
	}}
	p, _ := newTestPairing(t, store)

	link, err := p.RequestLink("Notch")
	require.NoError(t, err)
	_, err = p.ConfirmLink(context.Background(), link.Code, "user-10")
	assert.ErrorIs(t, err, ErrAlreadyLinked)
	assert.Len(t, p.Accounts(), 1)
}

func TestConfirmLinkKeepsCodeWhenSaveFails(t *testing.T) {
	store := &memoryStore{saveErr: errors.New("disk full")}
	p, _ := newTestPairing(t, store)

	link, err := p.RequestLink("Steve")
	require.NoError(t, err)

	_, err = p.ConfirmLink(context.Background(), link.Code, "user-1")
	assert.ErrorContains(t, err, "disk full")

	store.saveErr = nil
	player, err := p.ConfirmLink(context.Background(), link.Code, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Steve", player)
}

func TestRequestLinkRegeneratesOnCollision(t *testing.T) {
	p, _ := newTestPairing(t, &memoryStore{})
	codes := []string{"1234", "1234", "5678"}
	p.code = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	a, err := p.RequestLink("Steve")
	require.NoError(t, err)
	b, err := p.RequestLink("Alex")
	require.NoError(t, err)

	assert.Equal(t, "1234", a.Code)
	assert.Equal(t, "5678", b.Code)
}

func TestPurgeExpired(t *testing.T) {
	p, clock := newTestPairing(t, &memoryStore{})

	_, err := p.RequestLink("Steve")
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)
	_, err = p.RequestLink("Alex")
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)

	assert.Equal(t, 1, p.PurgeExpired())
	assert.Equal(t, 1, p.Pending())
}
