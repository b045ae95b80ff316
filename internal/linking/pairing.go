package linking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ernie/blockbridge/internal/domain"
)

var (
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	ErrAlreadyLinked        = errors.New("player is already linked to another account")
)

// AccountStore persists linked accounts
type AccountStore interface {
	ListLinkedAccounts(ctx context.Context) ([]domain.LinkedAccount, error)
	SaveLinkedAccount(ctx context.Context, account domain.LinkedAccount) error
}

// Pairing issues link codes to players and binds them to external identities
// when the code is confirmed. It is the only writer of linked accounts.
type Pairing struct {
	store AccountStore
	ttl   time.Duration
	now   func() time.Time
	code  func() (string, error)

	mu       sync.Mutex
	pending  map[string]domain.PendingLink   // code -> pending link
	accounts map[string]domain.LinkedAccount // external id -> account
}

// New creates a Pairing and loads the persisted accounts
func New(ctx context.Context, store AccountStore, ttl time.Duration) (*Pairing, error) {
	accounts, err := store.ListLinkedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading linked accounts: %w", err)
	}

	p := &Pairing{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		code:     generateCode,
		pending:  make(map[string]domain.PendingLink),
		accounts: make(map[string]domain.LinkedAccount, len(accounts)),
	}
	for _, a := range accounts {
		p.accounts[a.ExternalID] = a
	}
	return p, nil
}

// generateCode creates a 4-digit code in 1000..9999
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}

// RequestLink issues a new code for player. Any older code issued to the
// same player is dropped, so only the latest request can be confirmed.
func (p *Pairing) RequestLink(player string) (domain.PendingLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for code, pl := range p.pending {
		if pl.Player == player || pl.Expired(now) {
			delete(p.pending, code)
		}
	}

	// Ensure uniqueness among live codes by retrying on collision
	for attempts := 0; attempts < 5; attempts++ {
		code, err := p.code()
		if err != nil {
			return domain.PendingLink{}, fmt.Errorf("generating code: %w", err)
		}
		if _, taken := p.pending[code]; taken {
			continue
		}
		link := domain.PendingLink{
			Code:      code,
			Player:    player,
			ExpiresAt: now.Add(p.ttl),
		}
		p.pending[code] = link
		return link, nil
	}
	return domain.PendingLink{}, fmt.Errorf("failed to generate unique code after 5 attempts")
}

// ConfirmLink binds the player holding code to externalID and returns the
// player name. A successful confirmation consumes the code.
func (p *Pairing) ConfirmLink(ctx context.Context, code, externalID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	link, ok := p.pending[code]
	if !ok {
		return "", ErrInvalidOrExpiredCode
	}
	now := p.now()
	if link.Expired(now) {
		delete(p.pending, code)
		return "", ErrInvalidOrExpiredCode
	}

	for _, a := range p.accounts {
		if a.Player == link.Player {
			return "", ErrAlreadyLinked
		}
	}

	account := domain.LinkedAccount{
		ExternalID: externalID,
		Player:     link.Player,
		LinkedAt:   now.UTC(),
	}
	if err := p.store.SaveLinkedAccount(ctx, account); err != nil {
		return "", fmt.Errorf("saving linked account: %w", err)
	}

	p.accounts[externalID] = account
	delete(p.pending, code)
	log.Printf("Linked %s to player %s", externalID, link.Player)
	return link.Player, nil
}

// Lookup returns the account linked to externalID
func (p *Pairing) Lookup(externalID string) (domain.LinkedAccount, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[externalID]
	return a, ok
}

// Accounts returns every linked account ordered by external id
func (p *Pairing) Accounts() []domain.LinkedAccount {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.LinkedAccount, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// PurgeExpired removes expired codes and returns how many were dropped
func (p *Pairing) PurgeExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for code, pl := range p.pending {
		if pl.Expired(now) {
			delete(p.pending, code)
			removed++
		}
	}
	return removed
}

// Pending returns the number of codes awaiting confirmation
func (p *Pairing) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
