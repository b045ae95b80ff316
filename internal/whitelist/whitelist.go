package whitelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/blockbridge/internal/domain"
)

var (
	ErrAlreadyListed = errors.New("player is already whitelisted")
	ErrNotListed     = errors.New("player is not whitelisted")
	ErrUnknownPlayer = errors.New("player not found")
	ErrInvalidName   = errors.New("invalid player name")
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

// Reloader tells the running server to re-read its whitelist file
type Reloader interface {
	ReloadWhitelist(ctx context.Context) error
}

// Result describes a completed whitelist change
type Result struct {
	Entry    domain.WhitelistEntry `json:"entry"`
	Reloaded bool                  `json:"reloaded"`
	Note     string                `json:"note,omitempty"`
}

// Manager edits the server's whitelist.json
type Manager struct {
	path       string
	profileURL string
	client     *http.Client
	reloader   Reloader

	mu sync.Mutex // serializes read-modify-write of the file
}

// New creates a Manager. profileURL is the player profile lookup endpoint;
// the player name is appended to it.
func New(path, profileURL string, reloader Reloader) *Manager {
	return &Manager{
		path:       path,
		profileURL: profileURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		reloader:   reloader,
	}
}

// List returns the current whitelist. A missing file is an empty list.
func (m *Manager) List() ([]domain.WhitelistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

// Add resolves name to a UUID, appends it and asks the server to reload
func (m *Manager) Add(ctx context.Context, name string) (Result, error) {
	if !nameRegex.MatchString(name) {
		return Result{}, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.read()
	if err != nil {
		return Result{}, err
	}
	if index(entries, name) >= 0 {
		return Result{}, fmt.Errorf("%s: %w", name, ErrAlreadyListed)
	}

	entry, err := m.lookup(ctx, name)
	if err != nil {
		return Result{}, err
	}

	if err := m.write(append(entries, entry)); err != nil {
		return Result{}, err
	}
	log.Printf("Added %s (%s) to the whitelist", entry.Name, entry.UUID)

	result := Result{Entry: entry}
	result.Reloaded = m.reload(ctx)
	if !result.Reloaded {
		result.Note = `server whitelist reload not applied, run "whitelist reload" in the console`
	}
	return result, nil
}

// Remove deletes name (case-insensitive) and asks the server to reload
func (m *Manager) Remove(ctx context.Context, name string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.read()
	if err != nil {
		return Result{}, err
	}
	i := index(entries, name)
	if i < 0 {
		return Result{}, fmt.Errorf("%s: %w", name, ErrNotListed)
	}

	removed := entries[i]
	entries = append(entries[:i], entries[i+1:]...)
	if err := m.write(entries); err != nil {
		return Result{}, err
	}
	log.Printf("Removed %s from the whitelist", removed.Name)

	result := Result{Entry: removed}
	result.Reloaded = m.reload(ctx)
	if !result.Reloaded {
		result.Note = `run "whitelist reload" manually`
	}
	return result, nil
}

func (m *Manager) reload(ctx context.Context) bool {
	if m.reloader == nil {
		return false
	}
	if err := m.reloader.ReloadWhitelist(ctx); err != nil {
		log.Printf("Failed to run whitelist reload: %v", err)
		return false
	}
	return true
}

func index(entries []domain.WhitelistEntry, name string) int {
	for i, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return i
		}
	}
	return -1
}

func (m *Manager) read() ([]domain.WhitelistEntry, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.WhitelistEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading whitelist: %w", err)
	}

	entries := []domain.WhitelistEntry{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing whitelist: %w", err)
	}
	return entries, nil
}

// write replaces the file atomically so the server never reads a partial list
func (m *Manager) write(entries []domain.WhitelistEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling whitelist: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".whitelist-*.json")
	if err != nil {
		return fmt.Errorf("writing whitelist: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing whitelist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing whitelist: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("writing whitelist: %w", err)
	}
	return nil
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// lookup resolves name through the profile API
func (m *Manager) lookup(ctx context.Context, name string) (domain.WhitelistEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.profileURL+url.PathEscape(name), nil)
	if err != nil {
		return domain.WhitelistEntry{}, fmt.Errorf("building profile request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return domain.WhitelistEntry{}, fmt.Errorf("looking up %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return domain.WhitelistEntry{}, fmt.Errorf("%s: %w", name, ErrUnknownPlayer)
	case resp.StatusCode != http.StatusOK:
		return domain.WhitelistEntry{}, fmt.Errorf("looking up %s: status %d", name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.WhitelistEntry{}, fmt.Errorf("reading profile: %w", err)
	}
	var p profile
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.WhitelistEntry{}, fmt.Errorf("parsing profile: %w", err)
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return domain.WhitelistEntry{}, fmt.Errorf("parsing profile id %q: %w", p.ID, err)
	}

	entry := domain.WhitelistEntry{UUID: id.String(), Name: p.Name}
	if entry.Name == "" {
		entry.Name = name
	}
	return entry, nil
}
