package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/blockbridge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "steve", "hash1", true))
	require.NoError(t, s.CreateUser(ctx, "alex", "hash2", false))
	assert.Error(t, s.CreateUser(ctx, "steve", "dup", false), "usernames are unique")

	u, err := s.GetUserByUsername(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, "hash1", u.PasswordHash)
	assert.True(t, u.IsAdmin)
	assert.Nil(t, u.LastLogin)

	require.NoError(t, s.UpdateUserLastLogin(ctx, u.ID))
	u, err = s.GetUserByUsername(ctx, "steve")
	require.NoError(t, err)
	require.NotNil(t, u.LastLogin)
	assert.WithinDuration(t, time.Now(), *u.LastLogin, time.Minute)

	require.NoError(t, s.ResetUserPassword(ctx, "alex", "reset"))
	assert.ErrorIs(t, s.ResetUserPassword(ctx, "nobody", "x"), ErrNotFound)
	u, err = s.GetUserByUsername(ctx, "alex")
	require.NoError(t, err)
	assert.Equal(t, "reset", u.PasswordHash)
	assert.True(t, u.PasswordChangeRequired)

	require.NoError(t, s.UpdateUserPassword(ctx, "alex", "hash3"))
	assert.ErrorIs(t, s.UpdateUserPassword(ctx, "nobody", "x"), ErrNotFound)
	u, err = s.GetUserByUsername(ctx, "alex")
	require.NoError(t, err)
	assert.False(t, u.PasswordChangeRequired)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alex", users[0].Username)
	assert.Equal(t, "hash3", users[0].PasswordHash)

	require.NoError(t, s.DeleteUser(ctx, "alex"))
	assert.ErrorIs(t, s.DeleteUser(ctx, "alex"), ErrNotFound)
}

func TestLinkedAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	linkedAt := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.SaveLinkedAccount(ctx, domain.LinkedAccount{ExternalID: "u1", Player: "Steve", LinkedAt: linkedAt}))
	require.NoError(t, s.SaveLinkedAccount(ctx, domain.LinkedAccount{ExternalID: "u0", Player: "Alex", LinkedAt: linkedAt}))

	accounts, err := s.ListLinkedAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "u0", accounts[0].ExternalID)
	assert.True(t, linkedAt.Equal(accounts[1].LinkedAt))

	// Re-linking the same identity replaces the player
	require.NoError(t, s.SaveLinkedAccount(ctx, domain.LinkedAccount{ExternalID: "u1", Player: "Notch", LinkedAt: linkedAt}))
	a, err := s.GetLinkedAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Notch", a.Player)

	_, err = s.GetLinkedAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSandboxPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasSandboxPermission(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := s.GrantSandboxPermission(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.GrantSandboxPermission(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.False(t, added, "second grant reports existing permission")

	ok, err = s.HasSandboxPermission(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GrantSandboxPermission(ctx, "u2", "admin")
	require.NoError(t, err)
	ids, err := s.ListSandboxPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	require.NoError(t, s.RevokeSandboxPermission(ctx, "u1"))
	require.NoError(t, s.RevokeSandboxPermission(ctx, "u1"))
	ok, err = s.HasSandboxPermission(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveLinkedAccount(ctx, domain.LinkedAccount{ExternalID: "u1", Player: "Steve", LinkedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	accounts, err := s.ListLinkedAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Steve", accounts[0].Player)
}
