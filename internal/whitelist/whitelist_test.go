package whitelist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/blockbridge/internal/domain"
)

type fakeReloader struct {
	calls int
	err   error
}

func (r *fakeReloader) ReloadWhitelist(context.Context) error {
	r.calls++
	return r.err
}

func newProfileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/profiles/") {
		case "steve":
			w.Write([]byte(`{"id":"8667ba71b85a4004af54457a9734eed7","name":"Steve"}`))
		case "Alex":
			w.Write([]byte(`{"id":"ec561538f3fd461daff5086b22154bce","name":"Alex"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, reloader Reloader) (*Manager, string) {
	t.Helper()
	srv := newProfileServer(t)
	path := filepath.Join(t.TempDir(), "whitelist.json")
	return New(path, srv.URL+"/profiles/", reloader), path
}

func TestAddAndRemove(t *testing.T) {
	reloader := &fakeReloader{}
	m, path := newTestManager(t, reloader)
	ctx := context.Background()

	result, err := m.Add(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, domain.WhitelistEntry{UUID: "8667ba71-b85a-4004-af54-457a9734eed7", Name: "Steve"}, result.Entry)
	assert.True(t, result.Reloaded)
	assert.Empty(t, result.Note)

	_, err = m.Add(ctx, "Alex")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"uuid": "8667ba71-b85a-4004-af54-457a9734eed7"`)

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = m.Add(ctx, "STEVE")
	assert.ErrorIs(t, err, ErrAlreadyListed)

	result, err = m.Remove(ctx, "STEVE")
	require.NoError(t, err)
	assert.Equal(t, "Steve", result.Entry.Name)

	entries, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []domain.WhitelistEntry{{UUID: "ec561538-f3fd-461d-aff5-086b22154bce", Name: "Alex"}}, entries)
	assert.Equal(t, 3, reloader.calls)

	_, err = m.Remove(ctx, "Steve")
	assert.ErrorIs(t, err, ErrNotListed)
}

func TestAddUnknownPlayer(t *testing.T) {
	m, path := newTestManager(t, &fakeReloader{})

	_, err := m.Add(context.Background(), "Nobody")
	assert.ErrorIs(t, err, ErrUnknownPlayer)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing written for unknown players")
}

func TestAddRejectsInvalidName(t *testing.T) {
	m, _ := newTestManager(t, &fakeReloader{})

	_, err := m.Add(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestReloadFailureIsANote(t *testing.T) {
	m, _ := newTestManager(t, &fakeReloader{err: errors.New("rcon unavailable")})

	result, err := m.Add(context.Background(), "steve")
	require.NoError(t, err)
	assert.False(t, result.Reloaded)
	assert.Contains(t, result.Note, "whitelist reload")

	entries, err := m.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNilReloader(t *testing.T) {
	m, _ := newTestManager(t, nil)

	result, err := m.Add(context.Background(), "steve")
	require.NoError(t, err)
	assert.False(t, result.Reloaded)
}

func TestCorruptFileIsNotOverwritten(t *testing.T) {
	m, path := newTestManager(t, &fakeReloader{})
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := m.Add(context.Background(), "steve")
	assert.ErrorContains(t, err, "parsing whitelist")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}
