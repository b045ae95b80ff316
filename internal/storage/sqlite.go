package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/blockbridge/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row addressed by key does not exist
var ErrNotFound = errors.New("not found")

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- User methods ---

// User represents a dashboard/API account. Its username doubles as the
// external identity used for linking and sandbox permissions.
type User struct {
	ID                     int64
	Username               string
	PasswordHash           string
	IsAdmin                bool
	PasswordChangeRequired bool
	CreatedAt              time.Time
	LastLogin              *time.Time
}

// CreateUser creates a new user account
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin)
		VALUES (?, ?, ?)
	`, username, passwordHash, isAdmin)
	return err
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM users WHERE username = ?
	`, username)
	return scanUser(row)
}

// DeleteUser removes a user by username
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

// ListUsers returns all users with details
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserLastLogin updates the last login timestamp
func (s *Store) UpdateUserLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login = ? WHERE id = ?
	`, formatTimestamp(time.Now()), userID)
	return err
}

// UpdateUserPassword updates a user's password and clears the password_change_required flag
func (s *Store) UpdateUserPassword(ctx context.Context, username, newPasswordHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_change_required = FALSE WHERE username = ?
	`, newPasswordHash, username)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

// ResetUserPassword sets a new password and requires the user to change it
// on next login
func (s *Store) ResetUserPassword(ctx context.Context, username, newPasswordHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_change_required = TRUE WHERE username = ?
	`, newPasswordHash, username)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

// --- Linked account methods ---

// ListLinkedAccounts returns every linked account
func (s *Store) ListLinkedAccounts(ctx context.Context) ([]domain.LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, player, linked_at FROM linked_accounts ORDER BY external_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.LinkedAccount
	for rows.Next() {
		a, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SaveLinkedAccount inserts or replaces the account for its external id
func (s *Store) SaveLinkedAccount(ctx context.Context, account domain.LinkedAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (external_id, player, linked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			player = excluded.player,
			linked_at = excluded.linked_at
	`, account.ExternalID, account.Player, formatTimestamp(account.LinkedAt))
	return err
}

// GetLinkedAccount returns the account linked to externalID
func (s *Store) GetLinkedAccount(ctx context.Context, externalID string) (*domain.LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id, player, linked_at FROM linked_accounts WHERE external_id = ?
	`, externalID)
	a, err := scanLinkedAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("linked account %s: %w", externalID, ErrNotFound)
	}
	return a, err
}

// --- Sandbox permission methods ---

// GrantSandboxPermission allows identity to run sandboxed code. It reports
// false when the identity already held the permission.
func (s *Store) GrantSandboxPermission(ctx context.Context, identity, grantedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_permissions (identity, granted_by, granted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO NOTHING
	`, identity, grantedBy, formatTimestamp(time.Now()))
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RevokeSandboxPermission removes identity's permission. Revoking an absent
// permission is not an error.
func (s *Store) RevokeSandboxPermission(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_permissions WHERE identity = ?`, identity)
	return err
}

// HasSandboxPermission checks whether identity may run sandboxed code
func (s *Store) HasSandboxPermission(ctx context.Context, identity string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandbox_permissions WHERE identity = ?
	`, identity).Scan(&count)
	return count > 0, err
}

// ListSandboxPermissions returns every identity holding the permission
func (s *Store) ListSandboxPermissions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM sandbox_permissions ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}
