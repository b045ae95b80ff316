package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/blockbridge/internal/domain"
)

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanUser scans a user row from the database
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&user.PasswordChangeRequired, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.LastLogin = scanNullTime(lastLogin)
	return &user, nil
}

// scanLinkedAccount scans a linked_accounts row
func scanLinkedAccount(s scanner) (*domain.LinkedAccount, error) {
	var a domain.LinkedAccount
	if err := s.Scan(&a.ExternalID, &a.Player, &a.LinkedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
