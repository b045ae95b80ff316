package api

import (
	"errors"
	"regexp"
	"strings"
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// validateUsername checks that a username is usable as an identity
func validateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("username may only contain letters, digits, '_', '.' and '-' (max 32)")
	}
	return nil
}

// validatePassword checks password strength
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

// singleLine collapses every run of whitespace, newlines included, to one
// space so a message cannot inject extra console commands
func singleLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
