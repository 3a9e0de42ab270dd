// Package domain contains entity without logic, just meta-data
package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = fmt.Errorf("%w: username too long", ErrValidation)
	ErrUsernameEmpty   = fmt.Errorf("%w: username empty", ErrValidation)
)

type UserID string

// User is the local identity presented to the media service on join.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Username: name}, nil
}

func (u *User) SetUsername(username string) error {
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	u.Username = name
	return nil
}

// ValidateUsername reports whether username would be accepted by NewUser.
func ValidateUsername(username string) error {
	_, err := normalizeUsername(username)
	return err
}

func normalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
