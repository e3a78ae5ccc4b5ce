// Package domain contains entities and wire events without hub logic.
package domain

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxUserNameLen = 64

	RoleAdmin = "admin"
)

var (
	ErrUserNameEmpty   = errors.New("user name empty")
	ErrUserNameTooLong = errors.New("user name too long")
	ErrInvalidUserID   = errors.New("invalid user id")
)

// UserID is the portal's numeric account id.
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseUserID accepts the decimal form used in tokens and query strings.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidUserID
	}
	return UserID(n), nil
}

// User is the verified identity bound to a connection. It is referenced, never owned.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// IsAdmin reports the portal's admin role; the portal spells it "Admin".
func (u User) IsAdmin() bool { return strings.EqualFold(u.Role, RoleAdmin) }

func NewUser(id UserID, name string) (User, error) {
	if id <= 0 {
		return User{}, ErrInvalidUserID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, ErrUserNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUserNameLen {
		return User{}, ErrUserNameTooLong
	}
	return User{ID: id, Name: name}, nil
}
