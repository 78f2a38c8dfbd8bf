// Package domain contains protocol entities without logic, just data.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUsernameLen = 36
	MaxRoomCodeLen = 16
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrRoomCodeEmpty   = errors.New("room code empty")
	ErrRoomCodeTooLong = errors.New("room code too long")
)

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// NormalizeRoomCode trims and uppercases a user-entered code.
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", ErrRoomCodeEmpty
	}
	if len(code) > MaxRoomCodeLen {
		return "", ErrRoomCodeTooLong
	}
	return code, nil
}
