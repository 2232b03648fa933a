package services

import "errors"

var (
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidUsername    = errors.New("username must be 3-20 letters, digits, '-' or '_'")
	ErrInvalidPassword    = errors.New("password must be 6-20 characters with at least one letter and one digit")
	ErrUserNotFound       = errors.New("user not found")
	ErrSessionNotFound    = errors.New("session not found")
)
