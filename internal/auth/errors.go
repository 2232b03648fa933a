package auth

import "errors"

var (
	// ErrTokenMismatch is returned when the anti-forgery pair is missing or does not match.
	ErrTokenMismatch = errors.New("anti-forgery token mismatch")
	// ErrUnauthenticated is returned when a request carries no live session.
	ErrUnauthenticated = errors.New("unauthenticated")
)
