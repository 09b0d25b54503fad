package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidEmail       = errors.New("auth: invalid email format")
	ErrUsernameLength     = errors.New("auth: username must be between 2 and 32 characters")
	ErrPasswordTooShort   = errors.New("auth: password must be at least 8 characters")
	ErrPasswordTooLong    = errors.New("auth: password must be at most 128 characters")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrSessionNotFound    = errors.New("auth: session not found or revoked")
	// ErrRefreshTokenInvalid is returned when a presented refresh token does
	// not match the session's stored hash, indicating reuse after rotation.
	ErrRefreshTokenInvalid = errors.New("auth: refresh token invalid")
)
