// Package httputil holds the REST response envelope, the API error codes,
// and request logging middleware.
package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Code is a machine-readable API error code in UPPER_SNAKE form.
type Code string

// API error codes, grouped by the error taxonomy.
const (
	// Validation (400)
	ValidationError Code = "VALIDATION_ERROR"
	InvalidID       Code = "INVALID_ID"
	InvalidBody     Code = "INVALID_BODY"
	EmptyMessage    Code = "EMPTY_MESSAGE"
	MessageTooLong  Code = "MESSAGE_TOO_LONG"
	MalformedCursor Code = "MALFORMED_CURSOR"

	// Authentication (401)
	Unauthorized   Code = "UNAUTHORIZED"
	TokenExpired   Code = "TOKEN_EXPIRED"
	TokenInvalid   Code = "TOKEN_INVALID"
	SessionRevoked Code = "SESSION_REVOKED"

	// Authorization (403)
	MissingPermission Code = "MISSING_PERMISSION"
	NotMessageAuthor  Code = "NOT_MESSAGE_AUTHOR"
	NotGuildOwner     Code = "NOT_GUILD_OWNER"
	UserBanned        Code = "USER_BANNED"

	// Not found / gone (404/410)
	NotFound       Code = "NOT_FOUND"
	MessageDeleted Code = "MESSAGE_DELETED"
	InviteExpired  Code = "INVITE_EXPIRED"

	// Conflict (409)
	EmailAlreadyExists   Code = "EMAIL_ALREADY_EXISTS"
	AlreadyMember        Code = "ALREADY_MEMBER"
	CannotModifyEveryone Code = "CANNOT_MODIFY_EVERYONE"

	// Rate / transient / internal (429/503/500)
	RateLimited        Code = "RATE_LIMITED"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InternalError      Code = "INTERNAL_ERROR"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
