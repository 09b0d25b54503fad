package api

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Publisher publishes domain events after a mutation. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, data any) (*bus.Envelope, error)
}

// currentUser returns the authenticated user id placed by the auth
// middleware.
func currentUser(c fiber.Ctx) (snowflake.ID, bool) {
	id, ok := c.Locals("userID").(snowflake.ID)
	return id, ok
}

// currentSession returns the authenticated session id placed by the auth
// middleware.
func currentSession(c fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals("sessionID").(uuid.UUID)
	return id, ok
}

// paramID parses a snowflake route parameter.
func paramID(c fiber.Ctx, name string) (snowflake.ID, error) {
	return snowflake.Parse(c.Params(name))
}

func failInvalidID(c fiber.Ctx, what string) error {
	return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidID, "Invalid "+what+" ID format")
}

func failUnauthorized(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "Missing user identity")
}

func failInternal(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "An internal error occurred")
}
