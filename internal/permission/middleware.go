package permission

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// RequireChannelPermission returns Fiber middleware that checks whether the
// authenticated user has the given permission in the channel named by the
// "channelID" route parameter.
func RequireChannelPermission(resolver *Resolver, perm Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(snowflake.ID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "Authentication required")
		}

		channelID, err := snowflake.Parse(c.Params("channelID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidID, "Invalid channel ID format")
		}

		allowed, err := resolver.Has(c, userID, channelID, perm)
		if errors.Is(err, ErrNotFound) {
			// Missing entities surface as NotFound, never Forbidden, so a
			// denied caller cannot probe for existence.
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
		}
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.MissingPermission, "Missing permission: "+perm.Name())
		}

		return c.Next()
	}
}

// RequireGuildPermission returns Fiber middleware that checks a guild-level
// permission against the "guildID" route parameter.
func RequireGuildPermission(resolver *Resolver, perm Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(snowflake.ID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "Authentication required")
		}

		guildID, err := snowflake.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidID, "Invalid guild ID format")
		}

		allowed, err := resolver.HasGuild(c, userID, guildID, perm)
		if errors.Is(err, ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Guild not found")
		}
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.MissingPermission, "Missing permission: "+perm.Name())
		}

		return c.Next()
	}
}
