package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/guild"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// sanitizer strips markup from user-supplied display text (names, topics).
var sanitizer = bluemonday.StrictPolicy()

func cleanText(s string) string {
	return strings.TrimSpace(sanitizer.Sanitize(s))
}

// guildEvent is the payload of guild.* events.
type guildEvent struct {
	GuildID snowflake.ID `json:"guild_id"`
	Guild   *guild.Guild `json:"guild,omitempty"`
}

// GuildHandler serves guild lifecycle endpoints.
type GuildHandler struct {
	guilds guild.Repository
	gen    *snowflake.Generator
	bus    Publisher
	log    zerolog.Logger
}

// NewGuildHandler creates a new guild handler.
func NewGuildHandler(guilds guild.Repository, gen *snowflake.Generator, b Publisher, logger zerolog.Logger) *GuildHandler {
	return &GuildHandler{guilds: guilds, gen: gen, bus: b, log: logger}
}

// GuildRequest is the body of POST and PATCH /guilds.
type GuildRequest struct {
	Name string `json:"name"`
}

// CreateGuild handles POST /api/v1/guilds. Creating a guild also creates its
// @everyone role, a default text channel, and the owner's membership.
func (h *GuildHandler) CreateGuild(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}

	var body GuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	name := cleanText(body.Name)
	if name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Guild name must not be empty")
	}

	guildID, err := h.gen.Next()
	if err != nil {
		h.log.Error().Err(err).Msg("id generation failed")
		return failInternal(c)
	}
	channelID, err := h.gen.Next()
	if err != nil {
		h.log.Error().Err(err).Msg("id generation failed")
		return failInternal(c)
	}

	g := &guild.Guild{
		ID:        guildID,
		OwnerID:   userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	err = h.guilds.Create(c, guild.CreateParams{
		Guild:          g,
		EveryonePerms:  int64(permission.DefaultEveryone),
		DefaultChannel: channelID,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("create guild failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventGuildCreated, guildEvent{GuildID: g.ID, Guild: g})
	return httputil.SuccessStatus(c, fiber.StatusCreated, g)
}

// GetGuild handles GET /api/v1/guilds/:guildID.
func (h *GuildHandler) GetGuild(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	g, err := h.guilds.Get(c, guildID)
	if errors.Is(err, guild.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Guild not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("get guild failed")
		return failInternal(c)
	}
	return httputil.Success(c, g)
}

// UpdateGuild handles PATCH /api/v1/guilds/:guildID. Requires MANAGE_GUILD.
func (h *GuildHandler) UpdateGuild(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	var body GuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	name := cleanText(body.Name)
	if name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Guild name must not be empty")
	}

	g, err := h.guilds.UpdateName(c, guildID, name)
	if errors.Is(err, guild.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Guild not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("update guild failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventGuildUpdated, guildEvent{GuildID: g.ID, Guild: g})
	return httputil.Success(c, g)
}

// DeleteGuild handles DELETE /api/v1/guilds/:guildID. Only the owner may
// delete a guild; deletion is soft and the guild becomes invisible to all
// reads.
func (h *GuildHandler) DeleteGuild(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	g, err := h.guilds.Get(c, guildID)
	if errors.Is(err, guild.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Guild not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("get guild failed")
		return failInternal(c)
	}
	if g.OwnerID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.NotGuildOwner, "Only the owner may delete a guild")
	}

	if err := h.guilds.SoftDelete(c, guildID); err != nil && !errors.Is(err, guild.ErrNotFound) {
		h.log.Error().Err(err).Str("handler", "guild").Msg("delete guild failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventGuildDeleted, guildEvent{GuildID: guildID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *GuildHandler) publish(c fiber.Ctx, eventType string, payload guildEvent) {
	if _, err := h.bus.Publish(c, eventType, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
