package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/channel"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// overwriteEvent is the payload of channel_overwrite.* events. The bus
// subject is keyed by guild id; the invalidator keys on channel_id.
type overwriteEvent struct {
	GuildID   snowflake.ID          `json:"guild_id"`
	ChannelID snowflake.ID          `json:"channel_id"`
	TargetID  snowflake.ID          `json:"target_id"`
	Overwrite *permission.Overwrite `json:"overwrite,omitempty"`
}

// OverwriteHandler serves channel permission overwrite endpoints. All
// mutations require MANAGE_ROLES (route middleware).
type OverwriteHandler struct {
	overwrites permission.OverwriteStore
	channels   channel.Repository
	resolver   *permission.Resolver
	bus        Publisher
	log        zerolog.Logger
}

// NewOverwriteHandler creates a new overwrite handler.
func NewOverwriteHandler(overwrites permission.OverwriteStore, channels channel.Repository, resolver *permission.Resolver, b Publisher, logger zerolog.Logger) *OverwriteHandler {
	return &OverwriteHandler{overwrites: overwrites, channels: channels, resolver: resolver, bus: b, log: logger}
}

// OverwriteRequest is the body of PUT overwrite routes. Bitsets use the
// decimal-string encoding.
type OverwriteRequest struct {
	TargetType string `json:"target_type"`
	Allow      string `json:"allow"`
	Deny       string `json:"deny"`
}

// SetOverwrite handles PUT /api/v1/channels/:channelID/overwrites/:targetID.
func (h *OverwriteHandler) SetOverwrite(c fiber.Ctx) error {
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}
	targetID, err := paramID(c, "targetID")
	if err != nil {
		return failInvalidID(c, "target")
	}

	var body OverwriteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	targetType := permission.TargetType(body.TargetType)
	if targetType != permission.TargetRole && targetType != permission.TargetMember {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "target_type must be role or member")
	}
	allow, err := permission.Parse(body.Allow)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Invalid allow bitset")
	}
	deny, err := permission.Parse(body.Deny)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Invalid deny bitset")
	}

	ch, err := h.channels.Get(c, channelID)
	if errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "overwrite").Msg("get channel failed")
		return failInternal(c)
	}

	ow, err := h.overwrites.Set(c, channelID, targetID, targetType, allow, deny)
	if errors.Is(err, permission.ErrOverlappingBits) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "allow and deny must not share bits")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "overwrite").Msg("set overwrite failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventChannelOverwriteUpdated, overwriteEvent{
		GuildID: ch.GuildID, ChannelID: channelID, TargetID: targetID, Overwrite: ow,
	})
	return httputil.Success(c, ow)
}

// DeleteOverwrite handles DELETE /api/v1/channels/:channelID/overwrites/:targetID.
func (h *OverwriteHandler) DeleteOverwrite(c fiber.Ctx) error {
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}
	targetID, err := paramID(c, "targetID")
	if err != nil {
		return failInvalidID(c, "target")
	}

	ch, err := h.channels.Get(c, channelID)
	if errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "overwrite").Msg("get channel failed")
		return failInternal(c)
	}

	err = h.overwrites.Delete(c, channelID, targetID)
	if errors.Is(err, permission.ErrOverwriteNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Overwrite not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "overwrite").Msg("delete overwrite failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventChannelOverwriteDeleted, overwriteEvent{
		GuildID: ch.GuildID, ChannelID: channelID, TargetID: targetID,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// GetMyPermissions handles GET /api/v1/channels/:channelID/permissions/@me,
// returning the caller's effective bitset in decimal-string form.
func (h *OverwriteHandler) GetMyPermissions(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	perms, err := h.resolver.Resolve(c, userID, channelID)
	if errors.Is(err, permission.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "overwrite").Msg("resolve permissions failed")
		return failInternal(c)
	}

	return httputil.Success(c, fiber.Map{"permissions": perms.String()})
}

func (h *OverwriteHandler) publish(c fiber.Ctx, eventType string, payload overwriteEvent) {
	if _, err := h.bus.Publish(c, eventType, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
