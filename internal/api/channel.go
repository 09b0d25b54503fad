package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/channel"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// channelEvent is the payload of channel.* events. The bus subject is keyed
// by guild id.
type channelEvent struct {
	GuildID   snowflake.ID     `json:"guild_id"`
	ChannelID snowflake.ID     `json:"channel_id"`
	Channel   *channel.Channel `json:"channel,omitempty"`
}

// ChannelHandler serves channel endpoints.
type ChannelHandler struct {
	channels    channel.Repository
	maxChannels int
	gen         *snowflake.Generator
	bus         Publisher
	log         zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(channels channel.Repository, maxChannels int, gen *snowflake.Generator, b Publisher, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, maxChannels: maxChannels, gen: gen, bus: b, log: logger}
}

// ChannelRequest is the body of POST /guilds/:guildID/channels.
type ChannelRequest struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Topic    *string `json:"topic,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	Position int     `json:"position"`
}

// UpdateChannelRequest is the body of PATCH /channels/:channelID.
type UpdateChannelRequest struct {
	Name     *string `json:"name,omitempty"`
	Topic    *string `json:"topic,omitempty"`
	Position *int    `json:"position,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

// ListChannels handles GET /api/v1/guilds/:guildID/channels.
func (h *ChannelHandler) ListChannels(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	channels, err := h.channels.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("list channels failed")
		return failInternal(c)
	}
	if channels == nil {
		channels = []channel.Channel{}
	}
	return httputil.Success(c, channels)
}

// CreateChannel handles POST /api/v1/guilds/:guildID/channels. Requires
// MANAGE_CHANNELS (route middleware).
func (h *ChannelHandler) CreateChannel(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	var body ChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	chType := channel.Type(body.Type)
	if body.Type == "" {
		chType = channel.TypeText
	}
	if !chType.Valid() {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Unknown channel type")
	}
	name := cleanText(body.Name)
	if name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Channel name must not be empty")
	}

	existing, err := h.channels.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("count channels failed")
		return failInternal(c)
	}
	if len(existing) >= h.maxChannels {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Channel limit reached")
	}

	var parentID *snowflake.ID
	if body.ParentID != nil {
		id, err := snowflake.Parse(*body.ParentID)
		if err != nil {
			return failInvalidID(c, "parent")
		}
		parentID = &id
	}
	var topic *string
	if body.Topic != nil {
		t := cleanText(*body.Topic)
		topic = &t
	}

	id, err := h.gen.Next()
	if err != nil {
		h.log.Error().Err(err).Msg("id generation failed")
		return failInternal(c)
	}

	ch := &channel.Channel{
		ID:        id,
		GuildID:   guildID,
		Type:      chType,
		Name:      name,
		Position:  body.Position,
		ParentID:  parentID,
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.channels.Create(c, ch); err != nil {
		if errors.Is(err, channel.ErrInvalidParent) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Parent must be a category in the same guild")
		}
		h.log.Error().Err(err).Str("handler", "channel").Msg("create channel failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventChannelCreated, channelEvent{GuildID: guildID, ChannelID: ch.ID, Channel: ch})
	return httputil.SuccessStatus(c, fiber.StatusCreated, ch)
}

// GetChannel handles GET /api/v1/channels/:channelID.
func (h *ChannelHandler) GetChannel(c fiber.Ctx) error {
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	ch, err := h.channels.Get(c, channelID)
	if errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("get channel failed")
		return failInternal(c)
	}
	return httputil.Success(c, ch)
}

// UpdateChannel handles PATCH /api/v1/channels/:channelID. Requires
// MANAGE_CHANNELS (route middleware).
func (h *ChannelHandler) UpdateChannel(c fiber.Ctx) error {
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	var body UpdateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	params := channel.UpdateParams{Position: body.Position}
	if body.Name != nil {
		name := cleanText(*body.Name)
		if name == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Channel name must not be empty")
		}
		params.Name = &name
	}
	if body.Topic != nil {
		t := cleanText(*body.Topic)
		params.Topic = &t
	}
	if body.ParentID != nil {
		id, err := snowflake.Parse(*body.ParentID)
		if err != nil {
			return failInvalidID(c, "parent")
		}
		params.ParentID = &id
	}

	ch, err := h.channels.Update(c, channelID, params)
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	case errors.Is(err, channel.ErrInvalidParent):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Parent must be a category in the same guild")
	case err != nil:
		h.log.Error().Err(err).Str("handler", "channel").Msg("update channel failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventChannelUpdated, channelEvent{GuildID: ch.GuildID, ChannelID: ch.ID, Channel: ch})
	return httputil.Success(c, ch)
}

// DeleteChannel handles DELETE /api/v1/channels/:channelID. Requires
// MANAGE_CHANNELS (route middleware).
func (h *ChannelHandler) DeleteChannel(c fiber.Ctx) error {
	channelID, err := paramID(c, "channelID")
	if err != nil {
		return failInvalidID(c, "channel")
	}

	ch, err := h.channels.Get(c, channelID)
	if errors.Is(err, channel.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Channel not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("get channel failed")
		return failInternal(c)
	}

	if err := h.channels.SoftDelete(c, channelID); err != nil && !errors.Is(err, channel.ErrNotFound) {
		h.log.Error().Err(err).Str("handler", "channel").Msg("delete channel failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventChannelDeleted, channelEvent{GuildID: ch.GuildID, ChannelID: ch.ID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChannelHandler) publish(c fiber.Ctx, eventType string, payload channelEvent) {
	if _, err := h.bus.Publish(c, eventType, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
