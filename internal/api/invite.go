package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/invite"
	"github.com/gildhall-chat/gildhall-server/internal/member"
)

// InviteHandler serves invite creation, listing, deletion, and redemption.
type InviteHandler struct {
	invites invite.Repository
	members member.Repository
	bus     Publisher
	log     zerolog.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(invites invite.Repository, members member.Repository, b Publisher, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, members: members, bus: b, log: logger}
}

// CreateInviteRequest is the body of POST /guilds/:guildID/invites.
type CreateInviteRequest struct {
	MaxUses   *int       `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateInvite handles POST /api/v1/guilds/:guildID/invites. Requires
// CREATE_INVITES (route middleware).
func (h *InviteHandler) CreateInvite(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	var body CreateInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.MaxUses != nil && *body.MaxUses < 1 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "max_uses must be at least 1")
	}

	inv := &invite.Invite{
		Code:      invite.NewCode(),
		GuildID:   guildID,
		CreatorID: userID,
		MaxUses:   body.MaxUses,
		ExpiresAt: body.ExpiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.invites.Create(c, inv); err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("create invite failed")
		return failInternal(c)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

// ListInvites handles GET /api/v1/guilds/:guildID/invites. Requires
// MANAGE_GUILD (route middleware).
func (h *InviteHandler) ListInvites(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	invites, err := h.invites.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("list invites failed")
		return failInternal(c)
	}
	if invites == nil {
		invites = []invite.Invite{}
	}
	return httputil.Success(c, invites)
}

// DeleteInvite handles DELETE /api/v1/invites/:code. Requires MANAGE_GUILD
// on the invite's guild, checked by the caller's routing.
func (h *InviteHandler) DeleteInvite(c fiber.Ctx) error {
	code := c.Params("code")

	err := h.invites.Delete(c, code)
	if errors.Is(err, invite.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Invite not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("delete invite failed")
		return failInternal(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// JoinViaInvite handles POST /api/v1/invites/:code/join. A ban blocks the
// join regardless of invite validity, and a rejected join must not burn a
// limited-use invite, so the ban and membership checks run before the use
// counter is consumed.
func (h *InviteHandler) JoinViaInvite(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	code := c.Params("code")

	inv, err := h.invites.Get(c, code)
	if errors.Is(err, invite.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Invite not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("get invite failed")
		return failInternal(c)
	}

	// Check ban before consuming the invite.
	banned, err := h.members.IsBanned(c, inv.GuildID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("ban check failed")
		return failInternal(c)
	}
	if banned {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.UserBanned, "You are banned from this guild")
	}
	if _, err := h.members.Get(c, inv.GuildID, userID); err == nil {
		return httputil.Fail(c, fiber.StatusConflict, httputil.AlreadyMember, "Already a member of this guild")
	} else if !errors.Is(err, member.ErrNotFound) {
		h.log.Error().Err(err).Str("handler", "invite").Msg("membership check failed")
		return failInternal(c)
	}

	inv, err = h.invites.Redeem(c, code, time.Now().UTC())
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Invite not found")
	case errors.Is(err, invite.ErrExpired):
		return httputil.Fail(c, fiber.StatusGone, httputil.InviteExpired, "Invite has expired")
	case err != nil:
		h.log.Error().Err(err).Str("handler", "invite").Msg("redeem invite failed")
		return failInternal(c)
	}

	m := &member.Member{
		GuildID:  inv.GuildID,
		UserID:   userID,
		JoinedAt: time.Now().UTC(),
	}
	// Add re-checks the ban inside its transaction, closing the race between
	// the check above and the insert.
	err = h.members.Add(c, m)
	switch {
	case errors.Is(err, member.ErrBanned):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.UserBanned, "You are banned from this guild")
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, httputil.AlreadyMember, "Already a member of this guild")
	case err != nil:
		h.log.Error().Err(err).Str("handler", "invite").Msg("join failed")
		return failInternal(c)
	}

	payload := memberEvent{GuildID: inv.GuildID, UserID: userID, Member: m}
	if _, err := h.bus.Publish(c, bus.EventMemberJoined, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", bus.EventMemberJoined).Msg("Event publish failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, m)
}
