package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/member"
	"github.com/gildhall-chat/gildhall-server/internal/role"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// memberEvent is the payload of member.* and member_roles.* events.
type memberEvent struct {
	GuildID snowflake.ID   `json:"guild_id"`
	UserID  snowflake.ID   `json:"user_id"`
	Member  *member.Member `json:"member,omitempty"`
	RoleIDs []snowflake.ID `json:"role_ids,omitempty"`
}

// MemberHandler serves membership, role assignment, and ban endpoints.
type MemberHandler struct {
	members member.Repository
	roles   role.Repository
	bus     Publisher
	log     zerolog.Logger
}

// NewMemberHandler creates a new member handler.
func NewMemberHandler(members member.Repository, roles role.Repository, b Publisher, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{members: members, roles: roles, bus: b, log: logger}
}

// NicknameRequest is the body of PATCH member routes.
type NicknameRequest struct {
	Nickname *string `json:"nickname"`
}

// BanRequest is the body of PUT ban routes.
type BanRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// ListMembers handles GET /api/v1/guilds/:guildID/members.
func (h *MemberHandler) ListMembers(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	members, err := h.members.List(c, guildID, 1000)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("list members failed")
		return failInternal(c)
	}
	if members == nil {
		members = []member.Member{}
	}
	return httputil.Success(c, members)
}

// GetMember handles GET /api/v1/guilds/:guildID/members/:userID.
func (h *MemberHandler) GetMember(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}

	m, err := h.members.Get(c, guildID, userID)
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Member not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("get member failed")
		return failInternal(c)
	}
	return httputil.Success(c, m)
}

// UpdateMember handles PATCH /api/v1/guilds/:guildID/members/:userID.
// Requires MANAGE_NICKNAMES (route middleware).
func (h *MemberHandler) UpdateMember(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}

	var body NicknameRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.Nickname != nil {
		n := cleanText(*body.Nickname)
		body.Nickname = &n
	}

	m, err := h.members.UpdateNickname(c, guildID, userID, body.Nickname)
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Member not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("update member failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventMemberUpdated, memberEvent{GuildID: guildID, UserID: userID, Member: m})
	return httputil.Success(c, m)
}

// Leave handles DELETE /api/v1/guilds/:guildID/members/@me.
func (h *MemberHandler) Leave(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	err = h.members.Remove(c, guildID, userID)
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Member not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("leave failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventMemberLeft, memberEvent{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

// KickMember handles DELETE /api/v1/guilds/:guildID/members/:userID.
// Requires KICK_MEMBERS (route middleware).
func (h *MemberHandler) KickMember(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}

	err = h.members.Remove(c, guildID, userID)
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Member not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("kick failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventMemberRemoved, memberEvent{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

// AssignRole handles PUT /api/v1/guilds/:guildID/members/:userID/roles/:roleID.
// Requires MANAGE_ROLES (route middleware).
func (h *MemberHandler) AssignRole(c fiber.Ctx) error {
	return h.changeRole(c, true)
}

// RemoveRole handles DELETE /api/v1/guilds/:guildID/members/:userID/roles/:roleID.
// Requires MANAGE_ROLES (route middleware).
func (h *MemberHandler) RemoveRole(c fiber.Ctx) error {
	return h.changeRole(c, false)
}

func (h *MemberHandler) changeRole(c fiber.Ctx, assign bool) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}
	roleID, err := paramID(c, "roleID")
	if err != nil {
		return failInvalidID(c, "role")
	}

	if roleID == guildID {
		return httputil.Fail(c, fiber.StatusConflict, httputil.CannotModifyEveryone, "The everyone role cannot be assigned explicitly")
	}

	r, err := h.roles.Get(c, roleID)
	if errors.Is(err, role.ErrNotFound) || (err == nil && r.GuildID != guildID) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Role not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("get role failed")
		return failInternal(c)
	}

	if assign {
		err = h.members.AssignRole(c, guildID, userID, roleID)
	} else {
		err = h.members.RemoveRole(c, guildID, userID, roleID)
	}
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Member or role not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("change role failed")
		return failInternal(c)
	}

	roleIDs, err := h.members.RoleIDs(c, guildID, userID)
	if err != nil {
		h.log.Warn().Err(err).Msg("list member roles after change failed")
	}

	h.publish(c, bus.EventMemberRolesUpdated, memberEvent{GuildID: guildID, UserID: userID, RoleIDs: roleIDs})
	return c.SendStatus(fiber.StatusNoContent)
}

// ListBans handles GET /api/v1/guilds/:guildID/bans. Requires BAN_MEMBERS
// (route middleware).
func (h *MemberHandler) ListBans(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	bans, err := h.members.ListBans(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("list bans failed")
		return failInternal(c)
	}
	if bans == nil {
		bans = []member.Ban{}
	}
	return httputil.Success(c, bans)
}

// BanMember handles PUT /api/v1/guilds/:guildID/bans/:userID. Requires
// BAN_MEMBERS (route middleware).
func (h *MemberHandler) BanMember(c fiber.Ctx) error {
	bannedBy, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}

	var body BanRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	ban := &member.Ban{
		GuildID:   guildID,
		UserID:    userID,
		Reason:    body.Reason,
		BannedBy:  bannedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.members.SetBan(c, ban); err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("ban failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventMemberBanned, memberEvent{GuildID: guildID, UserID: userID})
	return httputil.SuccessStatus(c, fiber.StatusCreated, ban)
}

// UnbanMember handles DELETE /api/v1/guilds/:guildID/bans/:userID. Requires
// BAN_MEMBERS (route middleware).
func (h *MemberHandler) UnbanMember(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	userID, err := paramID(c, "userID")
	if err != nil {
		return failInvalidID(c, "user")
	}

	err = h.members.RemoveBan(c, guildID, userID)
	if errors.Is(err, member.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Ban not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("unban failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventMemberUnbanned, memberEvent{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MemberHandler) publish(c fiber.Ctx, eventType string, payload memberEvent) {
	if _, err := h.bus.Publish(c, eventType, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
