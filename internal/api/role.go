package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/role"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// roleEvent is the payload of role.* events. Permissions ride along so the
// cache invalidator can skip roles that cannot widen anyone's access.
type roleEvent struct {
	GuildID     snowflake.ID           `json:"guild_id"`
	RoleID      snowflake.ID           `json:"role_id"`
	Permissions *permission.Permission `json:"permissions,omitempty"`
	Role        *role.Role             `json:"role,omitempty"`
}

// RoleHandler serves role endpoints. All mutations require MANAGE_ROLES
// (route middleware).
type RoleHandler struct {
	roles    role.Repository
	maxRoles int
	gen      *snowflake.Generator
	bus      Publisher
	log      zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles role.Repository, maxRoles int, gen *snowflake.Generator, b Publisher, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, maxRoles: maxRoles, gen: gen, bus: b, log: logger}
}

// RoleRequest is the body of POST and PATCH role routes. Permissions use the
// decimal-string bitset encoding.
type RoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Position    *int    `json:"position,omitempty"`
	Permissions *string `json:"permissions,omitempty"`
	Color       *string `json:"color,omitempty"`
}

// ListRoles handles GET /api/v1/guilds/:guildID/roles.
func (h *RoleHandler) ListRoles(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	roles, err := h.roles.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("list roles failed")
		return failInternal(c)
	}
	if roles == nil {
		roles = []role.Role{}
	}
	return httputil.Success(c, roles)
}

// CreateRole handles POST /api/v1/guilds/:guildID/roles.
func (h *RoleHandler) CreateRole(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}

	var body RoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.Name == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Role name is required")
	}
	name := cleanText(*body.Name)
	if name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Role name must not be empty")
	}

	var perms permission.Permission
	if body.Permissions != nil {
		if perms, err = permission.Parse(*body.Permissions); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Invalid permissions bitset")
		}
	}

	existing, err := h.roles.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("count roles failed")
		return failInternal(c)
	}
	if len(existing) >= h.maxRoles {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Role limit reached")
	}

	id, err := h.gen.Next()
	if err != nil {
		h.log.Error().Err(err).Msg("id generation failed")
		return failInternal(c)
	}

	r := &role.Role{
		ID:          id,
		GuildID:     guildID,
		Name:        name,
		Permissions: perms,
		Color:       body.Color,
		CreatedAt:   time.Now().UTC(),
	}
	if body.Position != nil {
		r.Position = *body.Position
	}
	if err := h.roles.Create(c, r); err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("create role failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventRoleCreated, roleEvent{GuildID: guildID, RoleID: r.ID, Permissions: &r.Permissions, Role: r})
	return httputil.SuccessStatus(c, fiber.StatusCreated, r)
}

// UpdateRole handles PATCH /api/v1/guilds/:guildID/roles/:roleID. The
// @everyone role admits permission changes but keeps its name.
func (h *RoleHandler) UpdateRole(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	roleID, err := paramID(c, "roleID")
	if err != nil {
		return failInvalidID(c, "role")
	}

	var body RoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	if roleID == guildID && body.Name != nil {
		return httputil.Fail(c, fiber.StatusConflict, httputil.CannotModifyEveryone, "The everyone role cannot be renamed")
	}

	params := role.UpdateParams{Position: body.Position, Color: body.Color}
	if body.Name != nil {
		name := cleanText(*body.Name)
		if name == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Role name must not be empty")
		}
		params.Name = &name
	}
	if body.Permissions != nil {
		perms, err := permission.Parse(*body.Permissions)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Invalid permissions bitset")
		}
		params.Permissions = &perms
	}

	r, err := h.roles.Update(c, roleID, params)
	if errors.Is(err, role.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Role not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("update role failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventRoleUpdated, roleEvent{GuildID: guildID, RoleID: r.ID, Permissions: &r.Permissions, Role: r})
	return httputil.Success(c, r)
}

// DeleteRole handles DELETE /api/v1/guilds/:guildID/roles/:roleID.
func (h *RoleHandler) DeleteRole(c fiber.Ctx) error {
	guildID, err := paramID(c, "guildID")
	if err != nil {
		return failInvalidID(c, "guild")
	}
	roleID, err := paramID(c, "roleID")
	if err != nil {
		return failInvalidID(c, "role")
	}

	err = h.roles.Delete(c, roleID)
	switch {
	case errors.Is(err, role.ErrEveryoneImmutable):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CannotModifyEveryone, "The everyone role cannot be deleted")
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Role not found")
	case err != nil:
		h.log.Error().Err(err).Str("handler", "role").Msg("delete role failed")
		return failInternal(c)
	}

	h.publish(c, bus.EventRoleDeleted, roleEvent{GuildID: guildID, RoleID: roleID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RoleHandler) publish(c fiber.Ctx, eventType string, payload roleEvent) {
	if _, err := h.bus.Publish(c, eventType, payload.GuildID.String(), payload); err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
