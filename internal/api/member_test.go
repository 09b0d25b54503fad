package api

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/member"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/role"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// --- Fake member repository ---

type memberKey struct{ guild, user snowflake.ID }

type fakeMemberRepo struct {
	members map[memberKey]*member.Member
	bans    map[memberKey]*member.Ban
	roles   map[memberKey][]snowflake.ID
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{
		members: make(map[memberKey]*member.Member),
		bans:    make(map[memberKey]*member.Ban),
		roles:   make(map[memberKey][]snowflake.ID),
	}
}

func (r *fakeMemberRepo) Add(_ context.Context, m *member.Member) error {
	key := memberKey{m.GuildID, m.UserID}
	if _, banned := r.bans[key]; banned {
		return member.ErrBanned
	}
	if _, ok := r.members[key]; ok {
		return member.ErrAlreadyMember
	}
	copied := *m
	r.members[key] = &copied
	return nil
}

func (r *fakeMemberRepo) Get(_ context.Context, guildID, userID snowflake.ID) (*member.Member, error) {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return nil, member.ErrNotFound
	}
	return m, nil
}

func (r *fakeMemberRepo) List(_ context.Context, guildID snowflake.ID, _ int) ([]member.Member, error) {
	var out []member.Member
	for key, m := range r.members {
		if key.guild == guildID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) UpdateNickname(_ context.Context, guildID, userID snowflake.ID, nickname *string) (*member.Member, error) {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return nil, member.ErrNotFound
	}
	m.Nickname = nickname
	return m, nil
}

func (r *fakeMemberRepo) Remove(_ context.Context, guildID, userID snowflake.ID) error {
	key := memberKey{guildID, userID}
	if _, ok := r.members[key]; !ok {
		return member.ErrNotFound
	}
	delete(r.members, key)
	delete(r.roles, key)
	return nil
}

func (r *fakeMemberRepo) AssignRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	key := memberKey{guildID, userID}
	if _, ok := r.members[key]; !ok {
		return member.ErrNotFound
	}
	for _, held := range r.roles[key] {
		if held == roleID {
			return nil
		}
	}
	r.roles[key] = append(r.roles[key], roleID)
	return nil
}

func (r *fakeMemberRepo) RemoveRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	key := memberKey{guildID, userID}
	held := r.roles[key]
	for i, id := range held {
		if id == roleID {
			r.roles[key] = append(held[:i], held[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *fakeMemberRepo) RoleIDs(_ context.Context, guildID, userID snowflake.ID) ([]snowflake.ID, error) {
	return r.roles[memberKey{guildID, userID}], nil
}

func (r *fakeMemberRepo) IsBanned(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	_, banned := r.bans[memberKey{guildID, userID}]
	return banned, nil
}

func (r *fakeMemberRepo) SetBan(_ context.Context, b *member.Ban) error {
	key := memberKey{b.GuildID, b.UserID}
	copied := *b
	r.bans[key] = &copied
	delete(r.members, key)
	delete(r.roles, key)
	return nil
}

func (r *fakeMemberRepo) RemoveBan(_ context.Context, guildID, userID snowflake.ID) error {
	key := memberKey{guildID, userID}
	if _, ok := r.bans[key]; !ok {
		return member.ErrNotFound
	}
	delete(r.bans, key)
	return nil
}

func (r *fakeMemberRepo) ListBans(_ context.Context, guildID snowflake.ID) ([]member.Ban, error) {
	var out []member.Ban
	for key, b := range r.bans {
		if key.guild == guildID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) FilterExisting(_ context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for _, c := range candidates {
		if _, ok := r.members[memberKey{guildID, c}]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Fake role repository ---

type fakeRoleRepo struct {
	byID map[snowflake.ID]*role.Role
}

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{byID: make(map[snowflake.ID]*role.Role)}
}

func (r *fakeRoleRepo) Create(_ context.Context, ro *role.Role) error {
	copied := *ro
	r.byID[ro.ID] = &copied
	return nil
}

func (r *fakeRoleRepo) Get(_ context.Context, id snowflake.ID) (*role.Role, error) {
	ro, ok := r.byID[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	return ro, nil
}

func (r *fakeRoleRepo) ListByGuild(_ context.Context, guildID snowflake.ID) ([]role.Role, error) {
	var out []role.Role
	for _, ro := range r.byID {
		if ro.GuildID == guildID {
			out = append(out, *ro)
		}
	}
	return out, nil
}

func (r *fakeRoleRepo) Update(_ context.Context, id snowflake.ID, params role.UpdateParams) (*role.Role, error) {
	ro, ok := r.byID[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	if params.Name != nil {
		ro.Name = *params.Name
	}
	if params.Position != nil {
		ro.Position = *params.Position
	}
	if params.Permissions != nil {
		ro.Permissions = *params.Permissions
	}
	if params.Color != nil {
		ro.Color = params.Color
	}
	return ro, nil
}

func (r *fakeRoleRepo) Delete(_ context.Context, id snowflake.ID) error {
	ro, ok := r.byID[id]
	if !ok {
		return role.ErrNotFound
	}
	if ro.IsEveryone() {
		return role.ErrEveryoneImmutable
	}
	delete(r.byID, id)
	return nil
}

func (r *fakeRoleRepo) FilterExisting(_ context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for _, c := range candidates {
		if ro, ok := r.byID[c]; ok && ro.GuildID == guildID {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Test app ---

const (
	testGuild = snowflake.ID(100)
	testUser  = snowflake.ID(300)
	testMod   = snowflake.ID(301)
	testRole  = snowflake.ID(400)
)

func newMemberTestApp(t *testing.T) (*fiber.App, *fakeMemberRepo, *fakeRoleRepo, *fakePublisher) {
	t.Helper()

	members := newFakeMemberRepo()
	roles := newFakeRoleRepo()
	pub := &fakePublisher{}
	handler := NewMemberHandler(members, roles, pub, zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/guilds", asUser(testMod))
	group.Get("/:guildID/members/:userID", handler.GetMember)
	group.Patch("/:guildID/members/:userID", handler.UpdateMember)
	group.Delete("/:guildID/members/:userID", handler.KickMember)
	group.Put("/:guildID/members/:userID/roles/:roleID", handler.AssignRole)
	group.Delete("/:guildID/members/:userID/roles/:roleID", handler.RemoveRole)
	group.Put("/:guildID/bans/:userID", handler.BanMember)
	group.Delete("/:guildID/bans/:userID", handler.UnbanMember)

	// Seed one member and one assignable role.
	_ = members.Add(context.Background(), &member.Member{GuildID: testGuild, UserID: testUser, JoinedAt: time.Now().UTC()})
	_ = roles.Create(context.Background(), &role.Role{ID: testRole, GuildID: testGuild, Name: "mods", Permissions: permission.ManageMessages})

	return app, members, roles, pub
}

func memberPath(parts ...string) string {
	p := "/api/v1/guilds/" + testGuild.String()
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// --- Tests ---

func TestAssignRolePublishesMemberRolesUpdated(t *testing.T) {
	t.Parallel()
	app, members, _, pub := newMemberTestApp(t)

	resp := doJSON(t, app, "PUT", memberPath("members", testUser.String(), "roles", testRole.String()), nil)
	wantStatus(t, resp, fiber.StatusNoContent)

	held, _ := members.RoleIDs(context.Background(), testGuild, testUser)
	if len(held) != 1 || held[0] != testRole {
		t.Errorf("held roles = %v, want [%d]", held, testRole)
	}
	if pub.published(bus.EventMemberRolesUpdated) != 1 {
		t.Errorf("member_roles.updated published %d times, want 1", pub.published(bus.EventMemberRolesUpdated))
	}
}

func TestAssignEveryoneRoleRejected(t *testing.T) {
	t.Parallel()
	app, _, _, pub := newMemberTestApp(t)

	// The everyone role's id equals the guild id.
	resp := doJSON(t, app, "PUT", memberPath("members", testUser.String(), "roles", testGuild.String()), nil)
	wantErrorCode(t, resp, fiber.StatusConflict, httputil.CannotModifyEveryone)
	if len(pub.events) != 0 {
		t.Errorf("events published = %v, want none", pub.events)
	}
}

func TestAssignRoleFromAnotherGuildRejected(t *testing.T) {
	t.Parallel()
	app, members, roles, _ := newMemberTestApp(t)

	foreign := snowflake.ID(999)
	_ = roles.Create(context.Background(), &role.Role{ID: foreign, GuildID: snowflake.ID(555), Name: "other"})

	resp := doJSON(t, app, "PUT", memberPath("members", testUser.String(), "roles", foreign.String()), nil)
	wantErrorCode(t, resp, fiber.StatusNotFound, httputil.NotFound)

	held, _ := members.RoleIDs(context.Background(), testGuild, testUser)
	if len(held) != 0 {
		t.Errorf("held roles = %v, want none", held)
	}
}

func TestKickPublishesMemberRemoved(t *testing.T) {
	t.Parallel()
	app, members, _, pub := newMemberTestApp(t)

	resp := doJSON(t, app, "DELETE", memberPath("members", testUser.String()), nil)
	wantStatus(t, resp, fiber.StatusNoContent)

	if _, err := members.Get(context.Background(), testGuild, testUser); err == nil {
		t.Error("member still present after kick")
	}
	if pub.published(bus.EventMemberRemoved) != 1 {
		t.Errorf("member.removed published %d times, want 1", pub.published(bus.EventMemberRemoved))
	}
}

func TestKickUnknownMemberIsNotFound(t *testing.T) {
	t.Parallel()
	app, _, _, _ := newMemberTestApp(t)

	resp := doJSON(t, app, "DELETE", memberPath("members", "777"), nil)
	wantErrorCode(t, resp, fiber.StatusNotFound, httputil.NotFound)
}

func TestBanRemovesMembershipAndPublishes(t *testing.T) {
	t.Parallel()
	app, members, _, pub := newMemberTestApp(t)

	reason := "spamming"
	resp := doJSON(t, app, "PUT", memberPath("bans", testUser.String()), BanRequest{Reason: &reason})
	wantStatus(t, resp, fiber.StatusCreated)

	if _, err := members.Get(context.Background(), testGuild, testUser); err == nil {
		t.Error("member still present after ban")
	}
	banned, _ := members.IsBanned(context.Background(), testGuild, testUser)
	if !banned {
		t.Error("ban row missing")
	}
	if pub.published(bus.EventMemberBanned) != 1 {
		t.Errorf("member.banned published %d times, want 1", pub.published(bus.EventMemberBanned))
	}
}

func TestUnbanPublishesMemberUnbanned(t *testing.T) {
	t.Parallel()
	app, members, _, pub := newMemberTestApp(t)

	_ = members.SetBan(context.Background(), &member.Ban{GuildID: testGuild, UserID: testUser, BannedBy: testMod, CreatedAt: time.Now().UTC()})

	resp := doJSON(t, app, "DELETE", memberPath("bans", testUser.String()), nil)
	wantStatus(t, resp, fiber.StatusNoContent)

	banned, _ := members.IsBanned(context.Background(), testGuild, testUser)
	if banned {
		t.Error("ban row still present after unban")
	}
	if pub.published(bus.EventMemberUnbanned) != 1 {
		t.Errorf("member.unbanned published %d times, want 1", pub.published(bus.EventMemberUnbanned))
	}
}

func TestUpdateNicknamePublishesMemberUpdated(t *testing.T) {
	t.Parallel()
	app, _, _, pub := newMemberTestApp(t)

	nick := "lancer"
	resp := doJSON(t, app, "PATCH", memberPath("members", testUser.String()), NicknameRequest{Nickname: &nick})
	wantStatus(t, resp, fiber.StatusOK)

	var m member.Member
	decodeData(t, resp, &m)
	if m.Nickname == nil || *m.Nickname != nick {
		t.Errorf("nickname = %v, want %q", m.Nickname, nick)
	}
	if pub.published(bus.EventMemberUpdated) != 1 {
		t.Errorf("member.updated published %d times, want 1", pub.published(bus.EventMemberUpdated))
	}
}
