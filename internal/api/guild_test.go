package api

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/guild"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// --- Fake guild repository ---

type fakeGuildRepo struct {
	byID       map[snowflake.ID]*guild.Guild
	lastCreate guild.CreateParams
}

func newFakeGuildRepo() *fakeGuildRepo {
	return &fakeGuildRepo{byID: make(map[snowflake.ID]*guild.Guild)}
}

func (r *fakeGuildRepo) Create(_ context.Context, params guild.CreateParams) error {
	r.lastCreate = params
	copied := *params.Guild
	r.byID[params.Guild.ID] = &copied
	return nil
}

func (r *fakeGuildRepo) Get(_ context.Context, id snowflake.ID) (*guild.Guild, error) {
	g, ok := r.byID[id]
	if !ok || g.DeletedAt != nil {
		return nil, guild.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (r *fakeGuildRepo) UpdateName(_ context.Context, id snowflake.ID, name string) (*guild.Guild, error) {
	g, ok := r.byID[id]
	if !ok || g.DeletedAt != nil {
		return nil, guild.ErrNotFound
	}
	g.Name = name
	copied := *g
	return &copied, nil
}

func (r *fakeGuildRepo) SoftDelete(_ context.Context, id snowflake.ID) error {
	g, ok := r.byID[id]
	if !ok || g.DeletedAt != nil {
		return guild.ErrNotFound
	}
	now := time.Now().UTC()
	g.DeletedAt = &now
	return nil
}

func (r *fakeGuildRepo) ListForUser(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for id, g := range r.byID {
		if g.OwnerID == userID && g.DeletedAt == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- Test app ---

func newGuildTestApp(t *testing.T, as snowflake.ID) (*fiber.App, *fakeGuildRepo, *fakePublisher) {
	t.Helper()

	guilds := newFakeGuildRepo()
	pub := &fakePublisher{}
	gen, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	handler := NewGuildHandler(guilds, gen, pub, zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/guilds", asUser(as))
	group.Post("/", handler.CreateGuild)
	group.Get("/:guildID", handler.GetGuild)
	group.Patch("/:guildID", handler.UpdateGuild)
	group.Delete("/:guildID", handler.DeleteGuild)

	return app, guilds, pub
}

// --- Tests ---

func TestCreateGuildWiresDefaults(t *testing.T) {
	t.Parallel()
	app, guilds, pub := newGuildTestApp(t, testUser)

	resp := doJSON(t, app, "POST", "/api/v1/guilds/", GuildRequest{Name: "The Hall"})
	wantStatus(t, resp, fiber.StatusCreated)

	var g guild.Guild
	decodeData(t, resp, &g)
	if g.OwnerID != testUser {
		t.Errorf("owner = %d, want %d", g.OwnerID, testUser)
	}
	if g.Name != "The Hall" {
		t.Errorf("name = %q, want The Hall", g.Name)
	}

	params := guilds.lastCreate
	if params.EveryonePerms != int64(permission.DefaultEveryone) {
		t.Errorf("everyone permissions = %d, want %d", params.EveryonePerms, int64(permission.DefaultEveryone))
	}
	if params.DefaultChannel.IsZero() || params.DefaultChannel == g.ID {
		t.Errorf("default channel id = %d, want a fresh id distinct from the guild's", params.DefaultChannel)
	}
	if pub.published(bus.EventGuildCreated) != 1 {
		t.Errorf("guild.created published %d times, want 1", pub.published(bus.EventGuildCreated))
	}
}

func TestCreateGuildSanitisesName(t *testing.T) {
	t.Parallel()
	app, _, _ := newGuildTestApp(t, testUser)

	resp := doJSON(t, app, "POST", "/api/v1/guilds/", GuildRequest{Name: "<script>x</script>  Hall "})
	wantStatus(t, resp, fiber.StatusCreated)

	var g guild.Guild
	decodeData(t, resp, &g)
	if g.Name != "Hall" {
		t.Errorf("name = %q, want markup stripped and trimmed", g.Name)
	}

	resp = doJSON(t, app, "POST", "/api/v1/guilds/", GuildRequest{Name: "<b></b>"})
	wantErrorCode(t, resp, fiber.StatusBadRequest, httputil.ValidationError)
}

func TestDeleteGuildOwnerOnly(t *testing.T) {
	t.Parallel()
	app, guilds, pub := newGuildTestApp(t, testUser)

	resp := doJSON(t, app, "POST", "/api/v1/guilds/", GuildRequest{Name: "Mine"})
	wantStatus(t, resp, fiber.StatusCreated)
	var g guild.Guild
	decodeData(t, resp, &g)

	// A different authenticated user may not delete it.
	otherApp := fiber.New()
	otherGroup := otherApp.Group("/api/v1/guilds", asUser(testMod))
	gen, _ := snowflake.NewGenerator(2)
	otherHandler := NewGuildHandler(guilds, gen, pub, zerolog.Nop())
	otherGroup.Delete("/:guildID", otherHandler.DeleteGuild)

	resp = doJSON(t, otherApp, "DELETE", "/api/v1/guilds/"+g.ID.String(), nil)
	wantErrorCode(t, resp, fiber.StatusForbidden, httputil.NotGuildOwner)
	if pub.published(bus.EventGuildDeleted) != 0 {
		t.Error("guild.deleted published for a forbidden delete")
	}

	// The owner can.
	resp = doJSON(t, app, "DELETE", "/api/v1/guilds/"+g.ID.String(), nil)
	wantStatus(t, resp, fiber.StatusNoContent)
	if _, err := guilds.Get(context.Background(), g.ID); err == nil {
		t.Error("guild still readable after soft delete")
	}
	if pub.published(bus.EventGuildDeleted) != 1 {
		t.Errorf("guild.deleted published %d times, want 1", pub.published(bus.EventGuildDeleted))
	}
}

func TestGetUnknownGuildIsNotFound(t *testing.T) {
	t.Parallel()
	app, _, _ := newGuildTestApp(t, testUser)

	resp := doJSON(t, app, "GET", "/api/v1/guilds/424242", nil)
	wantErrorCode(t, resp, fiber.StatusNotFound, httputil.NotFound)

	resp = doJSON(t, app, "GET", "/api/v1/guilds/not-an-id", nil)
	wantErrorCode(t, resp, fiber.StatusBadRequest, httputil.InvalidID)
}
