package permission

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// newMiddlewareApp wires a resolver over the fake store into a test route
// protected by the middleware under test, with an auth stub injecting the
// caller identity.
func newMiddlewareApp(store *fakeStore, handler fiber.Handler, as snowflake.ID) *fiber.App {
	resolver := NewResolver(store, newFakeCache(), zerolog.Nop())

	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		if !as.IsZero() {
			c.Locals("userID", as)
		}
		return c.Next()
	})
	app.Get("/channels/:channelID", RequireChannelPermission(resolver, SendMessages), handler)
	app.Get("/guilds/:guildID", RequireGuildPermission(resolver, ManageGuild), handler)
	return app
}

func okHandler(c fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

func request(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func errorCode(t *testing.T, resp *http.Response) httputil.Code {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded httputil.ErrorResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", raw, err)
	}
	return decoded.Error.Code
}

func TestRequireChannelPermissionAllows(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel | SendMessages}}
	app := newMiddlewareApp(store, okHandler, userID)

	resp := request(t, app, "/channels/"+channelID.String())
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRequireChannelPermissionDenies(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel}}
	app := newMiddlewareApp(store, okHandler, userID)

	resp := request(t, app, "/channels/"+channelID.String())
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httputil.MissingPermission {
		t.Errorf("error code = %s, want MISSING_PERMISSION", code)
	}
}

func TestRequireChannelPermissionMissingEntityIsNotFound(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.refErr = ErrNotFound
	app := newMiddlewareApp(store, okHandler, userID)

	// Missing entities must surface as 404, never 403, so a denied caller
	// cannot probe for existence.
	resp := request(t, app, "/channels/"+channelID.String())
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != httputil.NotFound {
		t.Errorf("error code = %s, want NOT_FOUND", code)
	}
}

func TestRequireChannelPermissionRejectsBadInput(t *testing.T) {
	t.Parallel()
	store := testStore()

	t.Run("unauthenticated", func(t *testing.T) {
		t.Parallel()
		app := newMiddlewareApp(store, okHandler, 0)
		resp := request(t, app, "/channels/"+channelID.String())
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("malformed channel id", func(t *testing.T) {
		t.Parallel()
		app := newMiddlewareApp(store, okHandler, userID)
		resp := request(t, app, "/channels/not-an-id")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestRequireGuildPermission(t *testing.T) {
	t.Parallel()

	t.Run("owner passes", func(t *testing.T) {
		t.Parallel()
		store := testStore()
		store.ownerID = userID
		app := newMiddlewareApp(store, okHandler, userID)
		resp := request(t, app, "/guilds/"+guildID.String())
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("member without bit denied", func(t *testing.T) {
		t.Parallel()
		store := testStore()
		store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel}}
		app := newMiddlewareApp(store, okHandler, userID)
		resp := request(t, app, "/guilds/"+guildID.String())
		if resp.StatusCode != fiber.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("non-member gets not found", func(t *testing.T) {
		t.Parallel()
		store := testStore()
		store.entriesErr = ErrNotFound
		app := newMiddlewareApp(store, okHandler, userID)
		resp := request(t, app, "/guilds/"+guildID.String())
		if resp.StatusCode != fiber.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}
