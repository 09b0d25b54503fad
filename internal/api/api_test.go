package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// fakePublisher records published events instead of touching a broker.
type fakePublisher struct {
	events   []string
	payloads []any
}

func (p *fakePublisher) Publish(_ context.Context, eventType, _ string, data any) (*bus.Envelope, error) {
	p.events = append(p.events, eventType)
	p.payloads = append(p.payloads, data)
	return &bus.Envelope{ID: uuid.New(), Type: eventType}, nil
}

func (p *fakePublisher) published(eventType string) int {
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// asUser returns middleware that injects an authenticated identity the way
// auth.RequireAuth does.
func asUser(id snowflake.ID) fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Locals("userID", id)
		c.Locals("sessionID", uuid.New())
		return c.Next()
	}
}

// doJSON performs a request with an optional JSON body against the app.
func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// decodeError reads the error envelope of a failed response.
func decodeError(t *testing.T, resp *http.Response) httputil.ErrorBody {
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
	return decoded.Error
}

// decodeData reads the data envelope of a successful response into out.
func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal success envelope %s: %v", raw, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("unmarshal data %s: %v", envelope.Data, err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func wantErrorCode(t *testing.T, resp *http.Response, status int, code httputil.Code) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	if got := decodeError(t, resp); got.Code != code {
		t.Fatalf("error code = %s, want %s", got.Code, code)
	}
}
