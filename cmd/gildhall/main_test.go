package main

import (
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/gildhall-chat/gildhall-server/internal/httputil"
)

func TestFiberStatusToAPICode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   httputil.Code
	}{
		{fiber.StatusNotFound, httputil.NotFound},
		{fiber.StatusTooManyRequests, httputil.RateLimited},
		{fiber.StatusServiceUnavailable, httputil.ServiceUnavailable},
		{fiber.StatusMethodNotAllowed, httputil.ValidationError},
		{fiber.StatusBadGateway, httputil.InternalError},
	}
	for _, tc := range cases {
		if got := fiberStatusToAPICode(tc.status); got != tc.want {
			t.Errorf("fiberStatusToAPICode(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}
