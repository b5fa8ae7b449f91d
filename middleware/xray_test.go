package middleware

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type ctxKey string

func TestGetXRayContext(t *testing.T) {
	app := fiber.New()

	traced := context.WithValue(context.Background(), ctxKey("trace"), "seg-1")
	app.Get("/traced", func(c *fiber.Ctx) error {
		c.Locals("xray-ctx", traced)
		ctx := GetXRayContext(c)
		if ctx.Value(ctxKey("trace")) != "seg-1" {
			t.Error("stored segment context not returned")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	// Without a segment local (middleware skipped, e.g. /health) the
	// fallback is a plain background context.
	app.Get("/plain", func(c *fiber.Ctx) error {
		ctx := GetXRayContext(c)
		if ctx == nil || ctx.Value(ctxKey("trace")) != nil {
			t.Error("expected background context fallback")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	for _, path := range []string{"/traced", "/plain"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
