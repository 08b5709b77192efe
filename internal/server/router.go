package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const contextKeyRequestID = "_flexstream_request_id"

// AppOptions controls how the Fiber application should behave. The relay
// handlers are injected as plain fiber.Handler values so tests can swap them.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      fiber.Handler
	Stats      fiber.Handler
	ClearCache fiber.Handler
	RateLimit  fiber.Handler
	Metrics    http.Handler
	AssetRoot  string
	ListenPort int
}

// NewApp builds the Fiber application with request-ID/CORS middleware, the
// proxy and diagnostics routes, and the static asset fallback.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.Stats == nil || opts.ClearCache == nil {
		return nil, errors.New("api handlers are required")
	}
	if opts.AssetRoot == "" {
		return nil, errors.New("asset root is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(corsMiddleware())
	if opts.RateLimit != nil {
		app.Use(opts.RateLimit)
	}

	app.Get("/proxy", opts.Proxy)
	app.Head("/proxy", opts.Proxy)
	app.Get("/api/stats", opts.Stats)
	app.Get("/api/clear-cache", opts.ClearCache)
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	app.All("/*", staticHandler(opts.AssetRoot, opts.Logger))

	return app, nil
}

// requestIDMiddleware 为每个请求生成并回写 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// corsMiddleware 放行任意来源的 GET/HEAD/OPTIONS，预检请求直接以 200 短路。
func corsMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Range, Content-Type, Origin, Accept")
		c.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
		c.Set("Access-Control-Max-Age", "86400")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusOK)
		}
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
