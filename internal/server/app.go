package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PackageHandler describes the component serving package GETs and the signed
// wanted-packages POST. It allows injecting fake handlers during tests.
type PackageHandler interface {
	HandleGet(fiber.Ctx) error
	HandlePost(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    PackageHandler
	ListenPort int
}

const contextKeyRequestID = "_cpcache_request_id"

// maxPostBody 限制 wanted-packages 上传的大小；超过时 fasthttp 直接回 413。
const maxPostBody = 500_000

// robotsBody 对所有爬虫关闭抓取。
const robotsBody = "User-agent: *\nDisallow: /\n"

// NewApp builds the Fiber application: recover + request-ID middleware, the
// fixed top-level routes, the package GET catch-all and the upload POST.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("package handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ServerHeader:  "cpcache",
		BodyLimit:     maxPostBody,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString("OK")
	})
	app.Get("/robots.txt", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString(robotsBody)
	})
	app.Get("/favicon.ico", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	app.Post("/:hostname", func(c fiber.Ctx) error {
		return opts.Handler.HandlePost(c)
	})
	app.Get("/*", func(c fiber.Ctx) error {
		return opts.Handler.HandleGet(c)
	})

	return app, nil
}

// requestIDMiddleware 负责生成请求 ID，供日志与响应头复用。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
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

// ListenNetwork 根据 ipv6_enabled 选择监听的地址族。
func ListenNetwork(ipv6Enabled bool) string {
	if ipv6Enabled {
		return fiber.NetworkTCP
	}
	return fiber.NetworkTCP4
}
