package server

import (
	"context"
	"time"

	"github.com/flowbaker/flowdispatch/internal/auth"
	"github.com/flowbaker/flowdispatch/internal/controllers"
	"github.com/flowbaker/flowdispatch/internal/middlewares"
	"github.com/flowbaker/flowdispatch/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/rs/zerolog/log"
)

type HTTPServerDependencies struct {
	DispatchController *controllers.DispatchController
	// TokenVerifier is nil when no jwt secret is configured.
	TokenVerifier *auth.TokenVerifier
}

func NewHTTPServer(ctx context.Context, deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "flowdispatch",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "flowdispatch",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	v1 := router.Group("/v1")

	if deps.TokenVerifier != nil {
		v1.Use(middlewares.BearerAuthMiddleware(deps.TokenVerifier))
	} else {
		log.Warn().Msg("No jwt secret configured, requests are not authenticated")
		v1.Use(middlewares.AnonymousMiddleware())
	}

	v1.Post("/dispatch", deps.DispatchController.Dispatch)

	v1.Get("/interactive/:chatID", deps.DispatchController.GetInteractive)
	v1.Delete("/interactive/:chatID", deps.DispatchController.DeleteInteractive)

	v1.Get("/apps/:appID", deps.DispatchController.GetApp)
	v1.Put("/apps/:appID", deps.DispatchController.SaveApp)

	v1.Delete("/tools/cache", deps.DispatchController.InvalidateToolCache)

	return router
}
