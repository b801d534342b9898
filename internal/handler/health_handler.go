package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/sendit/internal/observability"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// Check is one dependency pinged by /readyz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

func PostgresCheck(sqlDB *sql.DB) Check {
	return Check{Name: "postgres", Ping: sqlDB.PingContext}
}

func RedisCheck(rdb *redis.Client) Check {
	return Check{Name: "redis", Ping: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
}

// RegisterHealthRoutes mounts /livez, /readyz over checks and, when metrics
// is set, /metrics.
func RegisterHealthRoutes(app fiber.Router, metrics *observability.Metrics, checks ...Check) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks...))
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler pings every check concurrently and answers 503 when any
// of them fails.
func ReadyzHandler(checks ...Check) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		results := make([]string, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				results[i] = "ok"
				if err := check.Ping(ctx); err != nil {
					results[i] = "down"
				}
				return nil
			})
		}
		_ = g.Wait()

		status := "ready"
		statusCode := fiber.StatusOK
		report := fiber.Map{}
		for i, check := range checks {
			report[check.Name] = results[i]
			if results[i] != "ok" {
				status = "not_ready"
				statusCode = fiber.StatusServiceUnavailable
			}
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": report,
		})
	}
}
