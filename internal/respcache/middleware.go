package respcache

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

// Middleware serves GET requests from cache while fresh and stores 2xx
// responses. Other methods pass through untouched.
func Middleware(cache *Cache, log *slog.Logger) fiber.Handler {
	log = log.With("component", "respcache")

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet {
			return c.Next()
		}

		key := c.OriginalURL()
		if e, ok := cache.Get(key); ok {
			log.Debug("cache hit", slog.String("key", key))
			c.Set(fiber.HeaderContentType, e.ContentType)
			return c.Status(e.Status).Send(e.Body)
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status < fiber.StatusOK || status >= fiber.StatusMultipleChoices {
			return nil
		}
		cache.Put(key, Entry{
			Status:      status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        append([]byte(nil), c.Response().Body()...),
		})
		return nil
	}
}
