package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// Lifecycle 是诊断接口需要的生命周期视图，由 lifecycle.Controller 实现。
type Lifecycle interface {
	Status() lifecycle.Status
	CurrentStore() cache.Store
}

// Dependencies 汇总诊断接口依赖；Diagnostics 与 Metrics 为空时对应接口不注册。
type Dependencies struct {
	Lifecycle   Lifecycle
	Storage     cache.Storage
	Diagnostics *diag.Ring
	Metrics     *metrics.Recorder
}

// RegisterDiagnosticRoutes 暴露 /-/status、/-/stores/:name、/-/diagnostics 与 /-/metrics。
func RegisterDiagnosticRoutes(app *fiber.App, deps Dependencies) {
	if app == nil || deps.Lifecycle == nil || deps.Storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		names, err := deps.Storage.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_stores_failed"})
		}
		payload := statusPayload{
			Lifecycle: deps.Lifecycle.Status(),
			Stores:    names,
		}
		if store := deps.Lifecycle.CurrentStore(); store != nil {
			if keys, err := store.Keys(c.Context()); err == nil {
				payload.Entries = len(keys)
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/stores/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		store, ok, err := deps.Storage.Lookup(c.Context(), name)
		if err != nil && !errors.Is(err, cache.ErrInvalidStoreName) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "open_store_failed"})
		}
		if err != nil || !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_not_found"})
		}
		keys, err := store.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_entries_failed"})
		}
		return c.JSON(storePayload{Name: name, Entries: encodeKeys(keys)})
	})

	if deps.Diagnostics != nil {
		app.Get("/-/diagnostics", func(c fiber.Ctx) error {
			return c.JSON(fiber.Map{"entries": deps.Diagnostics.Entries()})
		})
	}

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}
}

type statusPayload struct {
	Lifecycle lifecycle.Status `json:"lifecycle"`
	Stores    []string         `json:"stores"`
	Entries   int              `json:"entries"`
}

type storePayload struct {
	Name    string         `json:"name"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeKeys(keys []cache.RequestKey) []entryPayload {
	result := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, entryPayload{Method: key.Method, URL: key.URL})
	}
	return result
}
