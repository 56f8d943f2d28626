package routes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断接口：查询站点 worker 状态并投递控制命令。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": encodeSites(registry.List())})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := registry.Site(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return c.JSON(encodeSite(route))
	})

	app.Post("/-/sites/:name/messages", func(c fiber.Ctx) error {
		route, ok := registry.Site(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}

		var payload messagePayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		cmd, err := worker.ParseCommand(payload.Command)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_command"})
		}
		if route.Runtime == nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_worker"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := route.Runtime.PostMessage(ctx, cmd)
		fields := logrus.Fields{
			"action":     "message",
			"site":       route.Config.Name,
			"command":    string(cmd),
			"request_id": server.RequestID(c),
		}
		switch {
		case err == nil:
			if logger != nil {
				fields["fetched"] = result.Fetched
				logger.WithFields(fields).Info("消息处理完成")
			}
			return c.Status(fiber.StatusAccepted).JSON(result)
		case errors.Is(err, worker.ErrUnknownCommand):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_command"})
		case errors.Is(err, lifecycle.ErrNoActiveWorker):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_worker"})
		default:
			if logger != nil {
				logger.WithFields(fields).WithError(err).Error("消息处理失败")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "message_failed",
				"detail": err.Error(),
			})
		}
	})
}

type messagePayload struct {
	Command string `json:"command"`
}

type sitePayload struct {
	Name     string            `json:"name"`
	Domain   string            `json:"domain"`
	Upstream string            `json:"upstream"`
	Port     int               `json:"port"`
	Shell    int               `json:"shell_entries"`
	Status   *lifecycle.Status `json:"status,omitempty"`
}

func encodeSites(routes []*server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeSite(route))
	}
	return result
}

func encodeSite(route *server.SiteRoute) sitePayload {
	payload := sitePayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Upstream: route.Origin(),
		Port:     route.ListenPort,
		Shell:    len(route.Config.Shell),
	}
	if route.Runtime != nil {
		status := route.Runtime.Status()
		payload.Status = &status
	}
	return payload
}
