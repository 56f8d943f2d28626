package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
)

// Forwarder 包装站点 handler，把缺失 handler 与 handler panic 转换为结构化的 500 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时每个请求都返回 handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logHandlerError(route, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logHandlerError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site handler unavailable")
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	fields := logrus.Fields{"site": "", "domain": ""}
	if route != nil {
		fields = logging.SiteFields(route.Config.Name, route.Config.Domain, "")
		delete(fields, "version")
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
