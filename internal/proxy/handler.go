package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/upstream"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// SourceHeader 标记响应来自缓存、网络还是直接透传。
const SourceHeader = "X-Offline-Hub-Source"

const sourceBypass = "bypass"

// Handler 把站点请求交给 worker 运行时拦截，未拦截的请求原样透传给上游。
type Handler struct {
	client *upstream.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared upstream client and logger.
func NewHandler(client *upstream.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 先尝试由 worker 拦截，拦截失败返回 502，未拦截则透传。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if route.Runtime != nil {
		req := cache.Request{Method: c.Method(), URL: route.Origin() + c.OriginalURL()}
		result, err := route.Runtime.Fetch(ctx, req)
		if result.Handled {
			if err != nil {
				h.logResult(route, result.Key, "", requestID, 0, started, err)
				return h.writeError(c, fiber.StatusBadGateway, "upstream_unavailable")
			}
			return h.serveResult(c, route, result, requestID, started)
		}
	}

	return h.forward(ctx, c, route, requestID, started)
}

func (h *Handler) serveResult(c fiber.Ctx, route *server.SiteRoute, result worker.FetchResult, requestID string, started time.Time) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(SourceHeader, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, result.Key, string(result.Source), requestID, resp.Status, started, nil)
	return c.Send(resp.Body)
}

func (h *Handler) forward(ctx context.Context, c fiber.Ctx, route *server.SiteRoute, requestID string, started time.Time) error {
	target := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := h.buildUpstreamRequest(ctx, c, route, target)
	if err != nil {
		h.logResult(route, "", sourceBypass, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Forward(ctx, req)
	if err != nil {
		h.logResult(route, "", sourceBypass, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, sourceBypass)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, "", sourceBypass, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, "", sourceBypass, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(route *server.SiteRoute, key, source, requestID string, status int, started time.Time, err error) {
	fields := logging.FetchFields(route.Config.Name, key, source, source == string(worker.SourceCache))
	fields["action"] = "proxy"
	fields["domain"] = route.Config.Domain
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := path.Clean("/" + string(uri.Path()))
	relative := &url.URL{Path: clean, RawPath: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
