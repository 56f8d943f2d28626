package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
)

// SiteRoute 将站点配置、解析后的 Upstream 与站点运行时聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// Runtime 驱动该站点的 worker 生命周期。
	Runtime *lifecycle.Runtime
}

// Origin 返回缓存键计算所使用的 origin（不带末尾斜杠）。
func (r *SiteRoute) Origin() string {
	return r.Config.Origin()
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射；runtimes 以站点名索引，缺失时该站点只做透传。
func NewSiteRegistry(cfg *config.Config, runtimes map[string]*lifecycle.Runtime) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		upstreamURL, err := url.Parse(site.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
		}

		route := &SiteRoute{
			Config:      site,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
			Runtime:     runtimes[site.Name],
		}
		registry.routes[normalizedHost] = route
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Site 按站点名查找，供诊断接口使用。
func (r *SiteRegistry) Site(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 按配置定义的顺序返回全部站点。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
