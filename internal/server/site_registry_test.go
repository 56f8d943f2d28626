package server

import (
	"testing"

	"github.com/offline-hub/offline-hub/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites: []config.SiteConfig{
			{
				Name:     "shopsync",
				Domain:   "shopsync.local",
				Upstream: "https://shopsync.example.com/",
			},
			{
				Name:     "admin",
				Domain:   "Admin.Local.",
				Upstream: "https://admin.example.com",
			},
		},
	}
}

func TestSiteRegistryLookupByHost(t *testing.T) {
	cfg := testConfig()
	registry, err := NewSiteRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("shopsync.local")
	if !ok {
		t.Fatalf("expected shopsync route")
	}
	if route.Config.Name != "shopsync" {
		t.Errorf("wrong site returned: %s", route.Config.Name)
	}
	if route.Origin() != "https://shopsync.example.com" {
		t.Errorf("unexpected origin: %s", route.Origin())
	}
	if route.UpstreamURL.Host != "shopsync.example.com" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}
	if route.Runtime != nil {
		t.Fatalf("未提供运行时时应为 nil")
	}

	if _, ok := registry.Lookup("admin.local"); !ok {
		t.Fatalf("域名应忽略大小写与末尾的点")
	}
	if _, ok := registry.Site("admin"); !ok {
		t.Fatalf("expected lookup by name")
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestSiteRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewSiteRegistry(testConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("shopsync.local:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
}

func TestSiteRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testConfig()
	cfg.Sites[1].Domain = "shopsync.local"
	if _, err := NewSiteRegistry(cfg, nil); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}
