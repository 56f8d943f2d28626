package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/upstream"
	"github.com/offline-hub/offline-hub/internal/worker"
)

func newSiteFixture(t *testing.T, driver string) (*config.Config, afero.Fs) {
	t.Helper()
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "body of "+r.URL.Path)
	}))
	t.Cleanup(upstreamSrv.Close)

	fsys := afero.NewMemMapFs()
	_ = afero.WriteFile(fsys, "/srv/shopsync/manifest.json", []byte(`{"/":"a","index.html":"a","main.dart.js":"b"}`), 0o644)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StoragePath:        t.TempDir(),
			StorageDriver:      driver,
			CompressEntries:    true,
			CompressThreshold:  4,
			OfflineConcurrency: 2,
		},
		Sites: []config.SiteConfig{{
			Name:          "shopsync",
			Domain:        "shopsync.local",
			Upstream:      upstreamSrv.URL,
			ManifestPath:  "/srv/shopsync/manifest.json",
			Shell:         []string{"index.html"},
			StagingCache:  config.DefaultStagingCache,
			ContentCache:  config.DefaultContentCache,
			ManifestCache: config.DefaultManifestCache,
		}},
	}
	return cfg, fsys
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildSitesRegistersWorkers(t *testing.T) {
	for _, driver := range []string{config.StorageDriverFS, config.StorageDriverBolt} {
		t.Run(driver, func(t *testing.T) {
			cfg, fsys := newSiteFixture(t, driver)
			sites, err := buildSites(context.Background(), cfg, fsys, upstream.NewClient(nil), quietLogger())
			if err != nil {
				t.Fatalf("buildSites error: %v", err)
			}
			defer closeSites(sites)

			if len(sites) != 1 {
				t.Fatalf("expected 1 site, got %d", len(sites))
			}
			status := sites[0].runtime.Status()
			if status.Active == nil || status.Active.State != lifecycle.StateActivated {
				t.Fatalf("站点 worker 应已激活: %+v", status)
			}

			result, err := sites[0].runtime.Fetch(context.Background(), cache.NewRequest(cfg.Sites[0].Origin()+"/index.html"))
			if err != nil || result.Source != worker.SourceCache || string(result.Response.Body) != "body of /index.html" {
				t.Fatalf("shell 应已缓存: %+v %v", result, err)
			}

			expected := filepath.Join(cfg.Global.StoragePath, "shopsync")
			if driver == config.StorageDriverBolt {
				expected += ".db"
			}
			if ok, _ := afero.Exists(afero.NewOsFs(), expected); !ok {
				t.Fatalf("存储路径 %s 不存在", expected)
			}
		})
	}
}

func TestBuildSitesFailsOnMissingManifest(t *testing.T) {
	cfg, fsys := newSiteFixture(t, config.StorageDriverFS)
	cfg.Sites[0].ManifestPath = "/srv/missing.json"
	if _, err := buildSites(context.Background(), cfg, fsys, upstream.NewClient(nil), quietLogger()); err == nil {
		t.Fatalf("清单缺失应返回错误")
	}
}

func TestSiteReloadRegistersNewVersion(t *testing.T) {
	cfg, fsys := newSiteFixture(t, config.StorageDriverFS)
	sites, err := buildSites(context.Background(), cfg, fsys, upstream.NewClient(nil), quietLogger())
	if err != nil {
		t.Fatalf("buildSites error: %v", err)
	}
	defer closeSites(sites)
	first := sites[0].runtime.Status().Active.Version

	_ = afero.WriteFile(fsys, "/srv/shopsync/manifest.json", []byte(`{"/":"a2","index.html":"a2","main.dart.js":"b"}`), 0o644)
	sites[0].reload(context.Background(), fsys, quietLogger())

	status := sites[0].runtime.Status()
	if status.Active.Version == first {
		t.Fatalf("清单变化后应激活新版本")
	}
	if status.LastActivation.Mode != worker.ActivationUpgrade {
		t.Fatalf("期望 upgrade，得到 %+v", status.LastActivation)
	}
}
