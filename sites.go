package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// siteRuntime 绑定单个站点的配置、存储与生命周期运行时。
type siteRuntime struct {
	config  config.SiteConfig
	storage cache.Storage
	runtime *lifecycle.Runtime
}

// buildSites 为每个站点打开存储并注册首个 worker 版本。
// 清单或 shell 无效视为配置错误；安装失败只记录日志，该站点退化为透传。
func buildSites(ctx context.Context, cfg *config.Config, fsys afero.Fs, network worker.Network, logger *logrus.Logger) ([]*siteRuntime, error) {
	sites := make([]*siteRuntime, 0, len(cfg.Sites))
	for _, site := range cfg.Sites {
		m, shell, err := loadSiteManifest(fsys, site)
		if err != nil {
			closeSites(sites)
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}

		storage, err := openStorage(cfg.Global, site)
		if err != nil {
			closeSites(sites)
			return nil, fmt.Errorf("site %s storage: %w", site.Name, err)
		}

		rt, err := lifecycle.New(lifecycle.Options{
			Site:   site.Name,
			Origin: site.Origin(),
			Buckets: worker.Buckets{
				Staging:  site.StagingCache,
				Content:  site.ContentCache,
				Manifest: site.ManifestCache,
			},
			Storage:     storage,
			Network:     network,
			Logger:      logger,
			Concurrency: cfg.Global.OfflineConcurrency,
		})
		if err != nil {
			_ = storage.Close()
			closeSites(sites)
			return nil, fmt.Errorf("site %s runtime: %w", site.Name, err)
		}

		entry := &siteRuntime{config: site, storage: storage, runtime: rt}
		sites = append(sites, entry)

		if err := rt.Register(ctx, m, shell); err != nil {
			fields := logging.SiteFields(site.Name, site.Domain, "")
			fields["action"] = "register"
			logger.WithFields(fields).WithError(err).Error("站点 worker 注册失败，请求将直接透传")
		}
	}
	return sites, nil
}

// loadSiteManifest 读取站点清单并校验 shell 列表。
func loadSiteManifest(fsys afero.Fs, site config.SiteConfig) (manifest.Manifest, manifest.Shell, error) {
	m, err := manifest.Load(fsys, site.ManifestPath)
	if err != nil {
		return nil, nil, err
	}
	shell := manifest.NewShell(site.Shell)
	if err := m.Validate(shell); err != nil {
		return nil, nil, err
	}
	return m, shell, nil
}

// openStorage 按驱动创建站点存储：fs 为 <StoragePath>/<site>/，bolt 为 <StoragePath>/<site>.db。
func openStorage(global config.GlobalConfig, site config.SiteConfig) (cache.Storage, error) {
	opts := cache.Options{
		Compress:          global.CompressEntries,
		CompressThreshold: global.CompressThreshold,
	}
	switch global.StorageDriver {
	case config.StorageDriverBolt:
		return cache.NewBoltStorage(filepath.Join(global.StoragePath, site.Name+".db"), opts)
	default:
		return cache.NewFSStorage(afero.NewOsFs(), filepath.Join(global.StoragePath, site.Name), opts)
	}
}

// reload 重新读取清单并注册新版本；版本未变化时 Register 不做任何事。
func (s *siteRuntime) reload(ctx context.Context, fsys afero.Fs, logger *logrus.Logger) {
	fields := logging.SiteFields(s.config.Name, s.config.Domain, "")
	fields["action"] = "manifest_reload"

	m, shell, err := loadSiteManifest(fsys, s.config)
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("清单重新加载失败，保留当前版本")
		return
	}
	if err := s.runtime.Register(ctx, m, shell); err != nil {
		logger.WithFields(fields).WithError(err).Error("新版本安装失败，保留当前版本")
		return
	}
	logger.WithFields(fields).Info("清单重新加载完成")
}

// watchManifests 监听全部站点的清单文件，变更后重新注册。
func watchManifests(ctx context.Context, sites []*siteRuntime, fsys afero.Fs, logger *logrus.Logger) (*manifest.Watcher, error) {
	byName := make(map[string]*siteRuntime, len(sites))
	targets := make(map[string]string, len(sites))
	for _, site := range sites {
		byName[site.config.Name] = site
		targets[site.config.Name] = site.config.ManifestPath
	}

	watcher, err := manifest.NewWatcher(targets, func(name string) {
		if site, ok := byName[name]; ok {
			site.reload(ctx, fsys, logger)
		}
	}, logger)
	if err != nil {
		return nil, err
	}
	go watcher.Run(ctx)
	return watcher, nil
}

func runtimesOf(sites []*siteRuntime) map[string]*lifecycle.Runtime {
	result := make(map[string]*lifecycle.Runtime, len(sites))
	for _, site := range sites {
		result[site.config.Name] = site.runtime
	}
	return result
}

func closeSites(sites []*siteRuntime) {
	for _, site := range sites {
		_ = site.storage.Close()
	}
}
