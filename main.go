package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/upstream"
	"github.com/offline-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	generateDir string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if opts.generateDir != "" {
		return runGenerate(afero.NewOsFs(), opts.generateDir)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fsys := afero.NewOsFs()
	if opts.checkOnly {
		for _, site := range cfg.Sites {
			if _, _, err := loadSiteManifest(fsys, site); err != nil {
				fmt.Fprintf(stdErr, "站点 %s 清单无效: %v\n", site.Name, err)
				return 1
			}
		}
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 站点存储与 worker 安装 → SiteRegistry → Fiber server。
	client := upstream.NewClient(upstream.NewHTTPClient(cfg.Global.UpstreamTimeout.DurationValue()))
	sites, err := buildSites(ctx, cfg, fsys, client, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}
	defer closeSites(sites)

	registry, err := server.NewSiteRegistry(cfg, runtimesOf(sites))
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	if cfg.Global.WatchManifests {
		watcher, err := watchManifests(ctx, sites, fsys, logger)
		if err != nil {
			fmt.Fprintf(stdErr, "监听清单失败: %v\n", err)
			return 1
		}
		defer watcher.Close()
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	forwarder := proxy.NewForwarder(proxy.NewHandler(client, logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		generateDir string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&generateDir, "generate-manifest", "", "为构建目录生成资源清单并输出到 stdout")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		generateDir: generateDir,
	}, nil
}

// runGenerate 输出构建目录的清单 JSON。
func runGenerate(fsys afero.Fs, dir string) int {
	m, err := manifest.Generate(fsys, dir, manifest.GenerateOptions{})
	if err != nil {
		fmt.Fprintf(stdErr, "生成清单失败: %v\n", err)
		return 1
	}
	data, err := manifest.Encode(m)
	if err != nil {
		fmt.Fprintf(stdErr, "编码清单失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdOut, string(data))
	return 0
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, logger)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
