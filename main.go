package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
	"github.com/offline-hub/offline-hub/internal/policy"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	watch       bool
	showVersion bool
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Release.Version
		fields["store"] = cfg.Release.StoreName()
		fields["manifest"] = len(cfg.Release.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 生命周期（预热 + 回收 + 接管）→ Fiber server，
	// 首个代际安装失败时直接退出，不对外提供半成品缓存。
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer rt.close()

	if err := rt.controller.Upgrade(ctx, lifecycle.GenerationFromConfig(cfg)); err != nil {
		fmt.Fprintf(stdErr, "安装缓存代际失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["release"] = cfg.Release.Version
	fields["store"] = cfg.Release.StoreName()
	fields["backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.watch {
		if err := watchReleases(ctx, opts.configPath, cfg, rt, logger); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	if err := startHTTPServer(ctx, cfg, rt.app, logger); err != nil {
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
		configFlag string
		checkOnly  bool
		watch      bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&watch, "watch", false, "监听配置文件，Version 变化时安装并切换到新代际")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

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
		watch:       watch,
		showVersion: showVer,
	}, nil
}

// appRuntime 持有一次进程生命周期内共享的组件。
type appRuntime struct {
	storage    cache.Storage
	controller *lifecycle.Controller
	engine     *policy.Engine
	app        *fiber.App
	logger     *logrus.Logger
}

// newRuntime 按依赖顺序装配存储、生命周期控制器、策略引擎与 HTTP 应用。
func newRuntime(cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	origin, err := cfg.Release.OriginURL()
	if err != nil {
		return nil, err
	}

	storage, err := cache.New(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	recorder := metrics.New()
	// DiagnosticsSize 为 0 时不保留内存记录，诊断条目改写到日志（action=diagnostic）。
	var ring *diag.Ring
	sink := diag.Logrus(logger)
	if cfg.Global.DiagnosticsSize > 0 {
		ring = diag.NewRing(cfg.Global.DiagnosticsSize)
		sink = ring
	}
	httpClient := server.NewUpstreamClient(cfg)

	populator, err := lifecycle.NewPopulator(lifecycle.PopulatorOptions{
		Storage:     storage,
		Client:      httpClient,
		Origin:      origin,
		Concurrency: cfg.Global.PopulateConcurrency,
		Logger:      logger,
		Sink:        sink,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	controller, err := lifecycle.NewController(lifecycle.ControllerOptions{
		Storage:   storage,
		Populator: populator,
		Logger:    logger,
		Sink:      sink,
		Metrics:   recorder,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	engine, err := policy.NewEngine(policy.Options{
		Client:  httpClient,
		Origin:  origin,
		Stores:  controller,
		Logger:  logger,
		Sink:    sink,
		Metrics: recorder,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(engine, origin, logger, cfg.Global.ListenPort),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, routes.Dependencies{
		Lifecycle:   controller,
		Storage:     storage,
		Diagnostics: ring,
		Metrics:     recorder,
	})

	return &appRuntime{
		storage:    storage,
		controller: controller,
		engine:     engine,
		app:        app,
		logger:     logger,
	}, nil
}

// close 等待后台缓存写入结束后关闭存储。
func (rt *appRuntime) close() {
	rt.engine.Wait()
	if err := rt.storage.Close(); err != nil {
		rt.logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"error":  err.Error(),
		}).Warn("close storage failed")
	}
}

// watchReleases 在配置文件中的 Version 变化时执行 Upgrade；安装失败时旧代际继续服务。
// Origin、端口与存储相关的修改需要重启才能生效。
func watchReleases(ctx context.Context, path string, initial *config.Config, rt *appRuntime, logger *logrus.Logger) error {
	current := initial.Release
	return config.Watch(path, func(next *config.Config) {
		if next.Release.Origin != current.Origin {
			logger.WithFields(logging.BaseFields("watch", path)).
				Warn("Origin 变更需要重启后生效")
		}
		if next.Release.StoreName() == current.StoreName() {
			return
		}
		gen := lifecycle.GenerationFromConfig(next)
		if err := rt.controller.Upgrade(ctx, gen); err != nil {
			logger.WithFields(logging.GenerationFields("watch", gen.Version, gen.StoreName)).
				WithError(err).Error("新代际安装失败，继续使用当前代际")
			return
		}
		current = next.Release
	}, func(err error) {
		logger.WithFields(logging.BaseFields("watch", path)).
			WithError(err).Warn("配置重新加载失败，保持当前配置")
	})
}

func startHTTPServer(ctx context.Context, cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logrus.Fields{
				"action": "shutdown",
				"error":  err.Error(),
			}).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
