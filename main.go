package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flexstream/flexstream/internal/cache"
	"github.com/flexstream/flexstream/internal/config"
	"github.com/flexstream/flexstream/internal/fetch"
	"github.com/flexstream/flexstream/internal/logging"
	"github.com/flexstream/flexstream/internal/metrics"
	"github.com/flexstream/flexstream/internal/policy"
	"github.com/flexstream/flexstream/internal/ratelimit"
	"github.com/flexstream/flexstream/internal/relay"
	"github.com/flexstream/flexstream/internal/server"
	"github.com/flexstream/flexstream/internal/version"
)

const shutdownGrace = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
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

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["listen_port"] = cfg.ListenPort
		fields["blocked_domains"] = len(cfg.BlockedDomains)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 磁盘缓存 → 限流/策略 → Fetcher → relay → Fiber server”顺序，
	// 保证所有请求共享同一套缓存与限流实例。
	store, err := cache.NewStore(cfg.StoragePath, cache.Options{
		TTL:      cfg.CacheTTL.DurationValue(),
		MaxBytes: cfg.MaxCacheSize,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	guard := policy.NewGuard(cfg.BlockedDomains, cfg.AllowedContentTypes, cfg.MaxContentSize)
	limiter := ratelimit.NewLimiter(cfg.RateLimitWindow.DurationValue(), cfg.RateLimitMax)
	httpClient := server.NewUpstreamClient(cfg.UpstreamTimeout.DurationValue())
	fetcher := fetch.NewFetcher(httpClient, cfg.UserAgents, cfg.MaxRedirects, time.Now().UnixNano(), guard.IsDomainBlocked)
	collector := metrics.NewMetrics()

	handler := relay.NewHandler(relay.HandlerOptions{
		Store:            store,
		Guard:            guard,
		Limiter:          limiter,
		Fetcher:          fetcher,
		Logger:           logger,
		Metrics:          collector,
		MaxCacheableSize: cfg.MaxCacheableSize,
		MaxContentSize:   cfg.MaxContentSize,
		ProxyTag:         "FlexStream/" + version.Version,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler.HandleProxy,
		Stats:      handler.HandleStats,
		ClearCache: handler.HandleClearCache,
		RateLimit:  handler.RateLimitMiddleware(),
		Metrics:    collector.Handler(),
		AssetRoot:  cfg.AssetPath,
		ListenPort: cfg.ListenPort,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	stats := store.Stats()
	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.ListenPort
	fields["cache_entries"] = stats.Count
	fields["cache_bytes"] = stats.TotalBytes
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return serve(app, store, cfg.ListenPort, logger)
}

// serve 启动监听并等待退出信号，收到信号后优雅关停并落盘缓存索引。
func serve(app *fiber.App, store cache.Store, port int, logger *logrus.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown_incomplete")
		}
	}

	if err := store.Flush(); err != nil {
		logger.WithError(err).Warn("cache_flush_failed")
	}
	logger.WithField("action", "shutdown").Info("服务已退出")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("flexstream", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FLEXSTREAM_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	// 路径留空时由 config.Load 使用默认 ./config.toml（缺失则按内置默认值启动）。
	path := os.Getenv("FLEXSTREAM_CONFIG")
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
