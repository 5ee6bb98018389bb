package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cpcache/cpcache/internal/cache"
	"github.com/cpcache/cpcache/internal/config"
	"github.com/cpcache/cpcache/internal/download"
	"github.com/cpcache/cpcache/internal/kvstore"
	"github.com/cpcache/cpcache/internal/logging"
	"github.com/cpcache/cpcache/internal/mirror"
	"github.com/cpcache/cpcache/internal/proxy"
	"github.com/cpcache/cpcache/internal/serializer"
	"github.com/cpcache/cpcache/internal/server"
	"github.com/cpcache/cpcache/internal/version"
)

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
		fields["mirrors"] = len(cfg.MirrorCandidates())
		fields["selection"] = cfg.MirrorSelection
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewStore(cfg.CacheDirectory)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	kv, err := kvstore.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(stdErr, "打开数据库失败: %v\n", err)
		return 1
	}
	defer kv.Close()

	selector := buildSelector(cfg, kv, logger)
	go selector.Run(ctx)

	ser := serializer.New(logger)
	go ser.Run(ctx)

	handler := proxy.NewHandler(proxy.Options{
		Logger:     logger,
		Store:      store,
		KV:         kv,
		Mirrors:    selector,
		Serializer: ser,
		Downloader: download.New(server.NewUpstreamClient(), store, logger),
		Probe:      server.NewProbeClient(cfg.MirrorsAuto.Timeout.DurationValue()),
		Config:     cfg,
	})

	fields := logging.BaseFields("startup", opts.configPath)
	fields["mirrors"] = len(cfg.MirrorCandidates())
	fields["listen_port"] = cfg.Port
	fields["cache_directory"] = cfg.CacheDirectory
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildSelector 根据配置选择镜像策略，auto 模式先探测地址族支持。
func buildSelector(cfg *config.Config, kv *kvstore.Store, logger *logrus.Logger) mirror.Selector {
	candidates := cfg.MirrorCandidates()
	if cfg.MirrorSelection != "auto" {
		return mirror.NewPredefined(candidates)
	}

	autoCfg := cfg.MirrorsAuto
	ipv4, ipv6 := mirror.DetectFamilySupport(kv, candidates, logger)
	autoCfg.IPv4 = autoCfg.IPv4 && ipv4
	autoCfg.IPv6 = autoCfg.IPv6 && ipv6
	return mirror.NewAuto(autoCfg, candidates, kv, logger)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cpcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 /etc/cpcache/cpcache.toml，可被 CPCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CPCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, handler server.PackageHandler, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: cfg.Port,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Port,
		"ipv6":   cfg.IPv6Enabled,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Port), fiber.ListenConfig{
		ListenerNetwork:       server.ListenNetwork(cfg.IPv6Enabled),
		DisableStartupMessage: true,
	})
}
