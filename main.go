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

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/config"
	"github.com/rowhni/rowhni-sw/internal/logging"
	"github.com/rowhni/rowhni-sw/internal/version"
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

const shutdownTimeout = 10 * time.Second

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
		fields["origin"] = cfg.Site.Origin
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["assets"] = cfg.Manifest.AssetCount()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 缓存存储 → 网络 → 离线队列 → 通知 → worker → Fiber，
	// 所有请求共享同一个 worker 与缓存实例。
	rt, err := buildService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.worker.Start(ctx); err != nil {
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			WithError(err).Error("worker 启动失败")
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Site.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["partitions"] = rt.worker.Names().All()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("rowhni-sw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ROWHNI_SW_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ROWHNI_SW_CONFIG")
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
	}, nil
}

// serve 启动 Fiber 与周期同步，收到信号后等待后台写入完成再退出。
func serve(ctx context.Context, cfg *config.Config, rt *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	go rt.runPeriodicSync(ctx, cfg.Sync.Interval.DurationValue())

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- rt.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("HTTP 服务关闭失败")
	}
	if err := rt.worker.Drain(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("后台缓存写入未完成")
	}
	return nil
}
