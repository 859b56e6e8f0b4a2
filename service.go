package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/config"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/metrics"
	"github.com/rowhni/rowhni-sw/internal/notify"
	"github.com/rowhni/rowhni-sw/internal/outbox"
	"github.com/rowhni/rowhni-sw/internal/proxy"
	"github.com/rowhni/rowhni-sw/internal/server"
	"github.com/rowhni/rowhni-sw/internal/server/routes"
	"github.com/rowhni/rowhni-sw/internal/worker"
)

// service 持有一次进程运行所需的全部组件。
type service struct {
	app    *fiber.App
	worker *worker.Worker
	outbox *outbox.Store
	logger *logrus.Logger
}

// buildService 按配置装配存储、网络、队列、通知、指标、worker 与 Fiber 应用，
// 不启动 worker 生命周期。
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, err := newStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	network := fetch.NewHTTPFetcher(fetch.NewClient(cfg), cfg.Global.MaxResponseSize)

	var box *outbox.Store
	if cfg.Sync.OutboxPath != "" {
		box, err = outbox.Open(cfg.Sync.OutboxPath)
		if err != nil {
			return nil, fmt.Errorf("打开离线队列失败: %w", err)
		}
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		closeOutbox(box)
		return nil, err
	}

	var (
		recorder *metrics.Recorder
		gatherer prometheus.Gatherer
	)
	if cfg.Global.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.New(reg)
		gatherer = reg
	}

	opts := worker.OptionsFromConfig(cfg)
	opts.Storage = storage
	opts.Network = network
	opts.Notifier = notifier
	opts.Logger = logger
	opts.Metrics = recorder
	if box != nil {
		opts.Outbox = box
	}
	w, err := worker.New(ctx, opts)
	if err != nil {
		closeOutbox(box)
		return nil, fmt.Errorf("构建 worker 失败: %w", err)
	}

	handler := proxy.NewHandler(w, network, cfg.OriginURL(), cfg.ExternalHosts(), logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler})
	if err != nil {
		w.Close()
		closeOutbox(box)
		return nil, err
	}
	diag := routes.Diagnostics{Worker: w, Gatherer: gatherer, Logger: logger, AdminToken: cfg.Global.AdminToken}
	if box != nil {
		diag.Outbox = box
	}
	routes.RegisterDiagnosticRoutes(app, diag)

	return &service{app: app, worker: w, outbox: box, logger: logger}, nil
}

func newStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Global.CacheBackend == config.BackendMemory {
		return cache.NewMemoryStore(), nil
	}
	return cache.NewStore(cfg.Global.StoragePath)
}

// newNotifier 总是保留本地日志通知；配置了 NotifyURLs 时额外投递到外部服务。
func newNotifier(cfg *config.Config, logger *logrus.Logger) (notify.Notifier, error) {
	local := notify.NewLogNotifier(logger)
	if len(cfg.Push.NotifyURLs) == 0 {
		return local, nil
	}
	remote, err := notify.NewShoutrrrNotifier(cfg.Push.NotifyURLs, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化通知通道失败: %w", err)
	}
	return notify.Multi{local, remote}, nil
}

// runPeriodicSync 按间隔触发 newsletter 同步，interval <= 0 时不启动。
func (s *service) runPeriodicSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.outbox == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *service) syncOnce(ctx context.Context) {
	err := s.worker.Sync(ctx, worker.NewsletterSyncTag)
	entry := s.logger.WithFields(logrus.Fields{"action": "periodic_sync", "tag": worker.NewsletterSyncTag})
	switch {
	case err == nil:
		entry.Debug("sync complete")
	case errors.Is(err, worker.ErrSyncIncomplete):
		entry.WithError(err).Info("sync incomplete, will retry")
	default:
		entry.WithError(err).Warn("sync failed")
	}
}

// Close 停止 worker 后台任务并关闭离线队列。
func (s *service) Close() {
	s.worker.Close()
	closeOutbox(s.outbox)
}

func closeOutbox(box *outbox.Store) {
	if box != nil {
		_ = box.Close()
	}
}
