package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/logging"
	"github.com/rowhni/rowhni-sw/internal/metrics"
	"github.com/rowhni/rowhni-sw/internal/rules"
)

const (
	offlineBody          = "Offline"
	imageUnavailableBody = "Image not available"
)

// Extender 延长事件生命周期，后台任务在其 ctx 上运行，与原始请求的 ctx 无关。
type Extender interface {
	WaitUntil(task func(ctx context.Context) error)
}

// Options 描述 Runner 的依赖。
type Options struct {
	Storage       cache.Storage
	Network       fetch.Fetcher
	Names         cache.Names
	Origin        *url.URL
	RootDocument  string
	FallbackImage string
	MaxEntrySize  int64
	Logger        *logrus.Logger
	Metrics       *metrics.Recorder
}

// Runner 执行四种缓存策略；所有状态都来自注入的存储与网络。
type Runner struct {
	storage       cache.Storage
	writer        cache.Writer
	network       fetch.Fetcher
	names         cache.Names
	origin        *url.URL
	rootDocument  string
	fallbackImage string
	logger        *logrus.Logger
	metrics       *metrics.Recorder
}

// New 构造 Runner，RootDocument/FallbackImage 为空时分别取 "/" 与不启用图片兜底。
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	root := opts.RootDocument
	if root == "" {
		root = "/"
	}
	return &Runner{
		storage:       opts.Storage,
		writer:        cache.NewWriter(opts.Storage, opts.MaxEntrySize),
		network:       opts.Network,
		names:         opts.Names,
		origin:        opts.Origin,
		rootDocument:  root,
		fallbackImage: opts.FallbackImage,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// Run 按规则分派到对应策略，并记录响应来源。
func (r *Runner) Run(ctx context.Context, ext Extender, rule rules.Rule, req *fetch.Request) (*cache.Response, error) {
	var (
		resp *cache.Response
		err  error
	)
	switch rule.Strategy {
	case rules.CacheFirst:
		resp, err = r.CacheFirst(ctx, rule, req)
	case rules.CacheFirstWithFallback:
		resp, err = r.CacheFirstWithFallback(ctx, rule, req)
	case rules.NetworkFirst:
		resp, err = r.NetworkFirst(ctx, rule, req)
	case rules.StaleWhileRevalidate:
		resp, err = r.StaleWhileRevalidate(ctx, ext, rule, req)
	default:
		return nil, fmt.Errorf("unknown strategy %q", rule.Strategy)
	}
	if err != nil {
		return nil, err
	}
	r.metrics.StrategyResponse(rule.Category, string(rule.Strategy), resp.Source)
	return resp, nil
}

// CacheFirst 命中即返回；未命中走网络，仅成功响应写入分区。
func (r *Runner) CacheFirst(ctx context.Context, rule rules.Rule, req *fetch.Request) (*cache.Response, error) {
	cached, err := r.lookup(ctx, rule, req.Key())
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		r.metrics.NetworkFailure(rule.Category)
		return nil, err
	}
	if resp.OK() {
		r.store(ctx, rule, req, resp)
	}
	return resp.WithSource(cache.SourceNetwork), nil
}

// CacheFirstWithFallback 用于图片：网络异常或非成功状态时返回兜底图片或 404。
func (r *Runner) CacheFirstWithFallback(ctx context.Context, rule rules.Rule, req *fetch.Request) (*cache.Response, error) {
	cached, err := r.lookup(ctx, rule, req.Key())
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	resp, err := r.network.Fetch(ctx, req)
	switch {
	case err != nil:
		r.metrics.NetworkFailure(rule.Category)
		r.entry(rule, req).WithError(err).Warn("image_fetch_failed")
	case resp.OK():
		r.store(ctx, rule, req, resp)
		return resp.WithSource(cache.SourceNetwork), nil
	}

	if fallback := r.matchPath(ctx, r.fallbackImage); fallback != nil {
		return fallback.WithSource(cache.SourceFallback), nil
	}
	return cache.NewTextResponse(http.StatusNotFound, imageUnavailableBody).WithSource(cache.SourceFallback), nil
}

// NetworkFirst 优先网络；只有拿不到响应时才依次回退：精确匹配、目录索引、根文档、503。
func (r *Runner) NetworkFirst(ctx context.Context, rule rules.Rule, req *fetch.Request) (*cache.Response, error) {
	resp, err := r.network.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			r.store(ctx, rule, req, resp)
		}
		return resp.WithSource(cache.SourceNetwork), nil
	}

	r.metrics.NetworkFailure(rule.Category)
	r.entry(rule, req).WithError(err).Warn("network_failed_fallback_cache")

	cached, lookupErr := r.lookup(ctx, rule, req.Key())
	if lookupErr != nil {
		return nil, lookupErr
	}
	if cached != nil {
		return cached, nil
	}

	if req.IsNavigation() {
		if index := req.DirectoryIndex(); index != nil {
			if cached := r.matchPath(ctx, index.URL.Path); cached != nil {
				return cached, nil
			}
		}
	}

	return r.Offline(ctx), nil
}

// StaleWhileRevalidate 有缓存时立即返回并在后台刷新；无缓存时阻塞等待网络。
func (r *Runner) StaleWhileRevalidate(ctx context.Context, ext Extender, rule rules.Rule, req *fetch.Request) (*cache.Response, error) {
	cached, err := r.lookup(ctx, rule, req.Key())
	if err != nil {
		return nil, err
	}

	if cached != nil {
		background := req.Clone()
		revalidate := func(taskCtx context.Context) error {
			resp, err := r.network.Fetch(taskCtx, background)
			if err != nil {
				r.metrics.NetworkFailure(rule.Category)
				r.entry(rule, background).WithError(err).Warn("background_revalidate_failed")
				return nil
			}
			if resp.OK() {
				r.store(taskCtx, rule, background, resp)
			}
			return nil
		}
		if ext != nil {
			ext.WaitUntil(revalidate)
		} else {
			_ = revalidate(ctx)
		}
		return cached, nil
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		r.metrics.NetworkFailure(rule.Category)
		return nil, err
	}
	if resp.OK() {
		r.store(ctx, rule, req, resp)
	}
	return resp.WithSource(cache.SourceNetwork), nil
}

// Offline 返回缓存的根文档，否则合成 503 "Offline"。
func (r *Runner) Offline(ctx context.Context) *cache.Response {
	if root := r.matchPath(ctx, r.rootDocument); root != nil {
		return root.WithSource(cache.SourceOffline)
	}
	return cache.NewTextResponse(http.StatusServiceUnavailable, offlineBody).WithSource(cache.SourceOffline)
}

// lookup 在所有分区中查找，未命中返回 nil, nil。
func (r *Runner) lookup(ctx context.Context, rule rules.Rule, key cache.Key) (*cache.Response, error) {
	resp, err := r.storage.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			r.metrics.CacheMiss(string(rule.Partition))
			return nil, nil
		}
		return nil, fmt.Errorf("cache match %s: %w", key.URL(), err)
	}
	r.metrics.CacheHit(string(rule.Partition))
	return resp.WithSource(cache.SourceCache), nil
}

// matchPath 按站点来源解析相对路径并查找缓存，出错视为未命中。
func (r *Runner) matchPath(ctx context.Context, ref string) *cache.Response {
	if ref == "" {
		return nil
	}
	target, err := fetch.Resolve(r.origin, ref)
	if err != nil {
		return nil
	}
	resp, err := r.storage.Match(ctx, target.Key())
	if err != nil {
		return nil
	}
	return resp.WithSource(cache.SourceCache)
}

// store 写入失败只记录日志与指标，不影响响应。
func (r *Runner) store(ctx context.Context, rule rules.Rule, req *fetch.Request, resp *cache.Response) {
	partition := r.names.For(rule.Partition)
	if err := r.writer.Put(ctx, partition, req.Key(), resp); err != nil {
		r.metrics.CacheWriteFailure(string(rule.Partition))
		r.entry(rule, req).WithError(err).Warn("cache_write_failed")
	}
}

func (r *Runner) entry(rule rules.Rule, req *fetch.Request) *logrus.Entry {
	return r.logger.WithFields(logging.FetchFields(
		rule.Category,
		string(rule.Strategy),
		r.names.For(rule.Partition),
		req.URL.String(),
	))
}
