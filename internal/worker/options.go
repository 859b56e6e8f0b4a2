package worker

import (
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/config"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/metrics"
	"github.com/rowhni/rowhni-sw/internal/notify"
)

// NewsletterSyncTag 是离线订阅重放使用的同步标签。
const NewsletterSyncTag = "newsletter-signup"

// Options 是 worker 的全部依赖与参数。
type Options struct {
	Storage  cache.Storage
	Network  fetch.Fetcher
	Outbox   Outbox
	Notifier notify.Notifier
	Logger   *logrus.Logger
	Metrics  *metrics.Recorder

	Origin        *url.URL
	CachePrefix   string
	CacheVersion  string
	RootDocument  string
	FallbackImage string
	MaxEntrySize  int64
	Manifest      config.Manifest

	SubscribeEndpoint string

	PushIcon    string
	PushBadge   string
	PushVibrate []int
}

// OptionsFromConfig 将配置映射为 Options，依赖项需由调用方补充。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Origin:            cfg.OriginURL(),
		CachePrefix:       cfg.Site.CachePrefix,
		CacheVersion:      cfg.Site.CacheVersion,
		RootDocument:      cfg.Site.RootDocument,
		FallbackImage:     cfg.Site.FallbackImage,
		MaxEntrySize:      cfg.Global.MaxEntrySize,
		Manifest:          cfg.Manifest,
		SubscribeEndpoint: cfg.Sync.SubscribeEndpoint,
		PushIcon:          cfg.Push.Icon,
		PushBadge:         cfg.Push.Badge,
		PushVibrate:       append([]int(nil), cfg.Push.Vibrate...),
	}
}

func (o *Options) applyDefaults() {
	if o.CachePrefix == "" {
		o.CachePrefix = "rowhni"
	}
	if o.CacheVersion == "" {
		o.CacheVersion = "v1.0.0"
	}
	if o.RootDocument == "" {
		o.RootDocument = "/"
	}
	if o.SubscribeEndpoint == "" {
		o.SubscribeEndpoint = config.DefaultSubscribePath
	}
	if o.PushIcon == "" {
		o.PushIcon = config.DefaultPushIcon
	}
	if o.PushBadge == "" {
		o.PushBadge = config.DefaultPushBadge
	}
	if len(o.PushVibrate) == 0 {
		o.PushVibrate = config.DefaultVibrate()
	}
}
