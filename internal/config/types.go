package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端取值。
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
)

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存目录与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`
	MaxResponseSize int64    `mapstructure:"MaxResponseSize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MetricsEnabled  bool     `mapstructure:"MetricsEnabled"`
	AdminToken      string   `mapstructure:"AdminToken"`
}

// SiteConfig 描述被保护站点：源站地址、缓存分区命名与离线兜底资源。
type SiteConfig struct {
	Origin        string   `mapstructure:"Origin"`
	CachePrefix   string   `mapstructure:"CachePrefix"`
	CacheVersion  string   `mapstructure:"CacheVersion"`
	RootDocument  string   `mapstructure:"RootDocument"`
	FallbackImage string   `mapstructure:"FallbackImage"`
	ExternalHosts []string `mapstructure:"ExternalHosts"`
}

// Manifest 是 install 阶段预取的静态清单。
type Manifest struct {
	Critical                []string `mapstructure:"Critical"`
	Static                  []string `mapstructure:"Static"`
	External                []string `mapstructure:"External"`
	TolerateCriticalFailure bool     `mapstructure:"TolerateCriticalFailure"`
}

// SyncConfig 控制后台同步（离线订阅重放）。Interval 为 0 时只响应手动触发。
type SyncConfig struct {
	OutboxPath        string   `mapstructure:"OutboxPath"`
	SubscribeEndpoint string   `mapstructure:"SubscribeEndpoint"`
	Interval          Duration `mapstructure:"Interval"`
}

// PushConfig 控制推送通知的展示参数与投递通道。
type PushConfig struct {
	NotifyURLs []string `mapstructure:"NotifyURLs"`
	Icon       string   `mapstructure:"Icon"`
	Badge      string   `mapstructure:"Badge"`
	Vibrate    []int    `mapstructure:"Vibrate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig `mapstructure:",squash"`
	Site     SiteConfig   `mapstructure:"Site"`
	Manifest Manifest     `mapstructure:"Manifest"`
	Sync     SyncConfig   `mapstructure:"Sync"`
	Push     PushConfig   `mapstructure:"Push"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Site.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// ExternalHosts 合并清单中外部资源的主机名与 Site.ExternalHosts，去重并保持顺序。
func (c *Config) ExternalHosts() []string {
	seen := map[string]struct{}{}
	var hosts []string
	add := func(host string) {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			return
		}
		if _, ok := seen[host]; ok {
			return
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	for _, raw := range c.Manifest.External {
		if parsed, err := url.Parse(raw); err == nil {
			add(parsed.Hostname())
		}
	}
	for _, host := range c.Site.ExternalHosts {
		add(host)
	}
	return hosts
}

// AssetCount 输出清单条目数量，供启动日志使用。
func (m Manifest) AssetCount() int {
	return len(m.Critical) + len(m.Static) + len(m.External)
}
