package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site)
	applyPushDefaults(&cfg.Push)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	applySyncDefaults(&cfg.Sync, cfg.Global.StoragePath)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", BackendDisk)
	v.SetDefault("MaxEntrySize", 16*1024*1024)
	v.SetDefault("MaxResponseSize", 256*1024*1024)
	v.SetDefault("UpstreamTimeout", "15s")
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("AdminToken", "")

	v.SetDefault("Site.CachePrefix", "rowhni")
	v.SetDefault("Site.CacheVersion", "v1.0.0")
	v.SetDefault("Site.RootDocument", "/")
	v.SetDefault("Site.FallbackImage", "/rowhni_logo_day.png")

	v.SetDefault("Manifest.Critical", defaultCriticalAssets)
	v.SetDefault("Manifest.Static", defaultStaticAssets)
	v.SetDefault("Manifest.External", defaultExternalAssets)
	v.SetDefault("Manifest.TolerateCriticalFailure", false)

	v.SetDefault("Sync.SubscribeEndpoint", DefaultSubscribePath)
	v.SetDefault("Sync.Interval", "5m")

	v.SetDefault("Push.Icon", DefaultPushIcon)
	v.SetDefault("Push.Badge", DefaultPushBadge)
	v.SetDefault("Push.Vibrate", defaultVibrate)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if strings.TrimSpace(g.CacheBackend) == "" {
		g.CacheBackend = BackendDisk
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(15 * time.Second)
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
	if s.RootDocument == "" {
		s.RootDocument = "/"
	}
}

func applySyncDefaults(s *SyncConfig, storagePath string) {
	if s.OutboxPath == "" && storagePath != "" {
		s.OutboxPath = filepath.Join(storagePath, "outbox.db")
	}
	if s.Interval.DurationValue() < 0 {
		s.Interval = Duration(0)
	}
}

func applyPushDefaults(p *PushConfig) {
	if len(p.Vibrate) == 0 {
		p.Vibrate = DefaultVibrate()
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
