package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendDisk:   {},
	BackendMemory: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[strings.ToLower(strings.TrimSpace(g.CacheBackend))]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 disk|memory")
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}
	if g.MaxResponseSize < 0 || (g.MaxResponseSize > 0 && g.MaxResponseSize < g.MaxEntrySize) {
		return newFieldError("Global.MaxResponseSize", "必须为 0 或不小于 MaxEntrySize")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.validateSite(); err != nil {
		return err
	}
	if err := c.validateManifest(); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Sync.SubscribeEndpoint, "/") {
		return newFieldError("Sync.SubscribeEndpoint", "必须以 / 开头")
	}
	for idx, raw := range c.Push.NotifyURLs {
		if !strings.Contains(raw, "://") {
			return newFieldError(listField("Push.NotifyURLs", idx), "不是合法的通知 URL")
		}
	}
	for idx, ms := range c.Push.Vibrate {
		if ms < 0 {
			return newFieldError(listField("Push.Vibrate", idx), "不能为负数")
		}
	}
	return nil
}

func (c *Config) validateSite() error {
	s := c.Site
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Site.Origin: %w", err)
	}
	if err := validateCacheToken(s.CachePrefix); err != nil {
		return fmt.Errorf("Site.CachePrefix: %w", err)
	}
	if err := validateCacheToken(s.CacheVersion); err != nil {
		return fmt.Errorf("Site.CacheVersion: %w", err)
	}
	if !strings.HasPrefix(s.RootDocument, "/") {
		return newFieldError("Site.RootDocument", "必须以 / 开头")
	}
	if !strings.HasPrefix(s.FallbackImage, "/") {
		return newFieldError("Site.FallbackImage", "必须以 / 开头")
	}
	for idx, host := range s.ExternalHosts {
		if strings.TrimSpace(host) == "" || strings.ContainsAny(host, "/ ") {
			return newFieldError(listField("Site.ExternalHosts", idx), "只能填写主机名")
		}
	}
	return nil
}

func (c *Config) validateManifest() error {
	m := c.Manifest
	if len(m.Critical) == 0 {
		return newFieldError("Manifest.Critical", "至少需要一个关键资源")
	}
	for idx, raw := range m.Critical {
		if err := validateAssetPath(raw); err != nil {
			return fmt.Errorf("%s: %w", listField("Manifest.Critical", idx), err)
		}
	}
	for idx, raw := range m.Static {
		if err := validateAssetPath(raw); err != nil {
			return fmt.Errorf("%s: %w", listField("Manifest.Static", idx), err)
		}
	}
	for idx, raw := range m.External {
		if err := validateOrigin(raw); err != nil {
			return fmt.Errorf("%s: %w", listField("Manifest.External", idx), err)
		}
	}
	return nil
}

func validateCacheToken(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, "/\\ ") {
		return errors.New("不允许包含空格或路径分隔符")
	}
	return nil
}

// validateAssetPath 接受站内绝对路径或完整的 http/https 地址。
func validateAssetPath(raw string) error {
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	return validateOrigin(raw)
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
