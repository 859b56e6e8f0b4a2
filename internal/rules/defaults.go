package rules

import (
	"regexp"
	"strings"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
)

// 分类名称。
const (
	CategoryStaticAsset = "static-asset"
	CategoryImage       = "image"
	CategoryDynamic     = "dynamic"
	CategoryCSSOrJS     = "css-or-js"
	CategoryExternal    = "external"
	CategoryDefault     = "default"
)

var (
	imageExtPattern  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg)$`)
	scriptExtPattern = regexp.MustCompile(`(?i)\.(css|js)$`)
)

var fallbackRule = Rule{
	Category:    CategoryDefault,
	Description: "anything else",
	Priority:    1000,
	Strategy:    NetworkFirst,
	Partition:   cache.RoleDynamic,
	Match:       func(*fetch.Request, string) bool { return true },
}

func init() {
	MustRegister(Rule{
		Category:    CategoryStaticAsset,
		Description: "manifest, browserconfig, icons and favicons",
		Priority:    10,
		Strategy:    CacheFirst,
		Partition:   cache.RoleStatic,
		Match:       isStaticAsset,
	})
	MustRegister(Rule{
		Category:    CategoryImage,
		Description: "image destination or bitmap extension",
		Priority:    20,
		Strategy:    CacheFirstWithFallback,
		Partition:   cache.RoleImage,
		Match:       isImage,
	})
	MustRegister(Rule{
		Category:    CategoryDynamic,
		Description: "api, subscribe, analytics hosts and tracking parameters",
		Priority:    30,
		Strategy:    NetworkFirst,
		Partition:   cache.RoleDynamic,
		Match: func(req *fetch.Request, _ string) bool {
			return isAPI(req) || hasTrackingParams(req)
		},
	})
	MustRegister(Rule{
		Category:    CategoryCSSOrJS,
		Description: "style or script destination, css/js extension",
		Priority:    40,
		Strategy:    StaleWhileRevalidate,
		Partition:   cache.RoleStatic,
		Match:       isCSSOrJS,
	})
	MustRegister(Rule{
		Category:    CategoryExternal,
		Description: "cross-origin resources",
		Priority:    50,
		Strategy:    NetworkFirst,
		Partition:   cache.RoleStatic,
		Match:       isExternal,
	})
	MustRegister(fallbackRule)
}

func isStaticAsset(req *fetch.Request, _ string) bool {
	p := req.URL.Path
	return strings.Contains(p, "manifest.json") ||
		strings.Contains(p, "browserconfig.xml") ||
		strings.HasSuffix(p, ".ico") ||
		strings.Contains(p, "/icons/")
}

// 扩展名按完整 URL 匹配，带查询串的图片不算命中。
func isImage(req *fetch.Request, _ string) bool {
	return req.Destination == fetch.DestinationImage || imageExtPattern.MatchString(req.URL.String())
}

func isAPI(req *fetch.Request) bool {
	p := req.URL.Path
	host := req.URL.Hostname()
	return strings.Contains(p, "/api/") ||
		strings.Contains(p, "/subscribe") ||
		strings.Contains(host, "analytics") ||
		strings.Contains(host, "gtag")
}

func hasTrackingParams(req *fetch.Request) bool {
	query := req.URL.Query()
	if query.Has("fbclid") || query.Has("gclid") {
		return true
	}
	for name := range query {
		if strings.HasPrefix(name, "utm_") {
			return true
		}
	}
	return false
}

func isCSSOrJS(req *fetch.Request, _ string) bool {
	return req.Destination == fetch.DestinationStyle ||
		req.Destination == fetch.DestinationScript ||
		scriptExtPattern.MatchString(req.URL.String())
}

func isExternal(req *fetch.Request, originHost string) bool {
	return !strings.EqualFold(req.URL.Hostname(), originHost)
}
