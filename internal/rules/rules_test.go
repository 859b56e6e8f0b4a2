package rules

import (
	"testing"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
)

const origin = "rowhni.app"

func replaceRegistry(t *testing.T) func() {
	t.Helper()
	prev := globalRegistry
	globalRegistry = newRegistry()
	return func() { globalRegistry = prev }
}

func TestClassifyDefaults(t *testing.T) {
	cases := []struct {
		name        string
		url         string
		destination string
		category    string
		strategy    StrategyKind
		partition   cache.Role
	}{
		{"manifest", "https://rowhni.app/manifest.json", "", CategoryStaticAsset, CacheFirst, cache.RoleStatic},
		{"browserconfig", "https://rowhni.app/browserconfig.xml", "", CategoryStaticAsset, CacheFirst, cache.RoleStatic},
		{"favicon", "https://rowhni.app/favicon.ico", "", CategoryStaticAsset, CacheFirst, cache.RoleStatic},
		{"icon png wins over image", "https://rowhni.app/icons/icon-72x72.png", "image", CategoryStaticAsset, CacheFirst, cache.RoleStatic},
		{"screenshot", "https://rowhni.app/Screenshots/image1.JPG", "", CategoryImage, CacheFirstWithFallback, cache.RoleImage},
		{"image destination", "https://rowhni.app/photo", "image", CategoryImage, CacheFirstWithFallback, cache.RoleImage},
		{"api", "https://rowhni.app/api/prayers", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"subscribe", "https://rowhni.app/subscribe", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"analytics host", "https://www.google-analytics.com/collect", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"gtag host", "https://gtag.example.com/js", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"utm param", "https://rowhni.app/?utm_source=x", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"fbclid", "https://rowhni.app/support/?fbclid=1", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"gclid", "https://rowhni.app/?gclid=1", "", CategoryDynamic, NetworkFirst, cache.RoleDynamic},
		{"stylesheet", "https://rowhni.app/_assets/site.css", "", CategoryCSSOrJS, StaleWhileRevalidate, cache.RoleStatic},
		{"script destination", "https://rowhni.app/bundle", "script", CategoryCSSOrJS, StaleWhileRevalidate, cache.RoleStatic},
		{"cdn script", "https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.5/gsap.min.js", "", CategoryCSSOrJS, StaleWhileRevalidate, cache.RoleStatic},
		{"font", "https://fonts.gstatic.com/s/x.woff2", "font", CategoryExternal, NetworkFirst, cache.RoleStatic},
		{"page", "https://rowhni.app/privacy", "document", CategoryDefault, NetworkFirst, cache.RoleDynamic},
		{"root", "https://rowhni.app/", "", CategoryDefault, NetworkFirst, cache.RoleDynamic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := fetch.MustRequest(tc.url)
			req.Destination = tc.destination
			rule := Classify(req, origin)
			if rule.Category != tc.category {
				t.Fatalf("expected category %s, got %s", tc.category, rule.Category)
			}
			if rule.Strategy != tc.strategy {
				t.Fatalf("expected strategy %s, got %s", tc.strategy, rule.Strategy)
			}
			if rule.Partition != tc.partition {
				t.Fatalf("expected partition %s, got %s", tc.partition, rule.Partition)
			}
		})
	}
}

func TestListOrderedByPriority(t *testing.T) {
	want := []string{CategoryStaticAsset, CategoryImage, CategoryDynamic, CategoryCSSOrJS, CategoryExternal, CategoryDefault}
	got := Keys()
	if len(got) != len(want) {
		t.Fatalf("unexpected rule set: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	match := func(*fetch.Request, string) bool { return true }
	if err := Register(Rule{Category: "", Strategy: CacheFirst, Match: match}); err == nil {
		t.Fatalf("empty category should fail")
	}
	if err := Register(Rule{Category: "x", Strategy: CacheFirst}); err == nil {
		t.Fatalf("missing match should fail")
	}
	if err := Register(Rule{Category: "x", Strategy: "bogus", Match: match}); err == nil {
		t.Fatalf("unknown strategy should fail")
	}
	if err := Register(Rule{Category: "X", Strategy: CacheFirst, Match: match}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := Register(Rule{Category: "x", Strategy: CacheFirst, Match: match}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if _, ok := Resolve(" X "); !ok {
		t.Fatalf("resolve should normalize keys")
	}
}

func TestClassifyEmptyRegistryFallsBackToDefault(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	rule := Classify(fetch.MustRequest("https://rowhni.app/_assets/site.css"), origin)
	if rule.Category != CategoryDefault || rule.Strategy != NetworkFirst {
		t.Fatalf("expected default rule, got %+v", rule)
	}
}
