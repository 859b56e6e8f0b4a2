package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/rules"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errOffline = errors.New("dial tcp: network is unreachable")

// stubNetwork 按 URL 返回预设响应，并记录调用次数。
type stubNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failing   bool
	calls     map[string]int
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{responses: map[string]*cache.Response{}, calls: map[string]int{}}
}

func (s *stubNetwork) set(raw string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[raw] = &cache.Response{URL: raw, Status: status, Header: http.Header{}, Body: []byte(body)}
}

func (s *stubNetwork) fail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *stubNetwork) count(raw string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[raw]
}

func (s *stubNetwork) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubNetwork) Fetch(_ context.Context, req *fetch.Request) (*cache.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := req.URL.String()
	s.calls[raw]++
	if s.failing {
		return nil, &fetch.NetworkError{URL: raw, Err: errOffline}
	}
	if resp, ok := s.responses[raw]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{URL: raw, Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
}

// taskList 收集后台任务，由测试显式执行。
type taskList struct {
	tasks []func(ctx context.Context) error
}

func (l *taskList) WaitUntil(task func(ctx context.Context) error) {
	l.tasks = append(l.tasks, task)
}

func (l *taskList) run(t *testing.T) {
	t.Helper()
	for _, task := range l.tasks {
		if err := task(context.Background()); err != nil {
			t.Fatalf("background task error: %v", err)
		}
	}
	l.tasks = nil
}

type fixture struct {
	runner  *Runner
	storage cache.Storage
	network *stubNetwork
	names   cache.Names
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin, _ := url.Parse("https://rowhni.app")
	storage := cache.NewMemoryStore()
	network := newStubNetwork()
	names := cache.NewNames("rowhni", "v1.0.0")
	runner := New(Options{
		Storage:       storage,
		Network:       network,
		Names:         names,
		Origin:        origin,
		RootDocument:  "/",
		FallbackImage: "/rowhni_logo_day.png",
	})
	return &fixture{runner: runner, storage: storage, network: network, names: names}
}

func (f *fixture) seed(t *testing.T, partition, raw, body string) {
	t.Helper()
	part, err := f.storage.Open(context.Background(), partition)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	key, _ := cache.ParseKey(raw)
	if err := part.Put(context.Background(), key, &cache.Response{Status: 200, Header: http.Header{}, Body: []byte(body)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) cached(t *testing.T, partition, raw string) *cache.Response {
	t.Helper()
	part, err := f.storage.Open(context.Background(), partition)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	key, _ := cache.ParseKey(raw)
	resp, err := part.Match(context.Background(), key)
	if err != nil {
		return nil
	}
	return resp
}

func rule(t *testing.T, category string) rules.Rule {
	t.Helper()
	r, ok := rules.Resolve(category)
	if !ok {
		t.Fatalf("rule %s not registered", category)
	}
	return r
}

func TestCacheFirstServesCachedWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.names.Static, "https://rowhni.app/manifest.json", "{}")

	resp, err := f.runner.Run(context.Background(), nil, rule(t, rules.CategoryStaticAsset), fetch.MustRequest("https://rowhni.app/manifest.json"))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if string(resp.Body) != "{}" || resp.Source != cache.SourceCache {
		t.Fatalf("expected cached body, got %q from %s", resp.Body, resp.Source)
	}
	if f.network.total() != 0 {
		t.Fatalf("network must not be called on cache hit, got %d calls", f.network.total())
	}
}

func TestCacheFirstMissWritesOnlySuccess(t *testing.T) {
	f := newFixture(t)
	f.network.set("https://rowhni.app/browserconfig.xml", 200, "<xml/>")

	resp, err := f.runner.CacheFirst(context.Background(), rule(t, rules.CategoryStaticAsset), fetch.MustRequest("https://rowhni.app/browserconfig.xml"))
	if err != nil || string(resp.Body) != "<xml/>" {
		t.Fatalf("unexpected result %v %v", resp, err)
	}
	if f.cached(t, f.names.Static, "https://rowhni.app/browserconfig.xml") == nil {
		t.Fatalf("successful response should be cached in static partition")
	}

	resp, err = f.runner.CacheFirst(context.Background(), rule(t, rules.CategoryStaticAsset), fetch.MustRequest("https://rowhni.app/icons/missing.ico"))
	if err != nil || resp.Status != http.StatusNotFound {
		t.Fatalf("non-ok response should be returned as-is, got %v %v", resp, err)
	}
	if f.cached(t, f.names.Static, "https://rowhni.app/icons/missing.ico") != nil {
		t.Fatalf("404 must not be cached")
	}
}

func TestCacheFirstPropagatesNetworkError(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)
	_, err := f.runner.CacheFirst(context.Background(), rule(t, rules.CategoryStaticAsset), fetch.MustRequest("https://rowhni.app/manifest.json"))
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestImageFallbackChain(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)
	req := fetch.MustRequest("https://rowhni.app/Screenshots/image1.jpg")

	resp, err := f.runner.CacheFirstWithFallback(context.Background(), rule(t, rules.CategoryImage), req)
	if err != nil {
		t.Fatalf("image strategy must swallow network errors: %v", err)
	}
	if resp.Status != http.StatusNotFound || string(resp.Body) != imageUnavailableBody {
		t.Fatalf("expected synthetic 404, got %d %q", resp.Status, resp.Body)
	}

	f.seed(t, f.names.Static, "https://rowhni.app/rowhni_logo_day.png", "logo")
	resp, err = f.runner.CacheFirstWithFallback(context.Background(), rule(t, rules.CategoryImage), req)
	if err != nil || string(resp.Body) != "logo" || resp.Source != cache.SourceFallback {
		t.Fatalf("expected cached logo fallback, got %v %v", resp, err)
	}
}

func TestImageNonOKUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.names.Static, "https://rowhni.app/rowhni_logo_day.png", "logo")

	resp, err := f.runner.CacheFirstWithFallback(context.Background(), rule(t, rules.CategoryImage), fetch.MustRequest("https://rowhni.app/gone.png"))
	if err != nil || string(resp.Body) != "logo" {
		t.Fatalf("non-ok image should fall back to logo, got %v %v", resp, err)
	}
	if f.cached(t, f.names.Image, "https://rowhni.app/gone.png") != nil {
		t.Fatalf("failed image must not be cached")
	}
}

func TestImageSuccessCachedInImagePartition(t *testing.T) {
	f := newFixture(t)
	f.network.set("https://rowhni.app/photo.webp", 200, "webp")
	resp, err := f.runner.CacheFirstWithFallback(context.Background(), rule(t, rules.CategoryImage), fetch.MustRequest("https://rowhni.app/photo.webp"))
	if err != nil || string(resp.Body) != "webp" {
		t.Fatalf("unexpected result %v %v", resp, err)
	}
	if f.cached(t, f.names.Image, "https://rowhni.app/photo.webp") == nil {
		t.Fatalf("image should be cached in image partition")
	}
}

func TestNetworkFirstSuccessfulOnlyCaching(t *testing.T) {
	f := newFixture(t)
	resp, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDynamic), fetch.MustRequest("https://rowhni.app/api/missing"))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("404 should be returned to the caller, got %d", resp.Status)
	}
	for _, name := range f.names.All() {
		if f.cached(t, name, "https://rowhni.app/api/missing") != nil {
			t.Fatalf("404 must not be cached in %s", name)
		}
	}

	f.network.set("https://rowhni.app/api/feed", 200, "feed")
	if _, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDynamic), fetch.MustRequest("https://rowhni.app/api/feed")); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if f.cached(t, f.names.Dynamic, "https://rowhni.app/api/feed") == nil {
		t.Fatalf("successful response should be cached in dynamic partition")
	}
}

func TestNetworkFirstFallsBackToExactMatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.names.Dynamic, "https://rowhni.app/api/feed", "stale")
	f.network.fail(true)

	resp, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDynamic), fetch.MustRequest("https://rowhni.app/api/feed"))
	if err != nil || string(resp.Body) != "stale" {
		t.Fatalf("expected cached fallback, got %v %v", resp, err)
	}
}

func TestNetworkFirstDirectoryIndexFallback(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)
	f.seed(t, f.names.Static, "https://rowhni.app/privacy/", "privacy page")

	req := fetch.MustRequest("https://rowhni.app/privacy")
	req.Header.Set("Accept", "text/html")
	resp, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDefault), req)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if string(resp.Body) != "privacy page" {
		t.Fatalf("expected directory index entry, got %d %q", resp.Status, resp.Body)
	}
}

func TestNetworkFirstDirectoryIndexRequiresNavigation(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)
	f.seed(t, f.names.Static, "https://rowhni.app/privacy/", "privacy page")

	resp, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDefault), fetch.MustRequest("https://rowhni.app/privacy"))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("non-navigation request should not use directory index, got %d %q", resp.Status, resp.Body)
	}
}

func TestOfflineTerminalCase(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)

	resp, err := f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDefault), fetch.MustRequest("https://rowhni.app/unknown"))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable || string(resp.Body) != offlineBody {
		t.Fatalf("expected 503 Offline, got %d %q", resp.Status, resp.Body)
	}

	f.seed(t, f.names.Static, "https://rowhni.app/", "<html>home</html>")
	resp, err = f.runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDefault), fetch.MustRequest("https://rowhni.app/unknown"))
	if err != nil || string(resp.Body) != "<html>home</html>" {
		t.Fatalf("expected cached root document, got %v %v", resp, err)
	}
}

func TestStaleWhileRevalidateFreshness(t *testing.T) {
	f := newFixture(t)
	tasks := &taskList{}
	cssRule := rule(t, rules.CategoryCSSOrJS)
	const css = "https://rowhni.app/_assets/site.css"
	f.network.set(css, 200, "v1")

	resp, err := f.runner.StaleWhileRevalidate(context.Background(), tasks, cssRule, fetch.MustRequest(css))
	if err != nil || string(resp.Body) != "v1" {
		t.Fatalf("first request should block on network, got %v %v", resp, err)
	}
	if len(tasks.tasks) != 0 {
		t.Fatalf("no background work expected without a cached entry")
	}

	f.network.set(css, 200, "v2")
	resp, err = f.runner.StaleWhileRevalidate(context.Background(), tasks, cssRule, fetch.MustRequest(css))
	if err != nil || string(resp.Body) != "v1" || resp.Source != cache.SourceCache {
		t.Fatalf("second request should be served from cache, got %v %v", resp, err)
	}
	if f.network.count(css) != 1 {
		t.Fatalf("revalidation must not run before the cached response is returned")
	}

	tasks.run(t)
	if got := f.cached(t, f.names.Static, css); got == nil || string(got.Body) != "v2" {
		t.Fatalf("cache should be refreshed in the background, got %v", got)
	}
}

func TestStaleWhileRevalidateNoCacheNetworkError(t *testing.T) {
	f := newFixture(t)
	f.network.fail(true)
	_, err := f.runner.StaleWhileRevalidate(context.Background(), &taskList{}, rule(t, rules.CategoryCSSOrJS), fetch.MustRequest("https://rowhni.app/_assets/site.js"))
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestStaleWhileRevalidateSurvivesOutage(t *testing.T) {
	f := newFixture(t)
	tasks := &taskList{}
	const css = "https://rowhni.app/_assets/site.css"
	f.seed(t, f.names.Static, css, "X")
	f.network.fail(true)

	resp, err := f.runner.StaleWhileRevalidate(context.Background(), tasks, rule(t, rules.CategoryCSSOrJS), fetch.MustRequest(css))
	if err != nil || string(resp.Body) != "X" {
		t.Fatalf("expected cached body, got %v %v", resp, err)
	}
	tasks.run(t)
	if got := f.cached(t, f.names.Static, css); got == nil || string(got.Body) != "X" {
		t.Fatalf("failed revalidation must keep cached entry")
	}
}

func TestCacheWriteFailureDoesNotChangeResponse(t *testing.T) {
	origin, _ := url.Parse("https://rowhni.app")
	network := newStubNetwork()
	network.set("https://rowhni.app/api/big", 200, "0123456789")
	runner := New(Options{
		Storage:      cache.NewMemoryStore(),
		Network:      network,
		Names:        cache.NewNames("rowhni", "v1.0.0"),
		Origin:       origin,
		MaxEntrySize: 4,
	})

	resp, err := runner.NetworkFirst(context.Background(), rule(t, rules.CategoryDynamic), fetch.MustRequest("https://rowhni.app/api/big"))
	if err != nil || string(resp.Body) != "0123456789" {
		t.Fatalf("quota failure must not affect response, got %v %v", resp, err)
	}
}
