package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/rules"
)

func TestFetchNotInterceptedBeforeActivation(t *testing.T) {
	h := newHarness(t, nil)
	h.serveManifest()
	if err := h.worker.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	result := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/_assets/site.css"))
	if result.Intercepted {
		t.Fatalf("installed worker must not intercept fetches")
	}
}

func TestFetchPassesThroughNonGET(t *testing.T) {
	spy := &spyStorage{Storage: cache.NewMemoryStore()}
	h := newHarness(t, func(o *Options) { o.Storage = spy })
	h.start(t)
	opens, matches := spy.opens.Load(), spy.matches.Load()

	req := fetch.MustRequest(testOrigin + "/api/subscribe")
	req.Method = http.MethodPost
	req.Body = []byte(`{"email":"a@b.c"}`)
	result := h.worker.Fetch(context.Background(), req)

	if result.Intercepted {
		t.Fatalf("POST must not be intercepted")
	}
	if spy.opens.Load() != opens || spy.matches.Load() != matches {
		t.Fatalf("POST must not touch the cache")
	}
}

func TestFetchSkipsNonHTTPScheme(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	result := h.worker.Fetch(context.Background(), fetch.MustRequest("chrome-extension://abc/script.js"))
	if result.Intercepted {
		t.Fatalf("non-http request must not be intercepted")
	}
}

func TestFetchCachesStylesheetAndServesOffline(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.respond(http.MethodGet, testOrigin+"/_assets/app.css", http.StatusOK, "X")

	first := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/_assets/app.css"))
	if !first.Intercepted || string(first.Response.Body) != "X" {
		t.Fatalf("unexpected first response: %+v", first)
	}
	if first.Rule.Category != rules.CategoryCSSOrJS {
		t.Fatalf("expected css-or-js rule, got %s", first.Rule.Category)
	}
	if h.cached(t, h.worker.Names().Static, testOrigin+"/_assets/app.css") == nil {
		t.Fatalf("stylesheet should be cached in static partition")
	}

	h.transport.Reset()
	second := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/_assets/app.css"))
	if string(second.Response.Body) != "X" || second.Response.Source != cache.SourceCache {
		t.Fatalf("offline request should be served from cache, got %q (%s)", second.Response.Body, second.Response.Source)
	}
	drain(t, h.worker)
}

func TestFetchRevalidatesInBackground(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.respond(http.MethodGet, testOrigin+"/_assets/app.js", http.StatusOK, "v1")
	h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/_assets/app.js"))

	h.respond(http.MethodGet, testOrigin+"/_assets/app.js", http.StatusOK, "v2")
	stale := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/_assets/app.js"))
	if string(stale.Response.Body) != "v1" {
		t.Fatalf("expected stale body v1, got %q", stale.Response.Body)
	}
	drain(t, h.worker)

	fresh := h.cached(t, h.worker.Names().Static, testOrigin+"/_assets/app.js")
	if fresh == nil || string(fresh.Body) != "v2" {
		t.Fatalf("background revalidation should store v2, got %+v", fresh)
	}
}

func TestFetchNavigationFallsBackToRootDocument(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.transport.Reset()

	req := fetch.MustRequest(testOrigin + "/about")
	req.Mode = fetch.ModeNavigate
	req.Destination = fetch.DestinationDocument
	result := h.worker.Fetch(context.Background(), req)

	if !result.Intercepted || result.Response.Source != cache.SourceOffline {
		t.Fatalf("expected offline root document, got %+v", result)
	}
	if string(result.Response.Body) != "<html>home</html>" {
		t.Fatalf("unexpected body %q", result.Response.Body)
	}
	if len(h.worker.Clients().List()) != 1 {
		t.Fatalf("navigation should register a client")
	}
}

func TestFetchNavigationUsesDirectoryIndex(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.transport.Reset()

	req := fetch.MustRequest(testOrigin + "/privacy?ref=footer")
	req.Mode = fetch.ModeNavigate
	result := h.worker.Fetch(context.Background(), req)

	if string(result.Response.Body) != "<html>privacy</html>" {
		t.Fatalf("expected cached /privacy/, got %q", result.Response.Body)
	}
}

func TestFetchImageFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.respond(http.MethodGet, testOrigin+"/img/missing.png", http.StatusNotFound, "")

	result := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/img/missing.png"))
	if result.Response.Status != http.StatusNotFound || result.Response.Source != cache.SourceFallback {
		t.Fatalf("expected 404 fallback, got %d (%s)", result.Response.Status, result.Response.Source)
	}

	h.seed(t, h.worker.Names().Static, testOrigin+"/rowhni_logo_day.png", "logo")
	result = h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/img/missing.png"))
	if string(result.Response.Body) != "logo" || result.Response.Source != cache.SourceFallback {
		t.Fatalf("expected fallback image, got %q (%s)", result.Response.Body, result.Response.Source)
	}
}

func TestFetchHandlerPanicServesOffline(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Manifest.Critical = []string{"/_assets/site.css"} })
	h.start(t)
	h.worker.On(EventFetch, func(context.Context, Event) error { panic("boom") })

	result := h.worker.Fetch(context.Background(), fetch.MustRequest(testOrigin+"/anything"))
	if !result.Intercepted {
		t.Fatalf("panicking handler should still yield a response")
	}
	if result.Response.Status != http.StatusServiceUnavailable || string(result.Response.Body) != "Offline" {
		t.Fatalf("expected 503 Offline, got %d %q", result.Response.Status, result.Response.Body)
	}
}

func TestFetchEventRespondWithOnce(t *testing.T) {
	h := newHarness(t, nil)
	ev := &FetchEvent{ExtendableEvent: h.worker.newEvent(EventFetch)}
	if err := ev.RespondWith(cache.NewTextResponse(http.StatusOK, "a")); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if err := ev.RespondWith(cache.NewTextResponse(http.StatusOK, "b")); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
	resp, ok := ev.Response()
	if !ok || string(resp.Body) != "a" {
		t.Fatalf("first response should win")
	}
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
