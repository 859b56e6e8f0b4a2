package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/config"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/rules"
	"github.com/rowhni/rowhni-sw/internal/worker"
)

func TestEncodeRulesKeepsPriorityOrder(t *testing.T) {
	encoded := encodeRules(rules.List())
	if len(encoded) == 0 {
		t.Fatalf("expected default rules")
	}
	for i := 1; i < len(encoded); i++ {
		if encoded[i-1].Priority > encoded[i].Priority {
			t.Fatalf("rules out of order: %+v", encoded)
		}
	}
	last := encoded[len(encoded)-1]
	if last.Category != rules.CategoryDefault || last.Strategy != string(rules.NetworkFirst) {
		t.Fatalf("default rule should come last, got %+v", last)
	}
}

const adminToken = "s3cret-admin"

func TestOutboxRoutesDisabledWithoutStore(t *testing.T) {
	app := newDiagnosticsApp(t, adminToken)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/-/outbox", strings.NewReader(`{"email":"a@rowhni.app"}`))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusServiceUnavailable || !strings.Contains(string(body), "outbox_disabled") {
			t.Fatalf("%s expected outbox_disabled, got %d %s", method, resp.StatusCode, body)
		}
	}
}

func TestAdminRoutesRefusedWithoutToken(t *testing.T) {
	app := newDiagnosticsApp(t, "")

	routes := []struct{ method, path string }{
		{http.MethodPost, "/-/outbox"},
		{http.MethodGet, "/-/outbox"},
		{http.MethodPost, "/-/sync/newsletter-signup"},
		{http.MethodPost, "/-/push"},
		{http.MethodPost, "/-/notificationclick"},
	}
	for _, route := range routes {
		req := httptest.NewRequest(route.method, route.path, strings.NewReader(`{"title":"Hi"}`))
		req.Header.Set("Authorization", "Bearer anything")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusForbidden || !strings.Contains(string(body), "admin_disabled") {
			t.Fatalf("%s %s expected admin_disabled, got %d %s", route.method, route.path, resp.StatusCode, body)
		}
	}
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	app := newDiagnosticsApp(t, adminToken)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong token", "Bearer nope", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic " + adminToken, fiber.StatusUnauthorized},
		{"valid", "Bearer " + adminToken, fiber.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/-/push", strings.NewReader(`{"title":"Hi","body":"News"}`))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestReadOnlyRoutesNeedNoToken(t *testing.T) {
	app := newDiagnosticsApp(t, adminToken)

	for _, path := range []string{"/-/status", "/-/rules", "/-/caches"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestCachesListsPartitions(t *testing.T) {
	app := newDiagnosticsApp(t, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"rowhni-static-v1.0.0"`) || !strings.Contains(string(body), `"current":true`) {
		t.Fatalf("expected static partition, got %s", body)
	}
}

func TestMetricsRouteAbsentWithoutGatherer(t *testing.T) {
	app := newDiagnosticsApp(t, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 without gatherer, got %d", resp.StatusCode)
	}
}

func newDiagnosticsApp(t *testing.T, token string) *fiber.App {
	t.Helper()
	network := fetch.FetcherFunc(func(context.Context, *fetch.Request) (*cache.Response, error) {
		return cache.NewTextResponse(http.StatusOK, "ok"), nil
	})
	origin, _ := url.Parse("https://rowhni.app")
	w, err := worker.New(context.Background(), worker.Options{
		Storage:  cache.NewMemoryStore(),
		Network:  network,
		Origin:   origin,
		Manifest: config.Manifest{Critical: []string{"/"}},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(w.Close)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	app := fiber.New()
	RegisterDiagnosticRoutes(app, Diagnostics{Worker: w, AdminToken: token})
	return app
}
