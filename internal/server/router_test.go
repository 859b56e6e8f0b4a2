package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/rowhni/rowhni-sw/internal/logging"
)

func TestRouterForwardsToProxy(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://rowhni.app/about", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.lastPath != "/about" {
		t.Fatalf("expected proxy to receive /about, got %q", recorder.lastPath)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if recorder.lastRequestID != reqID {
		t.Fatalf("proxy should see the same request id, got %q vs %q", recorder.lastRequestID, reqID)
	}
}

func TestRouterSkipsProxyForDiagnostics(t *testing.T) {
	app, recorder := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error { return c.SendString("pong") })

	resp, err := app.Test(httptest.NewRequest("GET", "http://rowhni.app/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %s", string(body))
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics must not reach the proxy")
	}
}

func TestRouterUnknownDiagnosticsReturnsJSON404(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://rowhni.app/-/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected not_found error, got %s", string(body))
	}
}

func TestRouterRecoversProxyPanic(t *testing.T) {
	logger := logging.NewDiscardLogger()
	app, err := NewApp(AppOptions{
		Logger: logger,
		Proxy:  ProxyHandlerFunc(func(fiber.Ctx) error { panic("boom") }),
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://rowhni.app/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logging.NewDiscardLogger()}); err == nil {
		t.Fatalf("expected error without proxy")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *proxyRecorder) {
	t.Helper()
	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger: logging.NewDiscardLogger(),
		Proxy:  recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = string(c.Request().URI().Path())
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
