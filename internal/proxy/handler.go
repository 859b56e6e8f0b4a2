// Package proxy translates inbound HTTP requests into worker fetch events and
// writes the resulting responses back through Fiber.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/server"
	"github.com/rowhni/rowhni-sw/internal/worker"
)

// SourcePassthrough 标记未被 worker 拦截、直接转发到网络的响应。
const SourcePassthrough = "passthrough"

// Interceptor 是 Handler 依赖的 worker 能力。
type Interceptor interface {
	Fetch(ctx context.Context, req *fetch.Request) worker.FetchResult
}

// Handler 把请求交给 worker；worker 不拦截时直接回源。
type Handler struct {
	worker   Interceptor
	network  fetch.Fetcher
	origin   *url.URL
	external map[string]struct{}
	logger   *logrus.Logger
}

// NewHandler constructs a proxy handler. Requests whose Host is one of
// externalHosts are mapped to https://<host><path>, all others to origin.
func NewHandler(w Interceptor, network fetch.Fetcher, origin *url.URL, externalHosts []string, logger *logrus.Logger) *Handler {
	external := make(map[string]struct{}, len(externalHosts))
	for _, host := range externalHosts {
		external[strings.ToLower(host)] = struct{}{}
	}
	return &Handler{
		worker:   w,
		network:  network,
		origin:   origin,
		external: external,
		logger:   logger,
	}
}

// Handle 执行 fetch 派发，失败时回退到直接转发，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(c)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Warn("proxy_bad_request")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result := h.worker.Fetch(ctx, req)
	if result.Intercepted {
		h.writeResponse(c, result.Response, result.Response.Source, requestID)
		h.logResult(req, result, result.Response.Status, requestID, started, nil)
		return nil
	}

	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(req, result, 0, requestID, started, err)
		if errors.Is(err, context.Canceled) {
			return err
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.writeResponse(c, resp, SourcePassthrough, requestID)
	h.logResult(req, result, resp.Status, requestID, started, nil)
	return nil
}

// buildRequest 根据 Host 选择目标站点，并把 Sec-Fetch-* 头映射为 destination/mode。
func (h *Handler) buildRequest(c fiber.Ctx) (*fetch.Request, error) {
	uri := c.Request().URI()
	base := h.origin
	if host := requestHost(c); host != "" {
		if _, ok := h.external[host]; ok {
			base = &url.URL{Scheme: "https", Host: host}
		}
	}
	if base == nil {
		return nil, errors.New("origin is not configured")
	}

	relative := &url.URL{Path: normalizeRequestPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := base.ResolveReference(relative)

	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())

	return &fetch.Request{
		Method:      c.Method(),
		URL:         target,
		Destination: strings.ToLower(c.Get("Sec-Fetch-Dest")),
		Mode:        strings.ToLower(c.Get("Sec-Fetch-Mode")),
		Header:      header,
		Body:        append([]byte(nil), c.Body()...),
	}, nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *cache.Response, source, requestID string) {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Rowhni-Source", source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBody(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req *fetch.Request, result worker.FetchResult, status int, requestID string, started time.Time, err error) {
	fields := logrus.Fields{
		"action":      "proxy",
		"method":      req.Method,
		"url":         req.URL.String(),
		"intercepted": result.Intercepted,
		"status":      status,
		"elapsed_ms":  time.Since(started).Milliseconds(),
	}
	if result.Intercepted {
		fields["category"] = result.Rule.Category
		fields["strategy"] = string(result.Rule.Strategy)
		fields["source"] = result.Response.Source
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// normalizeRequestPath 清理路径但保留结尾斜杠，目录索引依赖它。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func requestHost(c fiber.Ctx) string {
	host := string(c.Request().Header.Peek(fiber.HeaderHost))
	if host == "" {
		host = c.Hostname()
	}
	if stripped, _, err := net.SplitHostPort(host); err == nil {
		host = stripped
	}
	return strings.ToLower(strings.TrimSpace(host))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
