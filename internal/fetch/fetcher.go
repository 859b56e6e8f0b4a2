package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/config"
)

// ErrNetwork 表示请求未拿到任何 HTTP 响应（DNS、连接、超时等）。
// HTTP 错误状态码不属于网络错误。
var ErrNetwork = errors.New("network failure")

// Fetcher 是 worker 访问网络的唯一入口，测试中以桩替换。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// NetworkError 包装底层错误并满足 errors.Is(err, ErrNetwork)。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultTimeout = 15 * time.Second

// NewClient 返回共享 http.Client；超时取 UpstreamTimeout，超时按网络错误处理。
func NewClient(cfg *config.Config) *http.Client {
	timeout := defaultTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// HTTPFetcher 通过 http.Client 发起真实网络请求，并将响应完整读入内存。
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPFetcher 构造网络 fetcher，maxBodyBytes <= 0 表示不限制正文大小。
func NewHTTPFetcher(client *http.Client, maxBodyBytes int64) *HTTPFetcher {
	if client == nil {
		client = NewClient(nil)
	}
	return &HTTPFetcher{client: client, maxBodyBytes: maxBodyBytes}
}

// Fetch 执行请求；只有拿不到响应时才返回 ErrNetwork。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("nil request")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	target := req.URL.String()
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	// 由 Transport 自动协商压缩，缓存中保存解压后的正文。
	httpReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if f.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodyBytes+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	if f.maxBodyBytes > 0 && int64(len(payload)) > f.maxBodyBytes {
		return nil, &NetworkError{URL: target, Err: fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes)}
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	header.Del("Content-Encoding")

	return &cache.Response{
		URL:    target,
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Source: cache.SourceNetwork,
	}, nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
