package fetch

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rowhni/rowhni-sw/internal/cache"
)

// 请求 destination 取值，与浏览器 Sec-Fetch-Dest 对应。
const (
	DestinationDocument = "document"
	DestinationImage    = "image"
	DestinationStyle    = "style"
	DestinationScript   = "script"
)

// ModeNavigate 表示页面导航请求。
const ModeNavigate = "navigate"

// Request 是被拦截请求的最小模型：方法、绝对 URL、destination/mode 与请求头。
type Request struct {
	Method      string
	URL         *url.URL
	Destination string
	Mode        string
	Header      http.Header
	Body        []byte
}

// NewRequest 构造 GET 请求，raw 必须是绝对 URL。
func NewRequest(raw string) (*Request, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: parsed, Header: http.Header{}}, nil
}

// MustRequest 仅用于测试与静态清单。
func MustRequest(raw string) *Request {
	req, err := NewRequest(raw)
	if err != nil {
		panic(err)
	}
	return req
}

// Key 返回请求对应的缓存键。
func (r *Request) Key() cache.Key {
	return cache.KeyFor(r.URL)
}

// IsGET 判断方法是否为 GET（空方法视为 GET）。
func (r *Request) IsGET() bool {
	return r.Method == "" || strings.EqualFold(r.Method, http.MethodGet)
}

// IsHTTP 判断 scheme 是否为 http/https。
func (r *Request) IsHTTP() bool {
	if r.URL == nil {
		return false
	}
	scheme := strings.ToLower(r.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

// AcceptsHTML 判断 Accept 头是否包含 text/html。
func (r *Request) AcceptsHTML() bool {
	return r.Header != nil && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// IsNavigation 判断请求是否为导航或接受 HTML。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate || r.AcceptsHTML()
}

// DirectoryIndex 返回 path + "/" 形式的目录索引请求；路径带扩展名或已以 / 结尾时返回 nil。
func (r *Request) DirectoryIndex() *Request {
	if r.URL == nil {
		return nil
	}
	p := r.URL.Path
	if p == "" || strings.HasSuffix(p, "/") || hasExtension(p) {
		return nil
	}
	clone := r.Clone()
	clone.URL.Path = p + "/"
	clone.URL.RawPath = ""
	clone.URL.RawQuery = ""
	return clone
}

func hasExtension(p string) bool {
	ext := path.Ext(p)
	return len(ext) > 1
}

// Resolve 将相对路径（如 "/"）解析为与当前请求同源的 GET 请求。
func Resolve(base *url.URL, ref string) (*Request, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	return &Request{Method: http.MethodGet, URL: parsed, Header: http.Header{}}, nil
}

// Clone 深拷贝请求。
func (r *Request) Clone() *Request {
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}
