package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 对应浏览器中的 CacheStorage：按名称管理多个分区。
type Storage interface {
	// Open 打开指定分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回当前所有分区名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个分区，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 依次在所有分区中查找 key，返回首个命中；未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)
}

// Partition 是单个具名缓存分区。同一 key 的并发写入以最后一次为准。
type Partition interface {
	Name() string
	Match(ctx context.Context, key Key) (*Response, error)
	Put(ctx context.Context, key Key, resp *Response) error
	Delete(ctx context.Context, key Key) (bool, error)
	Keys(ctx context.Context) ([]Key, error)
}

// 响应来源，仅用于观测，不会持久化。
const (
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceOffline  = "offline"
)

// Response 是缓存与网络之间流转的统一响应结构。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
	Source   string      `json:"-"`
}

// NewTextResponse 构造合成的纯文本响应，例如 503 "Offline"。
func NewTextResponse(status int, body string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: status,
		Header: header,
		Body:   []byte(body),
	}
}

// OK 与 fetch Response.ok 语义一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝 header 与 body，写缓存与返回调用方时互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// WithSource 返回带来源标记的副本。
func (r *Response) WithSource(source string) *Response {
	cloned := r.Clone()
	if cloned != nil {
		cloned.Source = source
	}
	return cloned
}

// Key 是归一化后的请求键：方法（恒为 GET）+ 去掉 fragment 的绝对 URL。
type Key string

const keyMethodPrefix = "GET "

// KeyFor 根据绝对 URL 生成缓存键。
func KeyFor(u *url.URL) Key {
	if u == nil {
		return ""
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Key(keyMethodPrefix + clean.String())
}

// ParseKey 解析字符串形式的 URL 并生成缓存键。
func ParseKey(raw string) (Key, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() {
		return "", errors.New("cache key requires an absolute url")
	}
	return KeyFor(parsed), nil
}

// URL 返回键中的 URL 部分。
func (k Key) URL() string {
	return strings.TrimPrefix(string(k), keyMethodPrefix)
}

// Role 描述分区用途。
type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
	RoleImage   Role = "image"
)

// Names 是当前版本的三个分区名称，激活时不在其中的分区都会被清理。
type Names struct {
	Static  string
	Dynamic string
	Image   string
}

// NewNames 生成 <prefix>-static-<version> 形式的分区名称。
func NewNames(prefix, version string) Names {
	return Names{
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
		Image:   prefix + "-images-" + version,
	}
}

// For 返回 role 对应的分区名，未知 role 回退到 dynamic。
func (n Names) For(role Role) string {
	switch role {
	case RoleStatic:
		return n.Static
	case RoleImage:
		return n.Image
	default:
		return n.Dynamic
	}
}

// All 返回全部现行分区名称。
func (n Names) All() []string {
	return []string{n.Static, n.Dynamic, n.Image}
}

// Contains 判断 name 是否属于当前版本。
func (n Names) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.Image
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名称非法（为空或包含路径分隔符）。
var ErrInvalidPartition = errors.New("invalid partition name")

func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return ErrInvalidPartition
	}
	return nil
}
