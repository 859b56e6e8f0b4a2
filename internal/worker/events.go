package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/notify"
)

// EventKind 是 worker 能处理的六种事件。
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// ErrAlreadyResponded 表示同一个 fetch 事件被响应了两次。
var ErrAlreadyResponded = errors.New("fetch event already responded")

// Event 是派发给 Handler 的事件。
type Event interface {
	Kind() EventKind
	WaitUntil(task func(ctx context.Context) error)
	lifetime() *Lifetime
}

// Handler 处理单个事件；返回的错误与 WaitUntil 任务的错误一起汇总。
type Handler func(ctx context.Context, ev Event) error

// Lifetime 收集事件通过 WaitUntil 注册的异步任务。任务运行在 worker 的基础
// ctx 上，因此在原始请求结束后仍会继续，直到 Wait 返回。
type Lifetime struct {
	base  context.Context
	mu    sync.Mutex
	pool  *pool.ContextPool
	tasks atomic.Int64
}

func newLifetime(base context.Context) *Lifetime {
	return &Lifetime{base: base}
}

// WaitUntil 立即在后台启动任务。单个任务失败不会取消其他任务。
// 任务池在首次注册时才创建，没有任务的事件不会派生 ctx。
func (l *Lifetime) WaitUntil(task func(ctx context.Context) error) {
	l.mu.Lock()
	if l.pool == nil {
		l.pool = pool.New().WithContext(l.base)
	}
	p := l.pool
	l.tasks.Add(1)
	l.mu.Unlock()
	p.Go(task)
}

// Pending 返回注册过的任务数。
func (l *Lifetime) Pending() int64 {
	return l.tasks.Load()
}

// Wait 等待全部任务结束并返回汇总错误，随后释放派生的 ctx。
func (l *Lifetime) Wait() error {
	l.mu.Lock()
	p := l.pool
	l.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Wait()
}

// ExtendableEvent 是所有事件共用的部分。
type ExtendableEvent struct {
	kind EventKind
	life *Lifetime
}

func (e *ExtendableEvent) Kind() EventKind {
	return e.kind
}

func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.life.WaitUntil(task)
}

func (e *ExtendableEvent) lifetime() *Lifetime {
	return e.life
}

// InstallEvent 在安装阶段派发。
type InstallEvent struct {
	ExtendableEvent
}

// ActivateEvent 在激活阶段派发。
type ActivateEvent struct {
	ExtendableEvent
}

// FetchEvent 携带被拦截的请求；Handler 不调用 RespondWith 时请求直接走网络。
type FetchEvent struct {
	ExtendableEvent
	Request *fetch.Request

	mu        sync.Mutex
	response  *cache.Response
	responded bool
}

// RespondWith 设置响应，只能调用一次。
func (e *FetchEvent) RespondWith(resp *cache.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return ErrAlreadyResponded
	}
	e.response = resp
	e.responded = true
	return nil
}

// Response 返回已设置的响应。
func (e *FetchEvent) Response() (*cache.Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response, e.responded
}

// SyncEvent 是后台同步事件。
type SyncEvent struct {
	ExtendableEvent
	Tag string
}

// PushEvent 携带原始推送负载，可能为空。
type PushEvent struct {
	ExtendableEvent
	Data []byte
}

// NotificationClickEvent 表示用户点击了通知或其上的按钮。
type NotificationClickEvent struct {
	ExtendableEvent
	Action       string
	Notification notify.Notification
}
