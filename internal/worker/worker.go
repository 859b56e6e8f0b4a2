// Package worker runs the offline caching worker: an explicit lifecycle state
// machine (install, activate) and a dispatch table mapping each event kind to
// its handler. Handlers extend an event's lifetime through WaitUntil; the
// worker awaits lifecycle events and tracks fetch lifetimes in the background
// so that Drain can wait for revalidation writes on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/logging"
	"github.com/rowhni/rowhni-sw/internal/metrics"
	"github.com/rowhni/rowhni-sw/internal/notify"
	"github.com/rowhni/rowhni-sw/internal/outbox"
	"github.com/rowhni/rowhni-sw/internal/strategy"
)

// State 是 worker 生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var allStates = []string{
	string(StateParsed), string(StateInstalling), string(StateInstalled),
	string(StateActivating), string(StateActivated), string(StateRedundant),
}

var (
	// ErrInvalidState 表示生命周期方法在错误的状态下被调用。
	ErrInvalidState = errors.New("invalid worker state")
	// ErrNoHandler 表示事件类型没有注册处理器。
	ErrNoHandler = errors.New("no handler registered")
)

// Outbox 是后台同步读取的待投递队列。
type Outbox interface {
	Pending(ctx context.Context, tag string) ([]outbox.Submission, error)
	Remove(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, cause error) error
}

// Worker 持有缓存、网络与事件处理表。
type Worker struct {
	opts     Options
	origin   *url.URL
	names    cache.Names
	runner   *strategy.Runner
	clients  *Clients
	logger   *logrus.Logger
	metrics  *metrics.Recorder
	handlers map[EventKind]Handler

	base   context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	state       State
	skipWaiting bool

	inflight sync.WaitGroup
}

// New 构造 worker 并注册默认处理器。ctx 是所有 WaitUntil 任务的基础上下文。
func New(ctx context.Context, opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin url is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	opts.applyDefaults()

	names := cache.NewNames(opts.CachePrefix, opts.CacheVersion)
	base, cancel := context.WithCancel(ctx)
	w := &Worker{
		opts:    opts,
		origin:  opts.Origin,
		names:   names,
		clients: NewClients(opts.Origin, opts.Logger),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
		state:   StateParsed,
		runner: strategy.New(strategy.Options{
			Storage:       opts.Storage,
			Network:       opts.Network,
			Names:         names,
			Origin:        opts.Origin,
			RootDocument:  opts.RootDocument,
			FallbackImage: opts.FallbackImage,
			MaxEntrySize:  opts.MaxEntrySize,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
		}),
	}
	w.handlers = map[EventKind]Handler{
		EventInstall:           w.handleInstall,
		EventActivate:          w.handleActivate,
		EventFetch:             w.handleFetch,
		EventSync:              w.handleSync,
		EventPush:              w.handlePush,
		EventNotificationClick: w.handleNotificationClick,
	}
	w.metrics.SetState(string(StateParsed), allStates)
	return w, nil
}

// On 替换指定事件的处理器，nil 表示移除。
func (w *Worker) On(kind EventKind, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if handler == nil {
		delete(w.handlers, kind)
		return
	}
	w.handlers[kind] = handler
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Names 返回当前版本的分区名称。
func (w *Worker) Names() cache.Names {
	return w.names
}

// Clients 返回受控页面集合。
func (w *Worker) Clients() *Clients {
	return w.clients
}

// Storage 返回缓存存储。
func (w *Worker) Storage() cache.Storage {
	return w.opts.Storage
}

// Origin 返回站点来源。
func (w *Worker) Origin() *url.URL {
	return w.origin
}

func (w *Worker) setState(next State) {
	w.mu.Lock()
	w.state = next
	w.mu.Unlock()
	w.metrics.SetState(string(next), allStates)
	w.logger.WithFields(logrus.Fields{"action": "state_change", "state": next}).Info("worker state changed")
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidState, from, w.state)
	}
	w.state = to
	w.metrics.SetState(string(to), allStates)
	return nil
}

// SkipWaiting 标记新版本无需等待旧页面关闭即可激活。
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// SkipWaitingRequested 返回是否已调用 SkipWaiting。
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

func (w *Worker) newEvent(kind EventKind) ExtendableEvent {
	return ExtendableEvent{kind: kind, life: newLifetime(w.base)}
}

// Dispatch 运行处理器并等待其注册的全部任务，用于生命周期、sync 与 push 事件。
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	err := w.invoke(ctx, ev)
	waitErr := ev.lifetime().Wait()
	err = errors.Join(err, waitErr)
	w.metrics.Event(string(ev.Kind()), err)
	return err
}

// invoke 查表调用处理器，panic 转为错误。
func (w *Worker) invoke(ctx context.Context, ev Event) (err error) {
	w.mu.RLock()
	handler, ok := w.handlers[ev.Kind()]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v", ev.Kind(), r)
		}
	}()
	return handler(ctx, ev)
}

// track 在后台等待 fetch 事件的任务，Drain 会等待它们结束。
func (w *Worker) track(ev Event) {
	life := ev.lifetime()
	if life.Pending() == 0 {
		return
	}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		if err := life.Wait(); err != nil {
			w.logger.WithFields(logrus.Fields{"action": "lifetime_error", "event": ev.Kind()}).WithError(err).Warn("background task failed")
		}
	}()
}

// Drain 等待所有后台任务结束；ctx 到期时返回 ctx 的错误。
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 取消基础上下文并等待后台任务退出。
func (w *Worker) Close() {
	w.cancel()
	w.inflight.Wait()
}

// Status 汇总诊断信息。
type Status struct {
	State       State    `json:"state"`
	Version     string   `json:"version"`
	Partitions  []string `json:"partitions"`
	Origin      string   `json:"origin"`
	SkipWaiting bool     `json:"skip_waiting"`
	Clients     int      `json:"clients"`
	Claimed     bool     `json:"claimed"`
}

func (w *Worker) Status() Status {
	return Status{
		State:       w.State(),
		Version:     w.opts.CacheVersion,
		Partitions:  w.names.All(),
		Origin:      w.origin.String(),
		SkipWaiting: w.SkipWaitingRequested(),
		Clients:     len(w.clients.List()),
		Claimed:     w.clients.Claimed(),
	}
}

func (w *Worker) resolve(ref string) (*fetch.Request, error) {
	return fetch.Resolve(w.origin, ref)
}
