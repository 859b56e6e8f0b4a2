package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/logging"
	"github.com/rowhni/rowhni-sw/internal/rules"
)

// FetchResult 是一次 fetch 派发的结果。Intercepted 为 false 时调用方应直接访问网络。
type FetchResult struct {
	Response    *cache.Response
	Intercepted bool
	Rule        rules.Rule
}

// Fetch 派发 fetch 事件。只有 activated 状态才拦截请求；处理器出错或 panic
// 且尚未响应时，返回缓存的根文档或 503 "Offline"。
func (w *Worker) Fetch(ctx context.Context, req *fetch.Request) FetchResult {
	if w.State() != StateActivated {
		return FetchResult{}
	}
	if req.Mode == fetch.ModeNavigate && req.IsGET() {
		w.clients.Add(req.URL.String())
	}

	ev := &FetchEvent{ExtendableEvent: w.newEvent(EventFetch), Request: req}
	err := w.invoke(ctx, ev)
	w.track(ev)

	resp, responded := ev.Response()
	if err != nil {
		w.logger.WithFields(logrus.Fields{"action": "fetch_error", "url": req.URL.String()}).WithError(err).Error("fetch handler failed")
		if !responded {
			resp, responded = w.runner.Offline(ctx), true
		}
	}
	w.metrics.Event(string(EventFetch), err)
	if !responded || resp == nil {
		return FetchResult{}
	}
	return FetchResult{Response: resp, Intercepted: true, Rule: rules.Classify(req, w.origin.Hostname())}
}

// handleFetch 跳过非 GET 与非 http(s) 请求，其余请求分类后交给对应策略。
func (w *Worker) handleFetch(ctx context.Context, ev Event) error {
	fe, ok := ev.(*FetchEvent)
	if !ok {
		return nil
	}
	req := fe.Request
	if req == nil || !req.IsGET() || !req.IsHTTP() {
		return nil
	}

	rule := rules.Classify(req, w.origin.Hostname())
	resp, err := w.runner.Run(ctx, fe, rule, req)
	if err != nil {
		w.logger.WithFields(logging.FetchFields(rule.Category, string(rule.Strategy), w.names.For(rule.Partition), req.URL.String())).
			WithError(err).Warn("strategy failed, serving offline fallback")
		resp = w.runner.Offline(ctx)
	}
	return fe.RespondWith(resp)
}
