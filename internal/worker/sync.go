package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/logging"
)

// ErrSyncIncomplete 表示仍有记录留待下次同步。
var ErrSyncIncomplete = errors.New("sync incomplete")

// Sync 派发 sync 事件并等待其完成。
func (w *Worker) Sync(ctx context.Context, tag string) error {
	ev := &SyncEvent{ExtendableEvent: w.newEvent(EventSync), Tag: tag}
	return w.Dispatch(ctx, ev)
}

func (w *Worker) handleSync(_ context.Context, ev Event) error {
	se, ok := ev.(*SyncEvent)
	if !ok {
		return nil
	}
	if se.Tag != NewsletterSyncTag {
		w.logger.WithFields(logrus.Fields{"action": "sync", "tag": se.Tag}).Debug("ignoring unknown sync tag")
		return nil
	}
	se.WaitUntil(func(ctx context.Context) error {
		return w.syncNewsletter(ctx, se.Tag)
	})
	return nil
}

// syncNewsletter 逐条 POST 待同步订阅。2xx 与 4xx 视为终态并删除，网络错误与 5xx 保留重试。
func (w *Worker) syncNewsletter(ctx context.Context, tag string) error {
	if w.opts.Outbox == nil {
		return nil
	}
	pending, err := w.opts.Outbox.Pending(ctx, tag)
	if err != nil {
		return fmt.Errorf("load pending submissions: %w", err)
	}

	entry := w.logger.WithFields(logging.EventFields(string(EventSync), w.opts.CacheVersion)).WithField("tag", tag)
	retained := 0
	for _, sub := range pending {
		status, err := w.postSubscription(ctx, sub.Email)
		switch {
		case err != nil:
			retained++
			w.metrics.SyncDelivery(tag, "retry")
			entry.WithField("submission_id", sub.ID).WithError(err).Warn("failed to sync newsletter signup")
			if markErr := w.opts.Outbox.MarkAttempt(ctx, sub.ID, err); markErr != nil {
				entry.WithError(markErr).Warn("failed to record sync attempt")
			}
		case status >= http.StatusInternalServerError:
			retained++
			cause := fmt.Errorf("subscribe endpoint returned %d", status)
			w.metrics.SyncDelivery(tag, "retry")
			entry.WithFields(logrus.Fields{"submission_id": sub.ID, "status": status}).Warn("subscribe endpoint unavailable")
			if markErr := w.opts.Outbox.MarkAttempt(ctx, sub.ID, cause); markErr != nil {
				entry.WithError(markErr).Warn("failed to record sync attempt")
			}
		default:
			result := "delivered"
			if status >= http.StatusBadRequest {
				result = "rejected"
			}
			w.metrics.SyncDelivery(tag, result)
			entry.WithFields(logrus.Fields{"submission_id": sub.ID, "status": status, "result": result}).Info("newsletter signup synced")
			if err := w.opts.Outbox.Remove(ctx, sub.ID); err != nil {
				return fmt.Errorf("remove submission %s: %w", sub.ID, err)
			}
		}
	}
	if retained > 0 {
		return fmt.Errorf("%w: %d of %d submissions pending", ErrSyncIncomplete, retained, len(pending))
	}
	return nil
}

func (w *Worker) postSubscription(ctx context.Context, email string) (int, error) {
	req, err := w.resolve(w.opts.SubscribeEndpoint)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return 0, err
	}
	req.Method = http.MethodPost
	req.Body = body
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}
