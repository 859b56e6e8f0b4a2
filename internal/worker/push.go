package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/notify"
)

// 通知按钮。
const (
	ActionView  = "view"
	ActionClose = "close"
)

// PushPayload 是推送负载的 JSON 结构。
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Push 派发 push 事件并等待通知展示完成。
func (w *Worker) Push(ctx context.Context, data []byte) error {
	ev := &PushEvent{ExtendableEvent: w.newEvent(EventPush), Data: data}
	return w.Dispatch(ctx, ev)
}

// NotificationClick 派发 notificationclick 事件。
func (w *Worker) NotificationClick(ctx context.Context, action string, n notify.Notification) error {
	ev := &NotificationClickEvent{ExtendableEvent: w.newEvent(EventNotificationClick), Action: action, Notification: n}
	return w.Dispatch(ctx, ev)
}

// BuildNotification 根据负载生成带默认图标、震动与按钮的通知。
func (w *Worker) BuildNotification(payload PushPayload) notify.Notification {
	return notify.Notification{
		ID:      uuid.NewString(),
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    w.opts.PushIcon,
		Badge:   w.opts.PushBadge,
		Vibrate: append([]int(nil), w.opts.PushVibrate...),
		Data:    payload.URL,
		Actions: []notify.Action{
			{Action: ActionView, Title: "View", Icon: w.opts.PushBadge},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

// handlePush 忽略空负载；负载无法解析时返回错误。
func (w *Worker) handlePush(_ context.Context, ev Event) error {
	pe, ok := ev.(*PushEvent)
	if !ok || len(pe.Data) == 0 {
		return nil
	}
	var payload PushPayload
	if err := json.Unmarshal(pe.Data, &payload); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}

	n := w.BuildNotification(payload)
	pe.WaitUntil(func(ctx context.Context) error {
		return w.opts.Notifier.Show(ctx, n)
	})
	return nil
}

// handleNotificationClick 总是先关闭通知；view 按钮在 WaitUntil 中打开通知携带的 URL。
func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) error {
	ce, ok := ev.(*NotificationClickEvent)
	if !ok {
		return nil
	}
	if err := w.opts.Notifier.Close(ctx, ce.Notification.ID); err != nil {
		w.logger.WithFields(logrus.Fields{"action": "notification_close", "notification_id": ce.Notification.ID}).
			WithError(err).Debug("close notification failed")
	}
	if ce.Action != ActionView {
		return nil
	}
	target := ce.Notification.Data
	ce.WaitUntil(func(ctx context.Context) error {
		_, err := w.clients.OpenWindow(ctx, target)
		return err
	})
	return nil
}
