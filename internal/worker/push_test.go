package worker

import (
	"context"
	"testing"

	"github.com/rowhni/rowhni-sw/internal/config"
	"github.com/rowhni/rowhni-sw/internal/notify"
)

func TestPushShowsNotificationWithDefaults(t *testing.T) {
	h := newHarness(t, nil)
	payload := []byte(`{"title":"New episode","body":"Listen now","url":"/episodes/42"}`)
	if err := h.worker.Push(context.Background(), payload); err != nil {
		t.Fatalf("push: %v", err)
	}

	shown := h.notifier.Shown()
	if len(shown) != 1 {
		t.Fatalf("expected one notification, got %d", len(shown))
	}
	n := shown[0]
	if n.Title != "New episode" || n.Body != "Listen now" || n.Data != "/episodes/42" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.Icon != config.DefaultPushIcon || n.Badge != config.DefaultPushBadge {
		t.Fatalf("expected default icon and badge, got %q %q", n.Icon, n.Badge)
	}
	if len(n.Vibrate) != len(config.DefaultVibrate()) {
		t.Fatalf("expected default vibrate pattern, got %v", n.Vibrate)
	}
	if len(n.Actions) != 2 || n.Actions[0].Action != ActionView || n.Actions[1].Action != ActionClose {
		t.Fatalf("unexpected actions: %+v", n.Actions)
	}
	if n.ID == "" {
		t.Fatalf("notification should carry an id")
	}
}

func TestPushIgnoresEmptyPayload(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.worker.Push(context.Background(), nil); err != nil {
		t.Fatalf("empty push: %v", err)
	}
	if len(h.notifier.Shown()) != 0 {
		t.Fatalf("empty payload must not show a notification")
	}
}

func TestPushRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.worker.Push(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("invalid payload should fail")
	}
	if len(h.notifier.Shown()) != 0 {
		t.Fatalf("invalid payload must not show a notification")
	}
}

func TestNotificationClickView(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.worker.Push(context.Background(), []byte(`{"title":"t","url":"/episodes/42"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	n := h.notifier.Shown()[0]

	if err := h.worker.NotificationClick(context.Background(), ActionView, n); err != nil {
		t.Fatalf("click: %v", err)
	}
	if !h.notifier.Shown()[0].Closed {
		t.Fatalf("clicked notification should be closed")
	}
	windows := h.worker.Clients().Windows()
	if len(windows) != 1 || windows[0].URL != testOrigin+"/episodes/42" {
		t.Fatalf("expected window at resolved url, got %+v", windows)
	}
}

func TestNotificationClickClose(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.worker.Push(context.Background(), []byte(`{"title":"t","url":"/x"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	n := h.notifier.Shown()[0]

	if err := h.worker.NotificationClick(context.Background(), ActionClose, n); err != nil {
		t.Fatalf("click: %v", err)
	}
	if !h.notifier.Shown()[0].Closed {
		t.Fatalf("notification should be closed")
	}
	if len(h.worker.Clients().Windows()) != 0 {
		t.Fatalf("close action must not open a window")
	}
}

func TestNotificationClickViewWithoutURL(t *testing.T) {
	h := newHarness(t, nil)
	err := h.worker.NotificationClick(context.Background(), ActionView, notify.Notification{ID: "n1"})
	if err == nil {
		t.Fatalf("view without url should report an error")
	}
}
