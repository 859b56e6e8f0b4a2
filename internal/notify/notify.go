// Package notify displays push notifications. The worker builds a Notification
// from the push payload and hands it to a Notifier: ShoutrrrNotifier forwards to
// external services configured by URL, LogNotifier records it locally.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"
)

// Action 是通知上的操作按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification 对应 showNotification 的标题与选项。
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Data    string   `json:"data,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Closed  bool     `json:"closed"`
}

// Notifier 展示与关闭通知。
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Message 生成纯文本通知正文，附带链接与可用操作。
func (n Notification) Message() string {
	var b strings.Builder
	b.WriteString(n.Body)
	if n.Data != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(n.Data)
	}
	if len(n.Actions) > 0 {
		titles := make([]string, 0, len(n.Actions))
		for _, action := range n.Actions {
			titles = append(titles, action.Title)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[" + strings.Join(titles, " | ") + "]")
	}
	return b.String()
}

// ShoutrrrNotifier 通过 shoutrrr 路由将通知投递到配置的服务。
type ShoutrrrNotifier struct {
	sender *router.ServiceRouter
	logger *logrus.Logger
}

// NewShoutrrrNotifier 根据服务 URL 构造 notifier；URL 为空时返回错误。
func NewShoutrrrNotifier(urls []string, logger *logrus.Logger) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one notify url is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notify sender: %w", err)
	}
	return &ShoutrrrNotifier{sender: sender, logger: logger}, nil
}

func (s *ShoutrrrNotifier) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{"title": n.Title}
	if errs := s.sender.Send(n.Message(), &params); len(errs) > 0 {
		var joined []error
		for _, err := range errs {
			if err != nil {
				joined = append(joined, err)
			}
		}
		if len(joined) > 0 {
			return fmt.Errorf("send notification: %w", errors.Join(joined...))
		}
	}
	return nil
}

// Close 外部服务无法撤回消息，仅记录日志。
func (s *ShoutrrrNotifier) Close(_ context.Context, id string) error {
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"action": "notification_close", "notification_id": id}).Debug("close is a no-op for remote services")
	}
	return nil
}

// LogNotifier 将通知写入日志并保留在内存中，供诊断接口与测试读取。
type LogNotifier struct {
	logger *logrus.Logger

	mu    sync.Mutex
	items []Notification
}

// NewLogNotifier 构造本地 notifier。
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Show(_ context.Context, n Notification) error {
	l.mu.Lock()
	l.items = append(l.items, n)
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"action":          "notification_show",
			"notification_id": n.ID,
			"title":           n.Title,
			"data":            n.Data,
		}).Info("notification shown")
	}
	return nil
}

func (l *LogNotifier) Close(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Closed = true
			return nil
		}
	}
	return fmt.Errorf("notification %s not found", id)
}

// Shown 返回已展示通知的副本。
func (l *LogNotifier) Shown() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notification(nil), l.items...)
}

// Multi 将通知依次交给多个 notifier，汇总全部错误。
type Multi []Notifier

func (m Multi) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context, id string) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
