package worker

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxTrackedClients = 256

// Client 是一个被 worker 看到的页面。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controlled bool      `json:"controlled"`
	OpenedAt   time.Time `json:"opened_at"`
	Window     bool      `json:"window"`
}

// Clients 记录导航产生的页面、claim 状态以及通知点击打开的窗口。
type Clients struct {
	origin *url.URL
	logger *logrus.Logger

	mu      sync.Mutex
	claimed bool
	items   []Client
}

// NewClients 构造页面集合，OpenWindow 的相对 URL 按 origin 解析。
func NewClients(origin *url.URL, logger *logrus.Logger) *Clients {
	return &Clients{origin: origin, logger: logger}
}

// Add 记录一次页面导航；claim 之后的新页面直接受控。
func (c *Clients) Add(rawURL string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client := Client{ID: uuid.NewString(), URL: rawURL, Controlled: c.claimed, OpenedAt: time.Now().UTC()}
	c.append(client)
	return client
}

// Claim 接管所有已知页面。
func (c *Clients) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.claimed = true
	for i := range c.items {
		c.items[i].Controlled = true
	}
	count := len(c.items)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{"action": "clients_claim", "clients": count}).Info("claimed clients")
	}
	return nil
}

// Claimed 返回是否已执行 Claim。
func (c *Clients) Claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// OpenWindow 打开指定 URL 的窗口。URL 为空时返回错误。
func (c *Clients) OpenWindow(ctx context.Context, rawURL string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	if rawURL == "" {
		return Client{}, errors.New("open window: empty url")
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return Client{}, err
	}
	if c.origin != nil {
		target = c.origin.ResolveReference(target)
	}

	c.mu.Lock()
	client := Client{
		ID:         uuid.NewString(),
		URL:        target.String(),
		Controlled: c.claimed,
		OpenedAt:   time.Now().UTC(),
		Window:     true,
	}
	c.append(client)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{"action": "open_window", "url": client.URL}).Info("window opened")
	}
	return client, nil
}

// List 返回当前页面快照。
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Client(nil), c.items...)
}

// Windows 返回通过 OpenWindow 打开的页面。
func (c *Clients) Windows() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []Client
	for _, client := range c.items {
		if client.Window {
			result = append(result, client)
		}
	}
	return result
}

func (c *Clients) append(client Client) {
	c.items = append(c.items, client)
	if len(c.items) > maxTrackedClients {
		c.items = append([]Client(nil), c.items[len(c.items)-maxTrackedClients:]...)
	}
}
