package routes

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/mail"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/keyauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rowhni/rowhni-sw/internal/metrics"
	"github.com/rowhni/rowhni-sw/internal/notify"
	"github.com/rowhni/rowhni-sw/internal/outbox"
	"github.com/rowhni/rowhni-sw/internal/rules"
	"github.com/rowhni/rowhni-sw/internal/version"
	"github.com/rowhni/rowhni-sw/internal/worker"
)

// Outbox 是诊断接口用到的待同步队列操作。
type Outbox interface {
	Add(ctx context.Context, tag, email string) (outbox.Submission, error)
	Pending(ctx context.Context, tag string) ([]outbox.Submission, error)
}

// Diagnostics 汇总 /-/ 接口依赖；Outbox 与 Gatherer 可以为空。
// AdminToken 为空时，会写入队列或触发外发的接口一律拒绝。
type Diagnostics struct {
	Worker     *worker.Worker
	Outbox     Outbox
	Gatherer   prometheus.Gatherer
	Logger     *logrus.Logger
	AdminToken string
}

// RegisterDiagnosticRoutes 暴露 worker 状态、规则表、缓存分区、离线队列与事件触发接口。
func RegisterDiagnosticRoutes(app *fiber.App, d Diagnostics) {
	if app == nil || d.Worker == nil {
		return
	}

	app.Get("/-/status", d.status)
	app.Get("/-/rules", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"rules": encodeRules(rules.List())})
	})
	app.Get("/-/caches", d.listCaches)
	app.Get("/-/caches/:name", d.showCache)

	admin := d.adminGuard()
	app.Post("/-/outbox", admin, d.enqueue)
	app.Get("/-/outbox", admin, d.pending)
	app.Post("/-/sync/:tag", admin, d.sync)
	app.Post("/-/push", admin, d.push)
	app.Post("/-/notificationclick", admin, d.notificationClick)

	if d.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler(d.Gatherer)))
	}
}

// adminGuard 要求 Authorization: Bearer <AdminToken>。
func (d Diagnostics) adminGuard() fiber.Handler {
	if d.AdminToken == "" {
		return func(c fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin_disabled"})
		}
	}
	expected := []byte(d.AdminToken)
	return keyauth.New(keyauth.Config{
		Validator: func(_ fiber.Ctx, key string) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), expected) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(c fiber.Ctx, err error) error {
			return d.fail(c, fiber.StatusUnauthorized, "unauthorized", err)
		},
	})
}

type statusPayload struct {
	worker.Status
	Build string `json:"build"`
	Rules int    `json:"rules"`
}

func (d Diagnostics) status(c fiber.Ctx) error {
	return c.JSON(statusPayload{
		Status: d.Worker.Status(),
		Build:  version.Full(),
		Rules:  len(rules.Keys()),
	})
}

type rulePayload struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Strategy    string `json:"strategy"`
	Partition   string `json:"partition"`
}

func encodeRules(list []rules.Rule) []rulePayload {
	result := make([]rulePayload, 0, len(list))
	for _, rule := range list {
		result = append(result, rulePayload{
			Category:    rule.Category,
			Description: rule.Description,
			Priority:    rule.Priority,
			Strategy:    string(rule.Strategy),
			Partition:   string(rule.Partition),
		})
	}
	return result
}

type cachePayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries int      `json:"entries"`
	URLs    []string `json:"urls,omitempty"`
}

func (d Diagnostics) listCaches(c fiber.Ctx) error {
	ctx := c.Context()
	storage := d.Worker.Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return d.fail(c, fiber.StatusInternalServerError, "cache_unavailable", err)
	}
	sort.Strings(names)

	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		item, err := d.describeCache(ctx, name, false)
		if err != nil {
			return d.fail(c, fiber.StatusInternalServerError, "cache_unavailable", err)
		}
		result = append(result, item)
	}
	return c.JSON(fiber.Map{"caches": result})
}

func (d Diagnostics) showCache(c fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	ctx := c.Context()
	ok, err := d.Worker.Storage().Has(ctx, name)
	if err != nil {
		return d.fail(c, fiber.StatusBadRequest, "invalid_cache_name", err)
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
	}
	item, err := d.describeCache(ctx, name, true)
	if err != nil {
		return d.fail(c, fiber.StatusInternalServerError, "cache_unavailable", err)
	}
	return c.JSON(item)
}

func (d Diagnostics) describeCache(ctx context.Context, name string, withURLs bool) (cachePayload, error) {
	part, err := d.Worker.Storage().Open(ctx, name)
	if err != nil {
		return cachePayload{}, err
	}
	keys, err := part.Keys(ctx)
	if err != nil {
		return cachePayload{}, err
	}
	item := cachePayload{Name: name, Current: d.Worker.Names().Contains(name), Entries: len(keys)}
	if withURLs {
		item.URLs = make([]string, 0, len(keys))
		for _, key := range keys {
			item.URLs = append(item.URLs, key.URL())
		}
	}
	return item, nil
}

type enqueueRequest struct {
	Email string `json:"email"`
	Tag   string `json:"tag"`
}

// enqueue 模拟页面离线时登记订阅：写入队列，等待 sync 重放。
func (d Diagnostics) enqueue(c fiber.Ctx) error {
	if d.Outbox == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "outbox_disabled"})
	}
	var body enqueueRequest
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return d.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		return d.fail(c, fiber.StatusBadRequest, "invalid_email", err)
	}
	if body.Tag == "" {
		body.Tag = worker.NewsletterSyncTag
	}
	sub, err := d.Outbox.Add(c.Context(), body.Tag, body.Email)
	if err != nil {
		return d.fail(c, fiber.StatusInternalServerError, "outbox_write_failed", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(sub)
}

func (d Diagnostics) pending(c fiber.Ctx) error {
	if d.Outbox == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "outbox_disabled"})
	}
	tag := c.Query("tag", worker.NewsletterSyncTag)
	items, err := d.Outbox.Pending(c.Context(), tag)
	if err != nil {
		return d.fail(c, fiber.StatusInternalServerError, "outbox_read_failed", err)
	}
	if items == nil {
		items = []outbox.Submission{}
	}
	return c.JSON(fiber.Map{"tag": tag, "pending": items})
}

func (d Diagnostics) sync(c fiber.Ctx) error {
	tag := c.Params("tag")
	err := d.Worker.Sync(c.Context(), tag)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"tag": tag, "result": "complete"})
	case errors.Is(err, worker.ErrSyncIncomplete):
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": tag, "result": "incomplete", "detail": err.Error()})
	default:
		return d.fail(c, fiber.StatusInternalServerError, "sync_failed", err)
	}
}

func (d Diagnostics) push(c fiber.Ctx) error {
	if err := d.Worker.Push(c.Context(), c.Body()); err != nil {
		return d.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type clickRequest struct {
	Action       string              `json:"action"`
	Notification notify.Notification `json:"notification"`
}

func (d Diagnostics) notificationClick(c fiber.Ctx) error {
	var body clickRequest
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return d.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	if err := d.Worker.NotificationClick(c.Context(), body.Action, body.Notification); err != nil {
		return d.fail(c, fiber.StatusUnprocessableEntity, "notification_click_failed", err)
	}
	return c.JSON(fiber.Map{"windows": d.Worker.Clients().Windows()})
}

func (d Diagnostics) fail(c fiber.Ctx, status int, code string, err error) error {
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"action": "diagnostics",
			"path":   string(c.Request().URI().Path()),
			"status": status,
			"code":   code,
		}).WithError(err).Warn("diagnostics request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
