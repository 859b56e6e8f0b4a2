package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// ErrQuotaExceeded 表示单条响应超过 MaxEntrySize，写入被拒绝。
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// Writer 封装分区写入：检查配额、补充 StoredAt，并复制响应避免与调用方共享 body。
type Writer struct {
	storage       Storage
	maxEntryBytes int64
	now           func() time.Time
}

// NewWriter 构造写入器，maxEntryBytes <= 0 表示不限制。
func NewWriter(storage Storage, maxEntryBytes int64) Writer {
	return Writer{
		storage:       storage,
		maxEntryBytes: maxEntryBytes,
		now:           time.Now,
	}
}

// Put 将响应写入指定分区。
func (w Writer) Put(ctx context.Context, partition string, key Key, resp *Response) error {
	if w.storage == nil {
		return ErrStoreUnavailable
	}
	if resp == nil {
		return errors.New("nil response")
	}
	if w.maxEntryBytes > 0 && int64(len(resp.Body)) > w.maxEntryBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrQuotaExceeded, len(resp.Body), w.maxEntryBytes)
	}

	part, err := w.storage.Open(ctx, partition)
	if err != nil {
		return err
	}

	stored := resp.Clone()
	stored.StoredAt = w.now().UTC()
	if stored.URL == "" {
		stored.URL = key.URL()
	}
	return part.Put(ctx, key, stored)
}
