package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
	"github.com/rowhni/rowhni-sw/internal/logging"
)

// 安装清单分组。
const (
	groupCritical = "critical"
	groupStatic   = "static"
	groupExternal = "external"
)

// Install 派发 install 事件：关键与静态资源全有或全无，外部资源尽力而为。
// 成功后请求跳过等待并进入 installed；失败则进入 redundant。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	ev := &InstallEvent{ExtendableEvent: w.newEvent(EventInstall)}
	if err := w.Dispatch(ctx, ev); err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logging.EventFields(string(EventInstall), w.opts.CacheVersion)).
			WithError(err).Error("install failed")
		return fmt.Errorf("install: %w", err)
	}

	w.SkipWaiting()
	w.setState(StateInstalled)
	w.logger.WithFields(logging.EventFields(string(EventInstall), w.opts.CacheVersion)).
		WithFields(logrus.Fields{"assets": w.opts.Manifest.AssetCount(), "elapsed_ms": time.Since(started).Milliseconds()}).
		Info("worker installed")
	return nil
}

// Activate 派发 activate 事件：清理旧版本分区并接管页面，两者都完成后才进入 activated。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	ev := &ActivateEvent{ExtendableEvent: w.newEvent(EventActivate)}
	if err := w.Dispatch(ctx, ev); err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logging.EventFields(string(EventActivate), w.opts.CacheVersion)).
			WithError(err).Error("activate failed")
		return fmt.Errorf("activate: %w", err)
	}
	w.setState(StateActivated)
	w.logger.WithFields(logging.EventFields(string(EventActivate), w.opts.CacheVersion)).Info("worker activated")
	return nil
}

// Start 依次执行 install 与 activate。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	if !w.SkipWaitingRequested() {
		return nil
	}
	return w.Activate(ctx)
}

func (w *Worker) handleInstall(_ context.Context, ev Event) error {
	manifest := w.opts.Manifest
	ev.WaitUntil(func(ctx context.Context) error {
		err := w.addAll(ctx, groupCritical, manifest.Critical)
		if err != nil && manifest.TolerateCriticalFailure {
			w.logger.WithFields(logrus.Fields{"action": "install_assets", "group": groupCritical}).
				WithError(err).Warn("critical assets missing, continuing")
			return nil
		}
		return err
	})
	ev.WaitUntil(func(ctx context.Context) error {
		return w.addAll(ctx, groupStatic, manifest.Static)
	})
	ev.WaitUntil(func(ctx context.Context) error {
		w.addEach(ctx, groupExternal, manifest.External)
		return nil
	})
	return nil
}

type fetchedAsset struct {
	req  *fetch.Request
	resp *cache.Response
}

// addAll 并发抓取整组资源；任一失败则整组不写入。
func (w *Worker) addAll(ctx context.Context, group string, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	p := pool.NewWithResults[fetchedAsset]().WithContext(ctx).WithCancelOnError()
	for _, ref := range refs {
		p.Go(func(ctx context.Context) (fetchedAsset, error) {
			asset, err := w.fetchAsset(ctx, ref)
			w.metrics.InstallAsset(group, err == nil)
			return asset, err
		})
	}
	assets, err := p.Wait()
	if err != nil {
		return fmt.Errorf("%s assets: %w", group, err)
	}

	partition := w.names.Static
	writer := cache.NewWriter(w.opts.Storage, 0)
	for _, asset := range assets {
		if err := writer.Put(ctx, partition, asset.req.Key(), asset.resp); err != nil {
			return fmt.Errorf("%s assets: store %s: %w", group, asset.req.URL, err)
		}
	}
	w.logger.WithFields(logrus.Fields{"action": "install_assets", "group": group, "count": len(assets)}).Info("assets cached")
	return nil
}

// addEach 逐个尽力缓存，单个失败只记录日志。
func (w *Worker) addEach(ctx context.Context, group string, refs []string) {
	p := pool.New().WithContext(ctx)
	for _, ref := range refs {
		p.Go(func(ctx context.Context) error {
			asset, err := w.fetchAsset(ctx, ref)
			if err == nil {
				err = cache.NewWriter(w.opts.Storage, 0).Put(ctx, w.names.Static, asset.req.Key(), asset.resp)
			}
			w.metrics.InstallAsset(group, err == nil)
			if err != nil {
				w.logger.WithFields(logrus.Fields{"action": "install_assets", "group": group, "url": ref}).
					WithError(err).Warn("failed to cache asset")
			}
			return nil
		})
	}
	_ = p.Wait()
}

func (w *Worker) fetchAsset(ctx context.Context, ref string) (fetchedAsset, error) {
	req, err := w.resolve(ref)
	if err != nil {
		return fetchedAsset{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return fetchedAsset{}, err
	}
	if !resp.OK() {
		return fetchedAsset{}, fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.Status)
	}
	return fetchedAsset{req: req, resp: resp}, nil
}

func (w *Worker) handleActivate(_ context.Context, ev Event) error {
	ev.WaitUntil(w.purgeStalePartitions)
	ev.WaitUntil(w.clients.Claim)
	return nil
}

// purgeStalePartitions 删除名称不属于当前版本的全部分区。
func (w *Worker) purgeStalePartitions(ctx context.Context) error {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	p := pool.New().WithContext(ctx)
	for _, name := range names {
		if w.names.Contains(name) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			deleted, err := w.opts.Storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete partition %s: %w", name, err)
			}
			if deleted {
				w.metrics.PartitionDeleted()
				w.logger.WithFields(logrus.Fields{"action": "purge_partition", "partition": name}).Info("deleted stale partition")
			}
			return nil
		})
	}
	return p.Wait()
}
