package lifecycle

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// ReapReport 汇总一次回收：保留的缓存、已删除的缓存以及删除失败的缓存。
type ReapReport struct {
	Current string
	Deleted []string
	Failed  map[string]error
	// ListErr 非空表示连缓存列表都没拿到，本次什么也没删。
	ListErr error
}

// Reaper 在激活阶段删除除当前代际以外的全部缓存。
type Reaper struct {
	storage cache.Storage
	logger  *logrus.Logger
	sink    diag.Sink
	metrics *metrics.Recorder
}

// NewReaper 构造 Reaper，logger/sink/metrics 均可为空。
func NewReaper(storage cache.Storage, logger *logrus.Logger, sink diag.Sink, recorder *metrics.Recorder) *Reaper {
	return &Reaper{
		storage: storage,
		logger:  logging.OrDiscard(logger),
		sink:    sink,
		metrics: recorder,
	}
}

// Reap 删除所有名称不等于 current 的缓存。单个删除失败只记录，不影响激活，留待下次激活重试。
func (r *Reaper) Reap(ctx context.Context, current string) ReapReport {
	report := ReapReport{Current: current}

	names, err := r.storage.Names(ctx)
	if err != nil {
		report.ListErr = err
		r.logger.WithFields(logrus.Fields{
			"action": "reap",
			"store":  current,
			"error":  err.Error(),
		}).Warn("list stores failed")
		diag.Emit(r.sink, diag.LevelWarn, "list stores failed: %v", err)
		return report
	}

	for _, name := range names {
		if name == current {
			continue
		}
		err := r.storage.Delete(ctx, name)
		r.metrics.ObserveReap(err)
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]error)
			}
			report.Failed[name] = err
			r.logger.WithFields(logrus.Fields{
				"action": "reap",
				"store":  name,
				"error":  err.Error(),
			}).Warn("delete stale store failed")
			diag.Emit(r.sink, diag.LevelWarn, "delete stale store %s failed: %v", name, err)
			continue
		}
		report.Deleted = append(report.Deleted, name)
		r.logger.WithFields(logrus.Fields{
			"action": "reap",
			"store":  name,
		}).Info("stale store deleted")
		diag.Emit(r.sink, diag.LevelInfo, "deleted stale store %s", name)
	}
	return report
}
