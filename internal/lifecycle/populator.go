package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// ErrInstallFailed 表示清单预热失败，该代际不能被激活。
var ErrInstallFailed = errors.New("generation install failed")

const defaultPopulateConcurrency = 4

// PopulatorOptions 汇总预热所需的依赖。
type PopulatorOptions struct {
	Storage     cache.Storage
	Client      Doer
	Origin      *url.URL
	Concurrency int
	Logger      *logrus.Logger
	Sink        diag.Sink
}

// Populator 在安装阶段把清单中的全部资源写入新代际的缓存。
type Populator struct {
	storage     cache.Storage
	client      Doer
	origin      *url.URL
	concurrency int
	logger      *logrus.Logger
	sink        diag.Sink
}

// NewPopulator 校验依赖并构造 Populator。
func NewPopulator(opts PopulatorOptions) (*Populator, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultPopulateConcurrency
	}
	return &Populator{
		storage:     opts.Storage,
		client:      opts.Client,
		origin:      opts.Origin,
		concurrency: concurrency,
		logger:      logging.OrDiscard(opts.Logger),
		sink:        opts.Sink,
	}, nil
}

type fetched struct {
	key  cache.RequestKey
	snap *cache.Snapshot
}

// Populate 并发抓取清单，全部成功（状态 200）后才按清单顺序写入 storeName。
// 任一条目失败时返回包裹 ErrInstallFailed 的错误；若该缓存是本次新建的，会被整体删除。
func (p *Populator) Populate(ctx context.Context, storeName string, manifest []string) error {
	keys, err := p.resolveManifest(manifest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	existed, err := p.storage.Has(ctx, storeName)
	if err != nil {
		return fmt.Errorf("%w: check store %s: %w", ErrInstallFailed, storeName, err)
	}
	store, err := p.storage.Open(ctx, storeName)
	if err != nil {
		return fmt.Errorf("%w: open store %s: %w", ErrInstallFailed, storeName, err)
	}

	results := make([]fetched, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for i, key := range keys {
		group.Go(func() error {
			snap, err := p.fetch(groupCtx, key)
			if err != nil {
				return err
			}
			results[i] = fetched{key: key, snap: snap}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		p.abort(ctx, storeName, existed, err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	for _, item := range results {
		if err := store.Put(ctx, item.key, item.snap); err != nil {
			err = fmt.Errorf("store %s: %w", item.key.URL, err)
			p.abort(ctx, storeName, existed, err)
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"action":  "install",
		"store":   storeName,
		"entries": len(results),
	}).Info("manifest populated")
	return nil
}

// resolveManifest 将相对路径解析到源站下，并按请求标识去重（保留首次出现的位置）。
func (p *Populator) resolveManifest(manifest []string) ([]cache.RequestKey, error) {
	seen := make(map[cache.RequestKey]struct{}, len(manifest))
	keys := make([]cache.RequestKey, 0, len(manifest))
	for _, entry := range manifest {
		target, err := ResolveManifestEntry(p.origin, entry)
		if err != nil {
			return nil, err
		}
		key, err := cache.NewRequestKey(http.MethodGet, target)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *Populator) fetch(ctx context.Context, key cache.RequestKey) (*cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", key.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key.URL, err)
	}
	if resp.Request == nil {
		resp.Request = req
	}
	return cache.NewSnapshot(resp, body, cache.TypeFor(p.origin, resp)), nil
}

func (p *Populator) abort(ctx context.Context, storeName string, existed bool, cause error) {
	p.logger.WithFields(logrus.Fields{
		"action": "install",
		"store":  storeName,
		"error":  cause.Error(),
	}).Error("manifest populate failed")
	diag.Emit(p.sink, diag.LevelError, "install of %s failed: %v", storeName, cause)

	if existed {
		return
	}
	if err := p.storage.Delete(context.WithoutCancel(ctx), storeName); err != nil {
		p.logger.WithFields(logrus.Fields{
			"action": "install",
			"store":  storeName,
			"error":  err.Error(),
		}).Warn("discard partial store failed")
	}
}

// ResolveManifestEntry 把清单条目解析为绝对 URL：绝对地址原样保留，
// 其余条目视为客户端请求路径，与拦截请求一样拼接到源站基础路径之后。
func ResolveManifestEntry(origin *url.URL, entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", errors.New("empty manifest entry")
	}
	ref, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("parse manifest entry %q: %w", entry, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return cache.ResolvePath(origin, ref.Path, ref.RawQuery).String(), nil
}
