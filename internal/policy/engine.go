package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/diag"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// Source 标记响应最终来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// Doer 抽象出站 HTTP 客户端。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StoreSource 在每个请求开始时提供当前生效代际的缓存；返回 nil 表示尚无可用缓存。
type StoreSource interface {
	CurrentStore() cache.Store
}

type fixedStore struct {
	store cache.Store
}

func (f fixedStore) CurrentStore() cache.Store {
	return f.store
}

// FixedStore 把单个缓存包装为 StoreSource，用于测试与不需要代际切换的场景。
func FixedStore(store cache.Store) StoreSource {
	return fixedStore{store: store}
}

// Options 汇总引擎依赖；Logger、Sink、Metrics 可为空。
type Options struct {
	Client  Doer
	Origin  *url.URL
	Stores  StoreSource
	Logger  *logrus.Logger
	Sink    diag.Sink
	Metrics *metrics.Recorder
}

// Result 是一次拦截的结果。
type Result struct {
	Response *http.Response
	Strategy Strategy
	Source   Source
}

// CacheHit 表示响应来自缓存。
func (r Result) CacheHit() bool {
	return r.Source == SourceCache
}

// Engine 执行网络优先 / 缓存优先策略。缓存写入在后台进行，不会推迟响应。
type Engine struct {
	client  Doer
	origin  *url.URL
	stores  StoreSource
	logger  *logrus.Logger
	sink    diag.Sink
	metrics *metrics.Recorder

	writes sync.WaitGroup
}

// NewEngine 校验依赖并构造 Engine。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Stores == nil {
		return nil, errors.New("store source is required")
	}
	return &Engine{
		client:  opts.Client,
		origin:  opts.Origin,
		stores:  opts.Stores,
		logger:  logging.OrDiscard(opts.Logger),
		sink:    opts.Sink,
		metrics: opts.Metrics,
	}, nil
}

// Serve 为 req 产生响应。GET 请求永远得到响应（网络、缓存或兜底），error 只会在
// 非 GET 请求透传到网络失败时返回。
func (e *Engine) Serve(req *http.Request) (Result, error) {
	if req.Method != http.MethodGet {
		return e.passThrough(req)
	}

	store := e.stores.CurrentStore()
	strategy := Classify(req.URL.Path, req.Header)
	var result Result
	if strategy == NetworkFirst {
		result = e.networkFirst(req, store)
	} else {
		result = e.cacheFirst(req, store)
	}
	e.metrics.ObserveResponse(string(result.Strategy), string(result.Source))
	return result, nil
}

// Wait 阻塞直到所有后台缓存写入结束。
func (e *Engine) Wait() {
	e.writes.Wait()
}

func (e *Engine) passThrough(req *http.Request) (Result, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Strategy: PassThrough, Source: SourcePassthrough},
			fmt.Errorf("pass through %s %s: %w", req.Method, req.URL, err)
	}
	e.metrics.ObserveResponse(string(PassThrough), string(SourcePassthrough))
	return Result{Response: resp, Strategy: PassThrough, Source: SourcePassthrough}, nil
}

func (e *Engine) networkFirst(req *http.Request, store cache.Store) Result {
	resp, body, err := e.fetch(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			e.storeAsync(req, store, resp, body)
		}
		return Result{Response: resp, Strategy: NetworkFirst, Source: SourceNetwork}
	}

	e.logFetchFailure(req, NetworkFirst, err)
	if snap := e.match(req, store); snap != nil {
		return Result{Response: snap.Response(req), Strategy: NetworkFirst, Source: SourceCache}
	}
	diag.Emit(e.sink, diag.LevelWarn, "offline and no cache for %s", req.URL)
	return Result{Response: ServiceUnavailable(req), Strategy: NetworkFirst, Source: SourceFallback}
}

func (e *Engine) cacheFirst(req *http.Request, store cache.Store) Result {
	if snap := e.match(req, store); snap != nil {
		return Result{Response: snap.Response(req), Strategy: CacheFirst, Source: SourceCache}
	}

	resp, body, err := e.fetch(req)
	if err != nil {
		e.logFetchFailure(req, CacheFirst, err)
		diag.Emit(e.sink, diag.LevelWarn, "offline and no cache for %s", req.URL)
		return Result{Response: NotFound(req), Strategy: CacheFirst, Source: SourceFallback}
	}
	if resp.StatusCode == http.StatusOK && cache.TypeFor(e.origin, resp) == cache.TypeBasic {
		e.storeAsync(req, store, resp, body)
	}
	return Result{Response: resp, Strategy: CacheFirst, Source: SourceNetwork}
}

// fetch 请求网络。状态 200 的正文会被完整读入内存以便写缓存，读正文失败视同网络失败；
// 其它状态码的响应原样流式返回，body 为 nil。
func (e *Engine) fetch(req *http.Request) (*http.Response, []byte, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, body, nil
}

func (e *Engine) match(req *http.Request, store cache.Store) *cache.Snapshot {
	if store == nil {
		return nil
	}
	snap, err := store.Match(req.Context(), cache.KeyFor(req))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithFields(logrus.Fields{
				"action": "cache_match",
				"store":  store.Name(),
				"url":    req.URL.String(),
				"error":  err.Error(),
			}).Warn("cache match failed")
		}
		return nil
	}
	return snap
}

// storeAsync 在后台写入快照；写入失败只记录，不影响已返回的响应。
func (e *Engine) storeAsync(req *http.Request, store cache.Store, resp *http.Response, body []byte) {
	if store == nil {
		return
	}
	key := cache.KeyFor(req)
	if resp.Request == nil {
		resp.Request = req
	}
	snap := cache.NewSnapshot(resp, body, cache.TypeFor(e.origin, resp))
	ctx := context.WithoutCancel(req.Context())

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		err := store.Put(ctx, key, snap)
		e.metrics.ObserveCacheWrite(err)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"action": "cache_write",
				"store":  store.Name(),
				"url":    key.URL,
				"error":  err.Error(),
			}).Warn("cache write failed")
			diag.Emit(e.sink, diag.LevelWarn, "cache write for %s failed: %v", key.URL, err)
		}
	}()
}

func (e *Engine) logFetchFailure(req *http.Request, strategy Strategy, err error) {
	e.logger.WithFields(logrus.Fields{
		"action":   "intercept",
		"strategy": string(strategy),
		"url":      req.URL.String(),
		"error":    err.Error(),
	}).Warn("network request failed")
}
