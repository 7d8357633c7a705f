// Package metrics owns the Prometheus registry for the intercepting cache:
// response outcomes per strategy/source, background cache writes, stale
// generation removal and the currently active generation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_hub"

// Recorder 聚合所有指标；方法对 nil 接收者安全，未注入时直接跳过。
type Recorder struct {
	registry   *prometheus.Registry
	responses  *prometheus.CounterVec
	writes     *prometheus.CounterVec
	reaped     *prometheus.CounterVec
	generation *prometheus.GaugeVec
}

// New 创建独立 registry，避免测试之间共享全局默认 registry。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Intercepted responses by strategy and source.",
		}, []string{"strategy", "source"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Background cache writes by result.",
		}, []string{"result"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_stores_total",
			Help:      "Stale generation stores deleted on activation, by result.",
		}, []string{"result"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_info",
			Help:      "Active cache generation (value is always 1).",
		}, []string{"version", "store"}),
	}
	r.registry.MustRegister(
		r.responses,
		r.writes,
		r.reaped,
		r.generation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveResponse 记录一次拦截结果。
func (r *Recorder) ObserveResponse(strategy, source string) {
	if r == nil {
		return
	}
	r.responses.WithLabelValues(strategy, source).Inc()
}

// ObserveCacheWrite 记录一次后台写缓存的结果。
func (r *Recorder) ObserveCacheWrite(err error) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveReap 记录一次旧代际缓存删除的结果。
func (r *Recorder) ObserveReap(err error) {
	if r == nil {
		return
	}
	r.reaped.WithLabelValues(resultLabel(err)).Inc()
}

// SetGeneration 切换当前生效的代际，旧代际的 series 被清除。
func (r *Recorder) SetGeneration(version, store string) {
	if r == nil {
		return
	}
	r.generation.Reset()
	r.generation.WithLabelValues(version, store).Set(1)
}

// Registry 暴露底层 registry，供测试读取。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 Prometheus exposition handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
