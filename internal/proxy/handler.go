package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/policy"
	"github.com/offline-hub/offline-hub/internal/server"
)

// 响应中标记拦截结果的头部。
const (
	HeaderStrategy = "X-Offline-Hub-Strategy"
	HeaderSource   = "X-Offline-Hub-Source"
	HeaderCacheHit = "X-Offline-Hub-Cache-Hit"
)

// Interceptor 是策略引擎对外暴露的最小接口。
type Interceptor interface {
	Serve(req *http.Request) (policy.Result, error)
}

// Handler 把 Fiber 请求转换为发往源站的 net/http 请求交给策略引擎，再把结果写回客户端。
type Handler struct {
	engine Interceptor
	origin *url.URL
	logger *logrus.Logger
	port   int
}

// NewHandler constructs the interception handler for a single origin.
func NewHandler(engine Interceptor, origin *url.URL, logger *logrus.Logger, listenPort int) *Handler {
	return &Handler{
		engine: engine,
		origin: origin,
		logger: logging.OrDiscard(logger),
		port:   listenPort,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildUpstreamRequest(c)
	if err != nil {
		h.logResult(c, policy.Result{}, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.engine.Serve(req)
	if err != nil {
		h.logResult(c, result, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := result.Response
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		h.logResult(c, result, requestID, resp.StatusCode, started, err)
		if result.Strategy == policy.PassThrough {
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		// 非 200 响应是流式透传的，读正文失败时改用该策略的兜底响应。
		result = policy.Result{
			Response: policy.Fallback(result.Strategy, req),
			Strategy: result.Strategy,
			Source:   policy.SourceFallback,
		}
		resp = result.Response
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderStrategy, string(result.Strategy))
	c.Set(HeaderSource, string(result.Source))
	c.Set(HeaderCacheHit, fmt.Sprintf("%t", result.CacheHit()))
	c.Status(resp.StatusCode)

	h.logResult(c, result, requestID, resp.StatusCode, started, nil)
	return c.Send(body)
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstream := cache.ResolvePath(h.origin, requestPath(c), string(c.Request().URI().QueryString()))
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 交给 Transport 协商压缩，缓存中保存的是解压后的正文。
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = upstream.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if h.port > 0 {
		req.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", h.port))
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	result policy.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		c.Method(),
		requestPath(c),
		string(result.Strategy),
		string(result.Source),
		result.CacheHit(),
	)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	return cache.CleanPath(string(uri.Path()))
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传响应头（多值头逐个追加），跳过 hop-by-hop 与由 Fiber 重新计算的 Content-Length。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
