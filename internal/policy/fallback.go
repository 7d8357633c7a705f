package policy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// OfflineMessage 是网络优先策略在网络与缓存都不可用时返回的正文。
const OfflineMessage = "Offline: Network request failed and no cache available."

// ServiceUnavailable 构造网络优先策略的兜底响应：503 + 离线说明。
func ServiceUnavailable(req *http.Request) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, []byte(OfflineMessage))
}

// NotFound 构造缓存优先策略的兜底响应：404 + 空正文。
func NotFound(req *http.Request) *http.Response {
	return synthesize(req, http.StatusNotFound, nil)
}

// Fallback 返回 strategy 对应的兜底响应：网络优先为 503，其余为 404。
func Fallback(strategy Strategy, req *http.Request) *http.Response {
	if strategy == NetworkFirst {
		return ServiceUnavailable(req)
	}
	return NotFound(req)
}

func synthesize(req *http.Request, status int, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
