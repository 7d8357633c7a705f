// Package policy decides, per intercepted request, whether the network or the
// active cache generation takes precedence, and always produces a response.
package policy

import (
	"net/http"
	"strings"
)

// Strategy 是请求被分派到的缓存策略。
type Strategy string

const (
	NetworkFirst Strategy = "network-first"
	CacheFirst   Strategy = "cache-first"
	// PassThrough 只用于非 GET 请求：不查缓存也不写缓存。
	PassThrough Strategy = "passthrough"
)

// networkFirstSuffixes 覆盖页面、根路径、清单、脚本与样式：这些资源过期会立刻破坏页面。
var networkFirstSuffixes = []string{".html", "/", "manifest.json", ".js", ".css"}

// Classify 按路径后缀与 Cache-Control 判定 GET 请求的策略，其余资源（图片、字体等）走缓存优先。
func Classify(path string, header http.Header) Strategy {
	if header != nil && header.Get("Cache-Control") == "no-cache" {
		return NetworkFirst
	}
	for _, suffix := range networkFirstSuffixes {
		if strings.HasSuffix(path, suffix) {
			return NetworkFirst
		}
	}
	return CacheFirst
}
