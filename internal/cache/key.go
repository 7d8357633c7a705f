package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// RequestKey 由方法 + 绝对 URL 唯一确定一个缓存条目。
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey 规范化方法与 URL：方法转大写，URL 必须是绝对地址，片段被丢弃。
func NewRequestKey(method, rawURL string) (RequestKey, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return RequestKey{}, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return RequestKey{}, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	return keyFromURL(method, parsed), nil
}

// KeyFor 根据出站请求计算缓存键。
func KeyFor(req *http.Request) RequestKey {
	if req == nil || req.URL == nil {
		return RequestKey{}
	}
	return keyFromURL(req.Method, req.URL)
}

func keyFromURL(method string, u *url.URL) RequestKey {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.Scheme = strings.ToLower(clean.Scheme)
	clean.Host = strings.ToLower(clean.Host)
	if clean.Path == "" {
		clean.Path = "/"
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: clean.String()}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Digest 返回键的 sha1 十六进制摘要，用作磁盘文件名。
func (k RequestKey) Digest() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// CleanPath 清理 ./.. 片段，但保留结尾斜杠（它决定了目录类请求走网络优先）。
func CleanPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

// ResolvePath 把客户端请求的路径拼接到源站基础路径之后。
// 拦截请求与清单条目都经由这里得到出站 URL，两者的缓存键因此一致。
func ResolvePath(origin *url.URL, requestPath, rawQuery string) *url.URL {
	target := *origin
	target.Path = strings.TrimSuffix(origin.Path, "/") + CleanPath(requestPath)
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	target.RawFragment = ""
	return &target
}
