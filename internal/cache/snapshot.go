package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResponseType 区分同源（basic）响应与跨源/重定向到他处的不透明（opaque）响应。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeOpaque ResponseType = "opaque"
)

// TypeFor 以响应最终落地的 URL 与源站比较：scheme + host 一致视为 basic。
func TypeFor(origin *url.URL, resp *http.Response) ResponseType {
	if origin == nil || resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return TypeBasic
	}
	final := resp.Request.URL
	if strings.EqualFold(final.Scheme, origin.Scheme) && strings.EqualFold(final.Host, origin.Host) {
		return TypeBasic
	}
	return TypeOpaque
}

// Snapshot 是写入缓存时刻的响应副本，写入后不再修改，只会被同键的新 Put 替换。
type Snapshot struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
	StoredAt   time.Time
}

// NewSnapshot 从已读取完正文的响应构造快照，Header 与 Body 均为深拷贝。
func NewSnapshot(resp *http.Response, body []byte, typ ResponseType) *Snapshot {
	snap := &Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     append([]byte(nil), body...),
		Type:     typ,
		StoredAt: time.Now().UTC(),
	}
	snap.StatusText = statusText(resp.Status, resp.StatusCode)
	if resp.Request != nil && resp.Request.URL != nil {
		snap.URL = resp.Request.URL.String()
	}
	return snap
}

// Clone 返回快照的深拷贝。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Header = cloneHeader(s.Header)
	out.Body = append([]byte(nil), s.Body...)
	return &out
}

// Response 基于快照生成一个全新的 *http.Response，每次调用拥有独立的 Body。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	text := s.StatusText
	if text == "" {
		text = http.StatusText(s.Status)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, text),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(s.Header),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func statusText(status string, code int) string {
	prefix := fmt.Sprintf("%d ", code)
	if strings.HasPrefix(status, prefix) {
		return strings.TrimPrefix(status, prefix)
	}
	return http.StatusText(code)
}

// 快照序列化为 HTTP/1.1 响应报文，元数据放在以下私有头中，读取时剥离。
const (
	metaKeyMethod = "X-Offline-Hub-Key-Method"
	metaKeyURL    = "X-Offline-Hub-Key-Url"
	metaType      = "X-Offline-Hub-Type"
	metaURL       = "X-Offline-Hub-Url"
	metaStoredAt  = "X-Offline-Hub-Stored-At"
)

// EncodeSnapshot 将 key + 快照编码为可落盘的字节。
func EncodeSnapshot(key RequestKey, snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, errors.New("snapshot required")
	}
	header := cloneHeader(snap.Header)
	header.Set(metaKeyMethod, key.Method)
	header.Set(metaKeyURL, key.URL)
	header.Set(metaType, string(snap.Type))
	header.Set(metaURL, snap.URL)
	header.Set(metaStoredAt, snap.StoredAt.UTC().Format(time.RFC3339Nano))

	var body io.ReadCloser = http.NoBody
	if len(snap.Body) > 0 {
		body = io.NopCloser(bytes.NewReader(snap.Body))
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", snap.Status, statusText("", snap.Status)),
		StatusCode:    snap.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: int64(len(snap.Body)),
	}
	if snap.StatusText != "" {
		resp.Status = fmt.Sprintf("%d %s", snap.Status, snap.StatusText)
	}

	buf := &bytes.Buffer{}
	if err := resp.Write(buf); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot 是 EncodeSnapshot 的逆过程。
func DecodeSnapshot(data []byte) (RequestKey, *Snapshot, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return RequestKey{}, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RequestKey{}, nil, fmt.Errorf("decode snapshot body: %w", err)
	}

	header := resp.Header
	key := RequestKey{Method: header.Get(metaKeyMethod), URL: header.Get(metaKeyURL)}
	snap := &Snapshot{
		Status:     resp.StatusCode,
		StatusText: statusText(resp.Status, resp.StatusCode),
		Body:       body,
		Type:       ResponseType(header.Get(metaType)),
		URL:        header.Get(metaURL),
	}
	if raw := header.Get(metaStoredAt); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			snap.StoredAt = parsed
		}
	}
	for _, name := range []string{metaKeyMethod, metaKeyURL, metaType, metaURL, metaStoredAt} {
		header.Del(name)
	}
	snap.Header = header
	if snap.Type == "" {
		snap.Type = TypeBasic
	}
	return key, snap, nil
}
