package cache

import (
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestSnapshotCodecPreservesMetadata(t *testing.T) {
	key := RequestKey{Method: http.MethodGet, URL: "https://app.example/manifest.json"}
	snap := &Snapshot{
		Status:     http.StatusNotFound,
		StatusText: "Gone Fishing",
		Header:     http.Header{"Content-Type": {"application/json"}, "X-Custom": {"a", "b"}},
		Body:       []byte(`{"name":"app"}`),
		Type:       TypeOpaque,
		URL:        "https://cdn.example/manifest.json",
		StoredAt:   time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
	}

	data, err := EncodeSnapshot(key, snap)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	gotKey, got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if gotKey != key {
		t.Fatalf("key mismatch: %v", gotKey)
	}
	if got.Status != http.StatusNotFound || got.StatusText != "Gone Fishing" {
		t.Fatalf("status mismatch: %d %q", got.Status, got.StatusText)
	}
	if got.Type != TypeOpaque || got.URL != snap.URL || !got.StoredAt.Equal(snap.StoredAt) {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if vals := got.Header.Values("X-Custom"); len(vals) != 2 {
		t.Fatalf("multi-value header lost: %v", vals)
	}
	if got.Header.Get(metaKeyURL) != "" || got.Header.Get(metaType) != "" {
		t.Fatalf("metadata headers leaked into snapshot header")
	}
	if string(got.Body) != `{"name":"app"}` {
		t.Fatalf("body mismatch: %s", string(got.Body))
	}
}

func TestSnapshotCodecEmptyBody(t *testing.T) {
	key := RequestKey{Method: http.MethodGet, URL: "https://app.example/empty"}
	data, err := EncodeSnapshot(key, &Snapshot{Status: http.StatusOK, Header: http.Header{}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	_, got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(got.Body) != 0 || got.Type != TypeBasic {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSnapshotResponseIsReplayable(t *testing.T) {
	snap := &Snapshot{Status: http.StatusOK, Header: http.Header{}, Body: []byte("hello")}
	for i := 0; i < 2; i++ {
		resp := snap.Response(nil)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if string(body) != "hello" || resp.Status != "200 OK" {
			t.Fatalf("replay %d mismatch: %s %s", i, resp.Status, string(body))
		}
	}
}

func TestTypeFor(t *testing.T) {
	origin, _ := url.Parse("https://app.example")
	sameReq, _ := http.NewRequest(http.MethodGet, "https://APP.example/app.js", nil)
	crossReq, _ := http.NewRequest(http.MethodGet, "https://cdn.example/app.js", nil)

	if got := TypeFor(origin, &http.Response{Request: sameReq}); got != TypeBasic {
		t.Fatalf("expected basic, got %s", got)
	}
	if got := TypeFor(origin, &http.Response{Request: crossReq}); got != TypeOpaque {
		t.Fatalf("expected opaque, got %s", got)
	}
}

func TestNewSnapshotCopiesInput(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://app.example/", nil)
	resp := &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: http.Header{"A": {"1"}}, Request: req}
	body := []byte("abc")
	snap := NewSnapshot(resp, body, TypeBasic)
	body[0] = 'z'
	resp.Header.Set("A", "2")
	if string(snap.Body) != "abc" || snap.Header.Get("A") != "1" {
		t.Fatalf("snapshot shares memory with its source")
	}
	if snap.URL != "https://app.example/" || snap.StatusText != "OK" {
		t.Fatalf("unexpected snapshot fields: %+v", snap)
	}
}
