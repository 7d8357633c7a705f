package policy

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		path   string
		header http.Header
		want   Strategy
	}{
		{"/", nil, NetworkFirst},
		{"/index.html", nil, NetworkFirst},
		{"/docs/", nil, NetworkFirst},
		{"/manifest.json", nil, NetworkFirst},
		{"/app/site-manifest.json", nil, NetworkFirst},
		{"/main.js", nil, NetworkFirst},
		{"/style.css", nil, NetworkFirst},
		{"/icon.png", nil, CacheFirst},
		{"/fonts/a.woff2", nil, CacheFirst},
		{"/data.json", nil, CacheFirst},
		{"/main.js.map", nil, CacheFirst},
		{"/icon.png", http.Header{"Cache-Control": {"no-cache"}}, NetworkFirst},
		{"/icon.png", http.Header{"Cache-Control": {"no-cache, no-store"}}, CacheFirst},
		{"/icon.png", http.Header{"Cache-Control": {"max-age=0"}}, CacheFirst},
	}
	for _, tc := range cases {
		if got := Classify(tc.path, tc.header); got != tc.want {
			t.Fatalf("Classify(%q, %v) = %s, want %s", tc.path, tc.header, got, tc.want)
		}
	}
}
