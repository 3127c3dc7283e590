package locator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseStreamInfoTwitch(t *testing.T) {
	out := []byte(`{
  "description": "Twitch Stream Title",
  "formats": [
    {"protocol": "m3u8", "url": "https://example.com/twitch.m3u8"}
  ]
}`)

	info, err := parseStreamInfo(out, PlatformTwitch)
	if err != nil {
		t.Fatalf("parseStreamInfo: %v", err)
	}
	if info.Title != "Twitch Stream Title" {
		t.Errorf("title = %q, want description field for twitch", info.Title)
	}
	if info.MediaURL != "https://example.com/twitch.m3u8" {
		t.Errorf("media url = %q", info.MediaURL)
	}
}

func TestParseStreamInfoYouTube(t *testing.T) {
	out := []byte(`{
  "title": "YouTube Stream Title",
  "formats": [
    {"protocol": "m3u8_native", "url": "https://example.com/youtube.m3u8"}
  ]
}`)

	info, err := parseStreamInfo(out, "youtube")
	if err != nil {
		t.Fatalf("parseStreamInfo: %v", err)
	}
	if info.Title != "YouTube Stream Title" {
		t.Errorf("title = %q", info.Title)
	}
	if info.MediaURL != "https://example.com/youtube.m3u8" {
		t.Errorf("media url = %q", info.MediaURL)
	}
}

func TestParseStreamInfoFallbackURL(t *testing.T) {
	out := []byte(`{
  "title": "Stream",
  "url": "https://example.com/fallback.m3u8"
}`)

	info, err := parseStreamInfo(out, "youtube")
	if err != nil {
		t.Fatalf("parseStreamInfo: %v", err)
	}
	if info.MediaURL != "https://example.com/fallback.m3u8" {
		t.Errorf("media url = %q, want top-level url fallback", info.MediaURL)
	}
}

func TestParseStreamInfoPrefersM3U8Format(t *testing.T) {
	out := []byte(`{
  "title": "Stream",
  "url": "https://example.com/top.mp4",
  "formats": [
    {"protocol": "https", "url": "https://example.com/progressive.mp4"},
    {"protocol": "m3u8", "url": "https://example.com/hls.m3u8"}
  ]
}`)

	info, err := parseStreamInfo(out, "youtube")
	if err != nil {
		t.Fatalf("parseStreamInfo: %v", err)
	}
	if info.MediaURL != "https://example.com/hls.m3u8" {
		t.Errorf("media url = %q, want the m3u8 format", info.MediaURL)
	}
}

func TestParseStreamInfoErrors(t *testing.T) {
	cases := []struct {
		name string
		out  string
	}{
		{"invalid json", `not json`},
		{"no media url", `{"title": "Stream"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseStreamInfo([]byte(tc.out), "youtube"); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestCheckReachable(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer missing.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(PlatformTwitch, logger)

	if !c.CheckReachable(context.Background(), ok.URL) {
		t.Error("expected a 200 URL to be reachable")
	}
	if c.CheckReachable(context.Background(), missing.URL) {
		t.Error("expected a 404 URL to be unreachable")
	}

	// A connection failure counts as unreachable, not as an error.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	if c.CheckReachable(context.Background(), dead.URL) {
		t.Error("expected a refused connection to be unreachable")
	}
}
