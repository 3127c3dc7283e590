// Package nowplaying publishes "currently playing" annotations to an
// AzuraCast-compatible API. All calls are best-effort; the relay treats the
// remote display as advisory and never blocks on it.
package nowplaying

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout = 10 * time.Second
	maxBodyBytes   = 64 * 1024

	// OfflineTitle and OfflineArtist are published when the relay stops so
	// the remote display never shows stale now-playing data.
	OfflineTitle  = "OFFLINE"
	OfflineArtist = "OFFLINE"
)

// Config holds the optional AzuraCast settings. An empty config disables all
// publisher calls.
type Config struct {
	APIURL  string `yaml:"api-url,omitempty"`
	APIKey  string `yaml:"api-key,omitempty"`
	Station string `yaml:"station,omitempty"`
}

// Enabled reports whether the config is complete enough to talk to the API.
func (c Config) Enabled() bool {
	return c.APIURL != "" && c.APIKey != "" && c.Station != ""
}

// Song is the title/artist pair shown by the remote display.
type Song struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger.With("module", "nowplaying"),
	}
}

// Read fetches the currently published now-playing state. The remote value is
// re-read before every write because other agents may also write to it.
func (c *Client) Read(ctx context.Context) (*Song, error) {
	url := fmt.Sprintf("%s/api/nowplaying/%s", strings.TrimRight(c.cfg.APIURL, "/"), c.cfg.Station)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nowplaying request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nowplaying request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data struct {
		NowPlaying struct {
			Song Song `json:"song"`
		} `json:"now_playing"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parse nowplaying response: %w", err)
	}

	return &data.NowPlaying.Song, nil
}

// Publish pushes a title/artist pair unconditionally.
func (c *Client) Publish(ctx context.Context, title, artist string) error {
	url := fmt.Sprintf("%s/api/station/%s/nowplaying/update", strings.TrimRight(c.cfg.APIURL, "/"), c.cfg.Station)

	payload, err := json.Marshal(Song{Title: title, Artist: artist})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("update request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Info("updated now-playing metadata", "title", title, "artist", artist)
	return nil
}

// SyncIfChanged publishes only when the remote state differs from the wanted
// pair, to avoid needless writes and rate-limit pressure. A failed readback
// falls through to a publish.
func (c *Client) SyncIfChanged(ctx context.Context, title, artist string) error {
	current, err := c.Read(ctx)
	if err != nil {
		c.logger.Warn("failed to read now-playing metadata", "err", err)
	} else if current.Title == title && current.Artist == artist {
		c.logger.Debug("now-playing metadata unchanged, skipping update")
		return nil
	}

	return c.Publish(ctx, title, artist)
}

// PublishOffline pushes the offline sentinel, bypassing the diff check.
func (c *Client) PublishOffline(ctx context.Context) error {
	return c.Publish(ctx, OfflineTitle, OfflineArtist)
}
