// Package locator resolves a channel page URL into a playable media URL by
// shelling out to yt-dlp. The helpers are deliberately thin wrappers around
// the external binary; callers decide what a failure means.
package locator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultBinary    = "yt-dlp"
	reachableTimeout = 10 * time.Second

	// PlatformTwitch reports the live title in the "description" field of
	// yt-dlp's JSON output rather than "title".
	PlatformTwitch = "twitch"
)

// StreamInfo describes a resolved live stream.
type StreamInfo struct {
	MediaURL    string
	Title       string
	Description string
}

type Client struct {
	binary   string
	platform string
	client   *http.Client
	logger   *slog.Logger
}

// New creates a Client for the given platform tag ("twitch", "youtube", ...).
func New(platform string, logger *slog.Logger) *Client {
	return &Client{
		binary:   defaultBinary,
		platform: platform,
		client:   &http.Client{Timeout: reachableTimeout},
		logger:   logger.With("module", "locator"),
	}
}

// IsLive reports whether the channel currently has an active broadcast.
// Any yt-dlp failure is treated as "not live".
func (c *Client) IsLive(ctx context.Context, channelURL string) bool {
	out, err := c.run(ctx, "-g", "-f", "bestaudio", "--no-check-certificate", channelURL)
	if err != nil {
		c.logger.Debug("live check failed", "err", err)
		return false
	}

	return out != ""
}

// Resolve returns the media URL and display metadata for a live channel, or
// an error when the channel is offline or yt-dlp fails.
func (c *Client) Resolve(ctx context.Context, channelURL string) (*StreamInfo, error) {
	out, err := c.run(ctx, "-j", "--no-check-certificate", channelURL)
	if err != nil {
		return nil, err
	}

	return parseStreamInfo([]byte(out), c.platform)
}

// CheckReachable probes the media URL with a plain GET and reports whether
// the origin still serves it. Network errors count as unreachable.
func (c *Client) CheckReachable(ctx context.Context, mediaURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("reachability check failed", "err", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "%s failed: %s", c.binary, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

// streamDump is the subset of yt-dlp -j output we care about.
type streamDump struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Formats     []struct {
		Protocol string `json:"protocol"`
		URL      string `json:"url"`
	} `json:"formats"`
}

func parseStreamInfo(out []byte, platform string) (*StreamInfo, error) {
	var dump streamDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return nil, errors.Wrap(err, "failed to parse stream info")
	}

	info := &StreamInfo{Description: dump.Description}

	// Twitch publishes the live title in the description field.
	if platform == PlatformTwitch {
		info.Title = dump.Description
	} else {
		info.Title = dump.Title
	}

	for _, f := range dump.Formats {
		if strings.HasPrefix(f.Protocol, "m3u8") {
			info.MediaURL = f.URL
			break
		}
	}

	// Some extractors report a single final URL instead of a format list.
	if info.MediaURL == "" {
		info.MediaURL = dump.URL
	}

	if info.MediaURL == "" {
		return nil, errors.New("no playable media URL in stream info")
	}

	return info, nil
}
