package relay

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/model"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/icerelay/icerelay/pkg/nowplaying"
	"github.com/icerelay/icerelay/pkg/transcode"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = 2 * time.Second

	defaultCodec   = "libmp3lame"
	defaultBitrate = "128k"
)

type Config struct {
	Platform     string         `yaml:"platform,omitempty"`
	ChannelURL   string         `yaml:"channel-url,omitempty"`
	ChannelName  string         `yaml:"channel-name,omitempty"`
	PollInterval model.Duration `yaml:"poll-interval,omitempty"` // interval between liveness checks and in-session health checks
	MaxRetries   int            `yaml:"max-retries,omitempty"`   // relaunch attempts per media URL before fetching a fresh one
	RetryBackoff model.Duration `yaml:"retry-backoff,omitempty"` // delay before relaunching the same URL

	Icecast   transcode.SinkConfig  `yaml:"icecast,omitempty"`
	Audio     transcode.AudioConfig `yaml:"audio,omitempty"`
	AzuraCast nowplaying.Config     `yaml:"azuracast,omitempty"` // optional; absent disables metadata sync
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Platform, util.PrefixConfig(prefix, "platform"), "", "The platform hosting the channel (twitch, youtube)")
	f.StringVar(&cfg.ChannelURL, util.PrefixConfig(prefix, "channel-url"), "", "The channel page URL to watch for live broadcasts")
	f.StringVar(&cfg.ChannelName, util.PrefixConfig(prefix, "channel-name"), "", "Display name of the channel, used as the now-playing artist")
	cfg.PollInterval = model.Duration(defaultPollInterval)
	f.Var(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"),
		"Interval between liveness checks while waiting for a broadcast, and between health checks while relaying one.")
	f.IntVar(&cfg.MaxRetries, util.PrefixConfig(prefix, "max-retries"), defaultMaxRetries,
		"Relaunch attempts for a media URL before requesting a fresh one.")
	cfg.RetryBackoff = model.Duration(defaultRetryBackoff)
	f.Var(&cfg.RetryBackoff, util.PrefixConfig(prefix, "retry-backoff"),
		"Delay before relaunching the transcoder with the same media URL.")
	f.StringVar(&cfg.Audio.Codec, util.PrefixConfig(prefix, "audio.codec"), defaultCodec, "Audio codec passed to the transcoder")
	f.StringVar(&cfg.Audio.Bitrate, util.PrefixConfig(prefix, "audio.bitrate"), defaultBitrate, "Audio bitrate passed to the transcoder")
}

// Validate reports the first configuration problem found. Config errors are
// fatal; the relay refuses to start on an incomplete target.
func (cfg *Config) Validate() error {
	if cfg.Platform == "" {
		return errors.New("platform is required")
	}
	if cfg.ChannelURL == "" {
		return errors.New("channel-url is required")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("max-retries must be at least 1")
	}
	if cfg.RetryBackoff <= 0 {
		return errors.New("retry-backoff must be positive")
	}

	if cfg.Icecast.Host == "" {
		return errors.New("icecast.host is required")
	}
	if cfg.Icecast.Port <= 0 {
		return errors.New("icecast.port must be positive")
	}
	if cfg.Icecast.Mount == "" {
		return errors.New("icecast.mount is required")
	}
	if cfg.Icecast.SourceUser == "" || cfg.Icecast.SourcePassword == "" {
		return errors.New("icecast source credentials are required")
	}

	return nil
}
