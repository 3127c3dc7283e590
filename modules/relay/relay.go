// Package relay supervises the live relay of a channel's broadcast into an
// Icecast mount. A single control loop polls for liveness, owns the lifecycle
// of the one transcoder child, and decides after each child exit whether to
// relaunch the same media URL, adopt a fresh one, or wait for the next
// broadcast. Now-playing metadata sync rides along on state transitions and
// never blocks them.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/icerelay/icerelay/pkg/locator"
	"github.com/icerelay/icerelay/pkg/nowplaying"
	"github.com/icerelay/icerelay/pkg/transcode"
)

const (
	// terminateGrace is how long a child gets to exit after SIGTERM before
	// being killed.
	terminateGrace = 5 * time.Second
	// offlineTimeout bounds the final offline metadata publish during shutdown.
	offlineTimeout = 10 * time.Second
)

var module = "relay"

// Locator resolves channel liveness and media URLs.
type Locator interface {
	IsLive(ctx context.Context, channelURL string) bool
	Resolve(ctx context.Context, channelURL string) (*locator.StreamInfo, error)
	CheckReachable(ctx context.Context, mediaURL string) bool
}

// Process is the ownership handle to a running transcoder child.
type Process interface {
	Exited() bool
	ExitCode() int
	Stderr() string
	Terminate(grace time.Duration) error
}

// Publisher pushes now-playing metadata to the remote display.
type Publisher interface {
	SyncIfChanged(ctx context.Context, title, artist string) error
	PublishOffline(ctx context.Context) error
}

type Relay struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	loc       Locator
	launch    func(mediaURL string) (Process, error)
	publisher Publisher // nil when the azuracast config block is absent

	// proc is owned exclusively by the control loop; at most one child exists
	// at a time because the Icecast mount accepts a single source connection.
	proc    Process
	machine *machine

	metrics *metrics
}

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger) (*Relay, error) {
	return newRelay(cfg, logger, prometheus.DefaultRegisterer)
}

func newRelay(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := logger.With("module", module)

	runner := transcode.NewRunner(cfg.Icecast, cfg.Audio, &logger)

	r := &Relay{
		cfg:    &cfg,
		logger: l,
		loc:    locator.New(cfg.Platform, &logger),
		launch: func(mediaURL string) (Process, error) {
			return runner.Launch(mediaURL)
		},
		machine: newMachine(cfg.MaxRetries),
		metrics: newMetrics(reg),
	}

	if cfg.AzuraCast.Enabled() {
		r.publisher = nowplaying.New(cfg.AzuraCast, &logger)
	}

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

func (r *Relay) starting(ctx context.Context) error {
	r.logger.Info("watching channel", "url", r.cfg.ChannelURL, "platform", r.cfg.Platform)
	return nil
}

// running drives the outer loop: wait for liveness, acquire a session, relay
// it until it ends, repeat. The only exit path is context cancellation.
func (r *Relay) running(ctx context.Context) error {
	for ctx.Err() == nil {
		if !r.loc.IsLive(ctx, r.cfg.ChannelURL) {
			r.logger.Info("channel not live", "next_check", r.cfg.PollInterval)
			if !waitInterval(ctx, time.Duration(r.cfg.PollInterval)) {
				break
			}
			continue
		}

		info, err := r.loc.Resolve(ctx, r.cfg.ChannelURL)
		if err != nil || info == nil {
			// Liveness and URL availability are not perfectly synchronized
			// upstream; treat this as a transient miss, not a hard failure.
			r.logger.Warn("failed to resolve stream info while channel appears live", "err", err)
			if !waitInterval(ctx, time.Duration(r.cfg.PollInterval)) {
				break
			}
			continue
		}

		r.runSession(ctx, info)

		// End of broadcast for this session; pause before the next liveness check.
		if !waitInterval(ctx, time.Duration(r.cfg.PollInterval)) {
			break
		}
	}

	return nil
}

// runSession relays one broadcast occurrence until it ends or shutdown is
// requested. On shutdown the child and the offline publish are handled by
// stopping, not here.
func (r *Relay) runSession(ctx context.Context, info *locator.StreamInfo) {
	r.machine.begin(info)
	defer r.machine.end()
	r.metrics.sessionsStarted.Inc()

	r.logger.Info("session acquired", "url", info.MediaURL, "title", info.Title)
	r.syncMetadata(ctx, info.Title)

	if !r.startProcess() {
		r.endSession(ctx)
		return
	}

	for ctx.Err() == nil {
		if r.proc.Exited() {
			r.metrics.processExits.Inc()
			r.logger.Warn("transcoder exited", "code", r.proc.ExitCode(), "stderr", r.proc.Stderr())
			r.proc = nil

			if !r.nextAfterExit(ctx) {
				r.endSession(ctx)
				return
			}
			continue
		}

		if !waitInterval(ctx, time.Duration(r.cfg.PollInterval)) {
			return
		}

		if r.proc.Exited() {
			continue
		}

		// The child is healthy; re-resolve anyway to pick up title changes and
		// to validate that the in-use URL is still servable.
		if fresh, err := r.loc.Resolve(ctx, r.cfg.ChannelURL); err == nil && fresh != nil {
			r.machine.session.title = fresh.Title
			r.syncMetadata(ctx, fresh.Title)
		}

		if !r.loc.CheckReachable(ctx, r.machine.session.url) {
			r.logger.Warn("media URL no longer reachable, terminating transcoder", "url", r.machine.session.url)
			r.terminateProcess()

			// A confirmed-dead URL skips the remaining same-URL retries and
			// goes straight to refresh evaluation.
			r.machine.exhaustRetries()
			if !r.nextAfterExit(ctx) {
				r.endSession(ctx)
				return
			}
		}
	}
}

// nextAfterExit applies the state machine's decision for an exited child and
// reports whether the session continues.
func (r *Relay) nextAfterExit(ctx context.Context) bool {
	d := r.machine.decideAfterExit(func() *locator.StreamInfo {
		fresh, err := r.loc.Resolve(ctx, r.cfg.ChannelURL)
		if err != nil {
			r.logger.Warn("failed to resolve a fresh media URL", "err", err)
			return nil
		}
		return fresh
	})

	switch d {
	case decideRetrySame:
		r.logger.Info("relaunching with same media URL", "retries_left", r.machine.session.retriesLeft)
		r.metrics.sameURLRetries.Inc()

		bo := backoff.New(ctx, backoff.Config{
			MinBackoff: time.Duration(r.cfg.RetryBackoff),
			MaxBackoff: time.Duration(r.cfg.RetryBackoff),
		})
		bo.Wait()
		if ctx.Err() != nil {
			return false
		}

		return r.startProcess()

	case decideRefreshURL:
		r.logger.Info("adopting fresh media URL", "url", r.machine.session.url)
		r.metrics.urlRefreshes.Inc()
		r.syncMetadata(ctx, r.machine.session.title)

		return r.startProcess()

	default:
		r.logger.Info("no usable media URL, session over", "decision", d.String())
		return false
	}
}

// endSession publishes the offline sentinel for a session that ended on its
// own. During shutdown the publish is left to stopping so it happens exactly
// once.
func (r *Relay) endSession(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishOffline(ctx); err != nil {
		r.logger.Warn("failed to publish offline metadata", "err", err)
	}
}

// startProcess launches the transcoder for the current session URL. The
// single-instance invariant holds: any prior handle is confirmed exited or
// terminated before a new child is started.
func (r *Relay) startProcess() bool {
	if r.proc != nil && !r.proc.Exited() {
		r.terminateProcess()
	}

	proc, err := r.launch(r.machine.session.url)
	if err != nil {
		// Spawn failure abandons the current attempt, never the program.
		r.logger.Error("failed to start transcoder", "err", err)
		r.proc = nil
		return false
	}

	r.proc = proc
	r.metrics.processLaunches.Inc()

	return true
}

func (r *Relay) terminateProcess() {
	if r.proc == nil {
		return
	}

	// Termination runs on shutdown paths; errors are logged, never returned,
	// to avoid masking the original cause of the shutdown.
	if err := r.proc.Terminate(terminateGrace); err != nil {
		r.logger.Error("error terminating transcoder", "err", err)
	}
	r.proc = nil
}

func (r *Relay) syncMetadata(ctx context.Context, title string) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.SyncIfChanged(ctx, title, r.cfg.ChannelName); err != nil {
		r.logger.Warn("failed to sync now-playing metadata", "err", err)
	}
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping")

	r.terminateProcess()

	if r.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		defer cancel()

		if err := r.publisher.PublishOffline(ctx); err != nil {
			r.logger.Warn("failed to publish offline metadata", "err", err)
		}
	}

	return nil
}

// waitInterval blocks for d or until ctx is done, reporting false when the
// relay should stop waiting and shut down.
func waitInterval(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
