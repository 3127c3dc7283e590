package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/icerelay/icerelay/pkg/locator"
	"github.com/icerelay/icerelay/pkg/transcode"
)

type fakeLocator struct {
	isLive         func(channelURL string) bool
	resolve        func(channelURL string) (*locator.StreamInfo, error)
	checkReachable func(mediaURL string) bool
}

func (f *fakeLocator) IsLive(_ context.Context, channelURL string) bool {
	return f.isLive(channelURL)
}

func (f *fakeLocator) Resolve(_ context.Context, channelURL string) (*locator.StreamInfo, error) {
	return f.resolve(channelURL)
}

func (f *fakeLocator) CheckReachable(_ context.Context, mediaURL string) bool {
	if f.checkReachable == nil {
		return true
	}
	return f.checkReachable(mediaURL)
}

type fakeProc struct {
	exited     bool
	code       int
	terminated int
}

func (p *fakeProc) Exited() bool   { return p.exited }
func (p *fakeProc) ExitCode() int  { return p.code }
func (p *fakeProc) Stderr() string { return "" }

func (p *fakeProc) Terminate(time.Duration) error {
	p.terminated++
	p.exited = true
	return nil
}

type fakePublisher struct {
	events  *[]string
	offline int
}

func (p *fakePublisher) SyncIfChanged(_ context.Context, title, artist string) error {
	*p.events = append(*p.events, "sync:"+title)
	return nil
}

func (p *fakePublisher) PublishOffline(_ context.Context) error {
	p.offline++
	*p.events = append(*p.events, "offline")
	return nil
}

func testConfig() Config {
	return Config{
		Platform:     "twitch",
		ChannelURL:   "https://www.twitch.tv/example",
		ChannelName:  "Example FM",
		PollInterval: model.Duration(time.Millisecond),
		MaxRetries:   3,
		RetryBackoff: model.Duration(time.Millisecond),
		Icecast: transcode.SinkConfig{
			Host:           "localhost",
			Port:           8000,
			Mount:          "/live.mp3",
			SourceUser:     "source",
			SourcePassword: "hackme",
		},
		Audio: transcode.AudioConfig{Codec: "libmp3lame", Bitrate: "128k"},
	}
}

func newTestRelay(t *testing.T, cfg Config) *Relay {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := newRelay(cfg, *logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}

	return r
}

// Three not-live polls, then a live channel: exactly one transcoder launch,
// with the full retry budget.
func TestRunningLaunchesOnceWhenLivenessArrives(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []string
	info := &locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8", Title: "show"}

	r := newTestRelay(t, testConfig())

	liveCalls := 0
	r.loc = &fakeLocator{
		isLive: func(string) bool {
			liveCalls++
			events = append(events, "islive")
			return liveCalls > 3
		},
		resolve: func(string) (*locator.StreamInfo, error) {
			events = append(events, "resolve")
			return info, nil
		},
	}
	r.publisher = &fakePublisher{events: &events}
	r.launch = func(mediaURL string) (Process, error) {
		events = append(events, fmt.Sprintf("launch:%s:%d", mediaURL, r.machine.session.retriesLeft))
		cancel()
		return &fakeProc{}, nil
	}

	if err := r.running(ctx); err != nil {
		t.Fatalf("running: %v", err)
	}

	want := []string{
		"islive", "islive", "islive", "islive",
		"resolve",
		"sync:show",
		"launch:https://edge.example/u1.m3u8:3",
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// Same-URL relaunches consume the retry budget one exit at a time, with no
// locator or metadata traffic in between.
func TestRunSessionRetriesSameURLWithoutSideCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []string
	info := &locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8", Title: "show"}

	r := newTestRelay(t, testConfig())
	r.loc = &fakeLocator{
		resolve: func(string) (*locator.StreamInfo, error) {
			events = append(events, "resolve")
			return info, nil
		},
		checkReachable: func(mediaURL string) bool {
			events = append(events, "reach")
			cancel()
			return true
		},
	}
	r.publisher = &fakePublisher{events: &events}

	launches := 0
	r.launch = func(mediaURL string) (Process, error) {
		launches++
		events = append(events, fmt.Sprintf("launch:%s:%d", mediaURL, r.machine.session.retriesLeft))
		// First two children die immediately; the third stays up.
		return &fakeProc{exited: launches < 3, code: 1}, nil
	}

	r.runSession(ctx, info)

	want := []string{
		"sync:show",
		"launch:https://edge.example/u1.m3u8:3",
		"launch:https://edge.example/u1.m3u8:2",
		"launch:https://edge.example/u1.m3u8:1",
		"resolve",
		"sync:show",
		"reach",
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// An unreachable in-use URL terminates the child and skips the remaining
// same-URL retries; with nothing fresh to adopt the session ends offline.
func TestRunSessionUnreachableURLSkipsRetries(t *testing.T) {
	ctx := context.Background()

	var events []string
	info := &locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8", Title: "show"}
	child := &fakeProc{}

	r := newTestRelay(t, testConfig())

	resolveCalls := 0
	r.loc = &fakeLocator{
		resolve: func(string) (*locator.StreamInfo, error) {
			resolveCalls++
			events = append(events, "resolve")
			if resolveCalls == 1 {
				return info, nil // in-session metadata refresh
			}
			return nil, fmt.Errorf("channel went dark")
		},
		checkReachable: func(string) bool {
			events = append(events, "reach")
			return false
		},
	}
	pub := &fakePublisher{events: &events}
	r.publisher = pub

	launches := 0
	r.launch = func(mediaURL string) (Process, error) {
		launches++
		events = append(events, "launch")
		return child, nil
	}

	r.runSession(ctx, info)

	want := []string{"sync:show", "launch", "resolve", "sync:show", "reach", "resolve", "offline"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	if child.terminated != 1 {
		t.Errorf("child terminated %d times, want 1", child.terminated)
	}
	if launches != 1 {
		t.Errorf("launches = %d, want 1 (dead URL must not be relaunched)", launches)
	}
	if pub.offline != 1 {
		t.Errorf("offline publishes = %d, want 1", pub.offline)
	}
}

// A spawn failure abandons the attempt and ends the session instead of
// crashing the relay.
func TestRunSessionSurvivesSpawnFailure(t *testing.T) {
	var events []string
	info := &locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8", Title: "show"}

	r := newTestRelay(t, testConfig())
	r.loc = &fakeLocator{
		resolve: func(string) (*locator.StreamInfo, error) { return info, nil },
	}
	pub := &fakePublisher{events: &events}
	r.publisher = pub
	r.launch = func(string) (Process, error) {
		return nil, fmt.Errorf("exec: \"ffmpeg\": executable file not found in $PATH")
	}

	r.runSession(context.Background(), info)

	if pub.offline != 1 {
		t.Errorf("offline publishes = %d, want 1", pub.offline)
	}
	if r.proc != nil {
		t.Error("proc handle should be absent after a failed spawn")
	}
}

// Starting a new child is always preceded by terminating a still-running one.
func TestStartProcessEnforcesSingleInstance(t *testing.T) {
	r := newTestRelay(t, testConfig())
	r.machine.begin(&locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8"})

	old := &fakeProc{}
	r.proc = old

	replacement := &fakeProc{}
	r.launch = func(string) (Process, error) { return replacement, nil }

	if !r.startProcess() {
		t.Fatal("startProcess failed")
	}
	if old.terminated != 1 {
		t.Errorf("previous child terminated %d times, want 1", old.terminated)
	}
	if r.proc != Process(replacement) {
		t.Error("proc handle does not point at the new child")
	}
}

// Shutdown terminates the active child and publishes the offline sentinel
// exactly once.
func TestStoppingTerminatesChildAndPublishesOfflineOnce(t *testing.T) {
	var events []string

	r := newTestRelay(t, testConfig())
	child := &fakeProc{}
	r.proc = child
	pub := &fakePublisher{events: &events}
	r.publisher = pub

	if err := r.stopping(nil); err != nil {
		t.Fatalf("stopping: %v", err)
	}

	if child.terminated != 1 {
		t.Errorf("child terminated %d times, want 1", child.terminated)
	}
	if pub.offline != 1 {
		t.Errorf("offline publishes = %d, want 1", pub.offline)
	}
}

// A session that ends because of shutdown leaves the offline publish to the
// stopping phase.
func TestEndSessionSkipsPublishDuringShutdown(t *testing.T) {
	var events []string

	r := newTestRelay(t, testConfig())
	pub := &fakePublisher{events: &events}
	r.publisher = pub

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.endSession(ctx)

	if pub.offline != 0 {
		t.Errorf("offline publishes = %d, want 0 while shutting down", pub.offline)
	}
}

// Without an azuracast config block no publisher calls are made at all.
func TestRelayWithoutPublisherConfigured(t *testing.T) {
	info := &locator.StreamInfo{MediaURL: "https://edge.example/u1.m3u8", Title: "show"}

	r := newTestRelay(t, testConfig())
	if r.publisher != nil {
		t.Fatal("publisher configured despite empty azuracast config")
	}

	r.loc = &fakeLocator{
		resolve: func(string) (*locator.StreamInfo, error) { return nil, fmt.Errorf("gone") },
	}
	r.launch = func(string) (Process, error) { return &fakeProc{exited: true, code: 1}, nil }
	r.machine.session = &session{url: info.MediaURL, retriesLeft: 0}

	// Exercise the ended path; must not panic on the nil publisher.
	if ok := r.nextAfterExit(context.Background()); ok {
		t.Fatal("expected session to end")
	}
	r.endSession(context.Background())
	if err := r.stopping(nil); err != nil {
		t.Fatalf("stopping: %v", err)
	}
}
