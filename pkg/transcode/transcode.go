// Package transcode launches and supervises the ffmpeg child that pulls a
// media URL and pushes re-encoded audio to an Icecast mount.
package transcode

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const defaultBinary = "ffmpeg"

// SinkConfig identifies the Icecast mount that receives the audio.
type SinkConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	Mount          string `yaml:"mount,omitempty"`
	SourceUser     string `yaml:"source-user,omitempty"`
	SourcePassword string `yaml:"source-password,omitempty"`
}

// AudioConfig holds the encoder parameters passed to ffmpeg.
type AudioConfig struct {
	Codec   string `yaml:"codec,omitempty"`
	Bitrate string `yaml:"bitrate,omitempty"`
}

// SinkURL builds the icecast:// destination URL ffmpeg writes to. The mount
// is normalized to a single leading slash.
func SinkURL(cfg SinkConfig) string {
	mount := "/" + strings.TrimLeft(cfg.Mount, "/")
	return fmt.Sprintf("icecast://%s:%s@%s:%d%s", cfg.SourceUser, cfg.SourcePassword, cfg.Host, cfg.Port, mount)
}

// Runner launches transcoder processes for a fixed sink and encoding.
type Runner struct {
	binary string
	sink   SinkConfig
	audio  AudioConfig
	logger *slog.Logger
}

func NewRunner(sink SinkConfig, audio AudioConfig, logger *slog.Logger) *Runner {
	return &Runner{
		binary: defaultBinary,
		sink:   sink,
		audio:  audio,
		logger: logger.With("module", "transcode"),
	}
}

// buildArgs assembles the ffmpeg command line. The container format has to
// match the codec; mp3 for libmp3lame, ogg otherwise.
func (r *Runner) buildArgs(mediaURL string) []string {
	format := "ogg"
	if r.audio.Codec == "libmp3lame" {
		format = "mp3"
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", mediaURL,
		"-vn",
		"-c:a", r.audio.Codec,
		"-b:a", r.audio.Bitrate,
		"-ac", "1",
		"-f", format,
		SinkURL(r.sink),
	}
}

// Launch starts a transcoder for the given media URL and returns a handle to
// the running child. Failure to spawn is returned to the caller; everything
// after a successful start is observed through Poll and Terminate.
func (r *Runner) Launch(mediaURL string) (*Process, error) {
	cmd := exec.Command(r.binary, r.buildArgs(mediaURL)...)

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Stdout carries no data (the sink URL is the output); stderr is drained
	// into a buffer by os/exec so the child never blocks on a full pipe.
	cmd.Stdout = nil
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", r.binary)
	}

	r.logger.Info("transcoder started", "pid", cmd.Process.Pid, "sink", r.sink.Host)

	go func() {
		// Wait also drains the stderr copy goroutine, so the buffer is
		// complete once done is closed.
		_ = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Process is the ownership handle to a single running transcoder child.
type Process struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
}

// Exited reports, without blocking, whether the child has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code. Valid only after Exited reports true.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stderr returns the child's captured diagnostic output. Valid only after
// Exited reports true; before that the buffer is still being written.
func (p *Process) Stderr() string {
	return strings.TrimSpace(p.stderr.String())
}

// Terminate asks the child to exit and waits up to grace for it to comply,
// escalating to SIGKILL afterwards. Safe to call on an already-exited child.
func (p *Process) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The child may have exited between the check and the signal.
		select {
		case <-p.done:
			return nil
		default:
			return errors.Wrap(err, "failed to signal transcoder")
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "failed to kill transcoder")
	}
	<-p.done

	return nil
}
