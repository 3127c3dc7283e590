package relay

import (
	"github.com/icerelay/icerelay/pkg/locator"
)

// session represents one continuous broadcast occurrence, identified by its
// current media URL. It is replaced wholly when a fresh URL is adopted and
// destroyed when the broadcast is judged over.
type session struct {
	url         string
	title       string
	retriesLeft int
}

// decision is the outcome of evaluating a transcoder exit.
type decision int

const (
	// decideRetrySame relaunches the same media URL after a short backoff.
	decideRetrySame decision = iota
	// decideRefreshURL adopts a freshly resolved media URL with a full retry budget.
	decideRefreshURL
	// decideSessionEnded gives up on the current broadcast and returns to
	// waiting for liveness.
	decideSessionEnded
)

func (d decision) String() string {
	switch d {
	case decideRetrySame:
		return "retry_same"
	case decideRefreshURL:
		return "refresh_url"
	case decideSessionEnded:
		return "session_ended"
	}
	return "unknown"
}

// machine holds the retry/refresh policy for a single channel. It knows
// nothing about processes or clocks; the relay loop executes its decisions.
type machine struct {
	maxRetries int
	session    *session
}

func newMachine(maxRetries int) *machine {
	return &machine{maxRetries: maxRetries}
}

func (m *machine) begin(info *locator.StreamInfo) {
	m.session = &session{
		url:         info.MediaURL,
		title:       info.Title,
		retriesLeft: m.maxRetries,
	}
}

func (m *machine) end() {
	m.session = nil
}

// decideAfterExit evaluates the transition rules once the transcoder for the
// current URL has exited. While same-URL retries remain, the budget is
// decremented and the exhausted URL relaunched; many interruptions are
// momentary source-side blips and relaunching is cheap. Only once the budget
// runs out is resolve invoked for a replacement. A replacement identical to
// the exhausted URL, or none at all, ends the session; hammering a URL that
// already burned its retries is pointless.
func (m *machine) decideAfterExit(resolve func() *locator.StreamInfo) decision {
	if m.session.retriesLeft > 0 {
		m.session.retriesLeft--
		return decideRetrySame
	}

	fresh := resolve()
	if fresh == nil || fresh.MediaURL == m.session.url {
		return decideSessionEnded
	}

	m.session = &session{
		url:         fresh.MediaURL,
		title:       fresh.Title,
		retriesLeft: m.maxRetries,
	}

	return decideRefreshURL
}

// exhaustRetries drops the remaining same-URL budget. Used when the in-use
// URL is confirmed unreachable; a dead URL is not worth relaunching.
func (m *machine) exhaustRetries() {
	m.session.retriesLeft = 0
}
