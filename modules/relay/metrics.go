package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "icerelay"

type metrics struct {
	sessionsStarted prometheus.Counter
	processLaunches prometheus.Counter
	processExits    prometheus.Counter
	sameURLRetries  prometheus.Counter
	urlRefreshes    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		sessionsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Broadcast sessions acquired from the locator.",
		}),
		processLaunches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcoder_launches_total",
			Help:      "Transcoder child processes launched.",
		}),
		processExits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcoder_exits_total",
			Help:      "Transcoder child processes observed to exit.",
		}),
		sameURLRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "same_url_retries_total",
			Help:      "Relaunches of an exited transcoder with an unchanged media URL.",
		}),
		urlRefreshes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "url_refreshes_total",
			Help:      "Sessions that adopted a freshly resolved media URL.",
		}),
	}
}
