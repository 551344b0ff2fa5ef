// Package metrics exposes gateway counters on a private Prometheus
// registry, keeping the scrape surface limited to what the gateway itself
// produces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates relay and media-proxy activity. It satisfies the
// stats hooks of both, so the relay registry and the proxy feed it
// directly without knowing about Prometheus.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDegraded prometheus.Counter
	viewersActive   prometheus.Gauge
	viewersTotal    prometheus.Counter

	thumbHits   prometheus.Counter
	thumbMisses prometheus.Counter
	dlBytes     prometheus.Counter
	dlStarted   prometheus.Counter

	authState prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudcam_relay_sessions_active",
		Help: "Live view sessions currently running",
	})
	reg.MustRegister(c.sessionsActive)

	c.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_relay_sessions_total",
		Help: "Live view sessions started since boot",
	})
	reg.MustRegister(c.sessionsTotal)

	c.sessionDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_relay_session_degraded_total",
		Help: "Times a session entered the degraded retry state",
	})
	reg.MustRegister(c.sessionDegraded)

	c.viewersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudcam_relay_viewers_active",
		Help: "Viewers currently attached across all sessions",
	})
	reg.MustRegister(c.viewersActive)

	c.viewersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_relay_viewers_total",
		Help: "Viewer attachments since boot",
	})
	reg.MustRegister(c.viewersTotal)

	c.thumbHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_proxy_thumbnail_cache_hits_total",
		Help: "Thumbnail requests served from the in-memory cache",
	})
	reg.MustRegister(c.thumbHits)

	c.thumbMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_proxy_thumbnail_cache_misses_total",
		Help: "Thumbnail requests that went upstream",
	})
	reg.MustRegister(c.thumbMisses)

	c.dlBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_proxy_download_bytes_total",
		Help: "Bytes written to disk by download jobs",
	})
	reg.MustRegister(c.dlBytes)

	c.dlStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudcam_proxy_downloads_started_total",
		Help: "Download jobs started since boot",
	})
	reg.MustRegister(c.dlStarted)

	c.authState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudcam_auth_authenticated",
		Help: "Whether the gateway holds a valid upstream credential (1=yes)",
	})
	reg.MustRegister(c.authState)

	return c
}

// Handler serves the registry for Prometheus scrapes.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// relay.Stats

func (c *Collector) SessionStarted() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

func (c *Collector) SessionEnded() { c.sessionsActive.Dec() }

func (c *Collector) SessionDegraded() { c.sessionDegraded.Inc() }

func (c *Collector) ViewerJoined() {
	c.viewersActive.Inc()
	c.viewersTotal.Inc()
}

func (c *Collector) ViewerLeft() { c.viewersActive.Dec() }

// proxy.Stats

func (c *Collector) ThumbnailHit() { c.thumbHits.Inc() }

func (c *Collector) ThumbnailMiss() { c.thumbMisses.Inc() }

func (c *Collector) DownloadStarted() { c.dlStarted.Inc() }
func (c *Collector) DownloadBytes(n int64) { c.dlBytes.Add(float64(n)) }

// SetAuthenticated flips the upstream credential gauge.
func (c *Collector) SetAuthenticated(ok bool) {
	if ok {
		c.authState.Set(1)
	} else {
		c.authState.Set(0)
	}
}
