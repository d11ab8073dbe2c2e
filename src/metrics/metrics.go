package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market-streamer/src/models"
)

// feedStateValues encodes FeedState as a gauge value.
var feedStateValues = map[models.FeedState]float64{
	models.FeedDisconnected: 0,
	models.FeedConnecting:   1,
	models.FeedConnected:    2,
	models.FeedStale:        3,
	models.FeedError:        4,
}

// -----------------------------------------------------------------------------

// Collectors groups the process metrics on one registry.
type Collectors struct {
	Registry *prometheus.Registry

	TicksTotal        *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	FeedState         prometheus.Gauge
	ConnectionQuality prometheus.Gauge
	Subscribers       prometheus.Gauge
	BackupsTotal      *prometheus.CounterVec
}

// -----------------------------------------------------------------------------

func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
			[]string{"symbol"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Reconnect attempts scheduled by the watchdog"},
		),
		FeedState: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "feed_state", Help: "0 disconnected, 1 connecting, 2 connected, 3 stale, 4 error"},
		),
		ConnectionQuality: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "feed_connection_quality", Help: "Connection quality score 0-100"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "hub_subscribers", Help: "Connected downstream subscribers"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "candle_backups_total", Help: "Candle backups by result"},
			[]string{"result"},
		),
	}

	c.Registry.MustRegister(
		c.TicksTotal,
		c.ReconnectsTotal,
		c.FeedState,
		c.ConnectionQuality,
		c.Subscribers,
		c.BackupsTotal,
	)
	return c
}

// -----------------------------------------------------------------------------

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// -----------------------------------------------------------------------------

func (c *Collectors) ObserveTick(symbol string) {
	c.TicksTotal.WithLabelValues(symbol).Inc()
}

func (c *Collectors) ObserveReconnect(_ int) {
	c.ReconnectsTotal.Inc()
}

func (c *Collectors) ObserveHealth(h models.MFeedHealth) {
	c.FeedState.Set(feedStateValues[h.State])
	c.ConnectionQuality.Set(float64(h.ConnectionQuality))
}

func (c *Collectors) ObserveSubscribers(n int) {
	c.Subscribers.Set(float64(n))
}

func (c *Collectors) ObserveBackup(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.BackupsTotal.WithLabelValues(result).Inc()
}
