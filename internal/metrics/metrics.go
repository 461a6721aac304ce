// ABOUTME: Prometheus metrics for the master: connections, requests, responses, replays and auth failures
// ABOUTME: Every recording method is nil-safe so agents run unchanged without a collector

package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pinion"

// Request kinds.
const (
	KindRequest = "request"
	KindNotify  = "notify"
	KindCommand = "command"
)

// Response outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeUnknown = "unknown"
)

// Collector owns a private registry with the master's metrics.
type Collector struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	Responses    *prometheus.CounterVec
	Replayed     prometheus.Counter
	AuthFailures *prometheus.CounterVec
	Registered   *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "frames_sent_total",
				Help:      "Frames sent to monitors and clients",
			},
			[]string{"kind"},
		),
		Responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "responses_total",
				Help:      "Responses received from monitors",
			},
			[]string{"outcome"},
		),
		Replayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "replayed_requests_total",
				Help:      "Buffered requests resent after a monitor registered or reconnected",
			},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "auth_failures_total",
				Help:      "Rejected registrations",
			},
			[]string{"role"},
		),
		Registered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "registrations_total",
				Help:      "Accepted registrations and reconnects",
			},
			[]string{"role", "kind"},
		),
	}

	c.registry.MustRegister(
		c.Requests,
		c.Responses,
		c.Replayed,
		c.AuthFailures,
		c.Registered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// TrackGauge registers a gauge whose value is read from fn at scrape time.
// Registering the same name twice keeps the first.
func (c *Collector) TrackGauge(name, help string, fn func() float64) error {
	if c == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      name,
		Help:      help,
	}, fn)
	if err := c.registry.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// FrameSent counts an outbound frame of kind.
func (c *Collector) FrameSent(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Requests.WithLabelValues(kind).Add(float64(n))
}

// ResponseReceived counts an inbound response by outcome.
func (c *Collector) ResponseReceived(outcome string) {
	if c == nil {
		return
	}
	c.Responses.WithLabelValues(outcome).Inc()
}

// RequestsReplayed counts replayed requests.
func (c *Collector) RequestsReplayed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Replayed.Add(float64(n))
}

// AuthFailed counts a rejected registration.
func (c *Collector) AuthFailed(role string) {
	if c == nil {
		return
	}
	c.AuthFailures.WithLabelValues(role).Inc()
}

// Registration counts an accepted registration or reconnect.
func (c *Collector) Registration(role, kind string) {
	if c == nil {
		return
	}
	c.Registered.WithLabelValues(role, kind).Inc()
}
