// Package metrics exposes the Prometheus collectors for reply delivery.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "larkclaw"

// Delivery reports outbound delivery activity. All methods are nil-safe.
type Delivery struct {
	sends          *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	streamUpdates  prometheus.Counter
	streamStops    *prometheus.CounterVec
	mediaFallbacks prometheus.Counter
	typingFailures *prometheus.CounterVec
	replyDuration  *prometheus.HistogramVec
	inboundDropped *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultDelivery *Delivery
)

// Default returns the Delivery collectors registered with the global registry.
func Default() *Delivery {
	defaultOnce.Do(func() {
		defaultDelivery = MustNewDelivery(prometheus.DefaultRegisterer)
	})
	return defaultDelivery
}

// MustNewDelivery registers a fresh set of collectors with reg.
// Registering twice with the same registry panics.
func MustNewDelivery(reg prometheus.Registerer) *Delivery {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	d := &Delivery{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery",
			Name: "sends_total",
			Help: "Messages sent through ordinary delivery, by format.",
		}, []string{"format"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery",
			Name: "failures_total",
			Help: "Failed delivery operations, by stage.",
		}, []string{"stage"}),
		streamUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream",
			Name: "updates_total",
			Help: "Draft stream network operations (create + patch).",
		}),
		streamStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream",
			Name: "aborts_total",
			Help: "Draft streams abandoned before the final answer, by reason.",
		}, []string{"reason"}),
		mediaFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery",
			Name: "media_fallbacks_total",
			Help: "Media attachments replaced by a text link after upload failures.",
		}),
		typingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "typing",
			Name: "failures_total",
			Help: "Typing indicator reaction failures, by phase.",
		}, []string{"phase"}),
		replyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery",
			Name:    "reply_duration_seconds",
			Help:    "Time from reply start to close.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		inboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbound",
			Name: "dropped_total",
			Help: "Inbound events dropped before reaching the agent, by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		d.sends, d.sendFailures, d.streamUpdates, d.streamStops,
		d.mediaFallbacks, d.typingFailures, d.replyDuration, d.inboundDropped,
	} {
		reg.MustRegister(c)
	}
	return d
}

func (d *Delivery) Sent(format string) {
	if d != nil {
		d.sends.WithLabelValues(format).Inc()
	}
}

func (d *Delivery) Failed(stage string) {
	if d != nil {
		d.sendFailures.WithLabelValues(stage).Inc()
	}
}

func (d *Delivery) StreamUpdated() {
	if d != nil {
		d.streamUpdates.Inc()
	}
}

func (d *Delivery) StreamAborted(reason string) {
	if d != nil {
		d.streamStops.WithLabelValues(reason).Inc()
	}
}

func (d *Delivery) MediaFallback() {
	if d != nil {
		d.mediaFallbacks.Inc()
	}
}

func (d *Delivery) TypingFailed(phase string) {
	if d != nil {
		d.typingFailures.WithLabelValues(phase).Inc()
	}
}

func (d *Delivery) ReplyFinished(outcome string, elapsed time.Duration) {
	if d != nil {
		d.replyDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

func (d *Delivery) InboundDropped(reason string) {
	if d != nil {
		d.inboundDropped.WithLabelValues(reason).Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
