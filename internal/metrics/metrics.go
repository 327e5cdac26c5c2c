// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cast"

var (
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Number of registered peer sessions.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Sessions that completed negotiation.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Closed sessions by reason.",
	}, []string{"reason"})
	NegotiationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "negotiation_errors_total",
		Help:      "Offers that could not be answered.",
	})
	FramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_relayed_total",
		Help:      "Frames read from the source and fanned out.",
	})
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_dropped_frames_total",
		Help:      "Frames discarded because a subscriber fell behind.",
	})
	PictureLossIndications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rtcp_pli_total",
		Help:      "Picture loss indications and full intra requests received from viewers.",
	})
)

// Close reasons.
const (
	ReasonClient   = "client"
	ReasonFailed   = "failed"
	ReasonShutdown = "shutdown"
	ReasonError    = "negotiation_error"
)
