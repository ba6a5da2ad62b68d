package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buzzconnect"

// Sync holds the client-side synchronization collectors.
type Sync struct {
	HistoryFetches     *prometheus.CounterVec // result: ok|error
	RealtimeEvents     prometheus.Counter
	DuplicatesDropped  prometheus.Counter
	SendFailures       *prometheus.CounterVec // leg: remote|mirror|cache
	MarkReads          *prometheus.CounterVec // outcome: ok|noop|error
	TypingPublishes    *prometheus.CounterVec // state: true|false
	RequestTransitions *prometheus.CounterVec // action: accept|ignore
}

// NewSync creates the sync collectors and registers them on reg when it is non-nil.
func NewSync(reg prometheus.Registerer) *Sync {
	s := &Sync{
		HistoryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "history_fetches_total",
			Help:      "Remote history fetches by result.",
		}, []string{"result"}),
		RealtimeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "realtime_events_total",
			Help:      "Messages received from the realtime side-channel.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duplicates_collapsed_total",
			Help:      "Incoming messages merged into an existing entry.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "send_failures_total",
			Help:      "Failed legs of a send.",
		}, []string{"leg"}),
		MarkReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mark_reads_total",
			Help:      "Mark-read attempts by outcome.",
		}, []string{"outcome"}),
		TypingPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "typing_publishes_total",
			Help:      "Typing flags written to the side-channel.",
		}, []string{"state"}),
		RequestTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "request_transitions_total",
			Help:      "Chat request accept and ignore calls that succeeded.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(
			s.HistoryFetches,
			s.RealtimeEvents,
			s.DuplicatesDropped,
			s.SendFailures,
			s.MarkReads,
			s.TypingPublishes,
			s.RequestTransitions,
		)
	}
	return s
}

// HTTP holds the backend server collectors.
type HTTP struct {
	Requests        *prometheus.CounterVec   // route, method, code
	Duration        *prometheus.HistogramVec // route, method
	OpenSockets     prometheus.Gauge
	FramesRejected  *prometheus.CounterVec // reason
	RequestsCreated prometheus.Counter
}

// NewHTTP creates the server collectors and registers them on reg when it is non-nil.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		OpenSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "open_connections",
			Help:      "Open realtime websocket connections.",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "frames_rejected_total",
			Help:      "Inbound realtime frames answered with an error.",
		}, []string{"reason"}),
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_created_total",
			Help:      "Chat requests opened by first-contact messages.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.Requests, h.Duration, h.OpenSockets, h.FramesRejected, h.RequestsCreated)
	}
	return h
}
