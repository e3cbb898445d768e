package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientsConnected tracks viewers attached to each channel relay.
var ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lumos_clients_connected",
	Help: "Number of clients connected",
}, []string{"channel"})

// BytesTransferred counts relayed bytes. "direction" is upstream (decoder
// into the sink) or downstream (sink out to viewers).
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// SessionStatus is 1 for the status a session is currently in and 0 otherwise.
var SessionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lumos_session_status",
	Help: "Current playback status per session",
}, []string{"session", "status"})

// SessionTransitions counts status changes by origin and destination.
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_session_transitions_total",
	Help: "Playback status transitions",
}, []string{"from", "to"})

// Fallbacks counts advances to the next candidate.
var Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_session_fallbacks_total",
	Help: "Candidate fallbacks after terminal decoder errors",
}, []string{"session"})

// Recoveries counts in-place recovery cycles.
var Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_session_recoveries_total",
	Help: "In-place decoder recoveries",
}, []string{"session"})

// SessionFailures counts sessions that ended in Failed, by failure kind.
var SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_session_failures_total",
	Help: "Sessions that reached the failed state",
}, []string{"kind"})

// StreamErrors counts decoder-level errors by code.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lumos_stream_errors_total",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})
