package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime channel
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_connections_active",
		Help: "The current number of connected realtime sessions.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_connections_total",
		Help: "The total number of realtime connections accepted.",
	})
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_events_broadcast_total",
		Help: "The total number of events fanned out, by event type.",
	}, []string{"event"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_events_dropped_total",
		Help: "The total number of events dropped because a session's send buffer was full.",
	})

	// Arbitration
	ChannelGrants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_channel_grants_total",
		Help: "The total number of granted transmit requests.",
	})
	ChannelDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_channel_denials_total",
		Help: "The total number of denied transmit requests, by reason.",
	}, []string{"reason"})

	// Upload gate and complaints
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_uploads_total",
		Help: "The total number of upload requests, by result.",
	}, []string{"result"})
	ComplaintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_complaints_total",
		Help: "The total number of complaint requests, by result.",
	}, []string{"result"})
	BansIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_bans_issued_total",
		Help: "The total number of automatic bans issued.",
	})
)
