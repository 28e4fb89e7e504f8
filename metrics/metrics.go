// Package metrics provides Prometheus metrics for the stranger-chat server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Match reasons reported by the matchmaker.
const (
	ReasonScore      = "score"
	ReasonStarvation = "starvation"
)

var (
	// SessionsOnline tracks the number of sessions the matchmaker knows about.
	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strangerchat_sessions_online",
			Help: "Number of sessions currently known to the matchmaker",
		},
	)

	// SessionsWaiting tracks the size of the waiting pool.
	SessionsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strangerchat_sessions_waiting",
			Help: "Number of sessions currently waiting for a match",
		},
	)

	// RoomsActive tracks the number of live rooms.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strangerchat_rooms_active",
			Help: "Number of rooms with at least one participant",
		},
	)

	// MatchesTotal counts rooms formed, labelled by what qualified the pair.
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strangerchat_matches_total",
			Help: "Total number of matches formed",
		},
		[]string{"reason"},
	)

	// PartnerLeftTotal counts partner_left notifications sent.
	PartnerLeftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strangerchat_partner_left_total",
			Help: "Total number of partner_left notifications emitted",
		},
	)

	// Connections tracks open websocket connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strangerchat_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)

	// MessagesRelayed counts chat messages relayed into rooms.
	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strangerchat_messages_relayed_total",
			Help: "Total number of chat messages relayed to room members",
		},
	)

	// DeliveriesDropped counts events addressed to handles that were already gone.
	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strangerchat_deliveries_dropped_total",
			Help: "Total number of events dropped because the target connection was gone",
		},
	)
)

// RecordMatch increments the match counter for the given reason.
func RecordMatch(reason string) {
	MatchesTotal.WithLabelValues(reason).Inc()
}

// RecordPartnerLeft increments the partner_left counter.
func RecordPartnerLeft() {
	PartnerLeftTotal.Inc()
}

// SetPopulation publishes the matchmaker's current counts.
func SetPopulation(online, waiting, rooms int) {
	SessionsOnline.Set(float64(online))
	SessionsWaiting.Set(float64(waiting))
	RoomsActive.Set(float64(rooms))
}
