// Package metrics exposes the daemon's prometheus collectors, grounded
// on the metrics registration style used throughout the ws/ teacher
// (client_golang counters/gauges registered at package init, scraped via
// promhttp.Handler on a debug listener).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DaemonUp is 1 while the daemon is accepting connections, 0 otherwise.
	DaemonUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_daemon_up",
		Help: "1 if the relay daemon is currently running, 0 otherwise.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Number of currently active connections.",
	})

	// DeliveriesTotal, DeliveryRetriesTotal and PendingDeliveries are
	// registered and exported, but nothing in the tree updates them, so
	// they always read zero.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total DELIVER envelopes sent, by outcome.",
	}, []string{"outcome"})

	DeliveryRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_retries_total",
		Help: "Total delivery retransmits performed by the tracker.",
	})

	PendingDeliveries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_deliveries",
		Help: "Current number of in-flight, unacknowledged deliveries.",
	})
)

func init() {
	prometheus.MustRegister(DaemonUp, ConnectionsActive, DeliveriesTotal, DeliveryRetriesTotal, PendingDeliveries)
}
