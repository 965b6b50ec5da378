package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncedHeight          prometheus.Gauge
	MonitoredTransactions prometheus.Gauge
	MonitoredAddresses    prometheus.Gauge
	BroadcastsTotal       *prometheus.CounterVec
	AppointmentsTotal     *prometheus.CounterVec
	ConnectedTowers       prometheus.Gauge
)

var Registered = false

func RegisterMetrics(namespace string) {
	if Registered {
		return
	}
	Registered = true

	SyncedHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "synced_height",
			Namespace: namespace,
			Subsystem: "chain",
			Help:      "Last validated and stored header height.",
		},
	)

	MonitoredTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "monitored_transactions",
			Namespace: namespace,
			Subsystem: "monitor",
			Help:      "Live funding transaction watchers.",
		},
	)

	MonitoredAddresses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "monitored_addresses",
			Namespace: namespace,
			Subsystem: "monitor",
			Help:      "Live address and output watchers.",
		},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "broadcasts_total",
			Namespace: namespace,
			Subsystem: "monitor",
			Help:      "Broadcast transactions by kind.",
		},
		[]string{"kind", "result"},
	)

	AppointmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "appointments_total",
			Namespace: namespace,
			Subsystem: "watchtower",
			Help:      "Appointment requests by tower and result.",
		},
		[]string{"tower", "result"},
	)

	ConnectedTowers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "connected_towers",
			Namespace: namespace,
			Subsystem: "watchtower",
			Help:      "Towers in authenticated state.",
		},
	)

	prometheus.MustRegister(SyncedHeight)
	prometheus.MustRegister(MonitoredTransactions)
	prometheus.MustRegister(MonitoredAddresses)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(AppointmentsTotal)
	prometheus.MustRegister(ConnectedTowers)
}

// SetSyncedHeight is safe to call before RegisterMetrics, tests run
// without the registry.
func SetSyncedHeight(height uint32) {
	if !Registered {
		return
	}
	SyncedHeight.Set(float64(height))
}

func AddMonitoredTransactions(delta float64) {
	if !Registered {
		return
	}
	MonitoredTransactions.Add(delta)
}

func AddMonitoredAddresses(delta float64) {
	if !Registered {
		return
	}
	MonitoredAddresses.Add(delta)
}

func CountBroadcast(kind, result string) {
	if !Registered {
		return
	}
	BroadcastsTotal.WithLabelValues(kind, result).Inc()
}

func CountAppointment(tower, result string) {
	if !Registered {
		return
	}
	AppointmentsTotal.WithLabelValues(tower, result).Inc()
}

func SetConnectedTowers(n float64) {
	if !Registered {
		return
	}
	ConnectedTowers.Set(n)
}
