package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsGauge reports the number of live client connections.
	ConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections",
		Help: "Current number of live client connections",
	})
	// LockAcquireCounter tracks successful lock acquisitions and refreshes.
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_lock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockContentionCounter tracks acquire attempts rejected because
	// another holder was active.
	LockContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_lock_contention_total",
		Help: "Total number of lock acquisitions rejected due to contention",
	})
	// LockReleaseCounter tracks lock releases.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_lock_release_total",
		Help: "Total number of lock releases",
	})
	// BroadcastCounter tracks change events published to clients.
	BroadcastCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcast_total",
		Help: "Total number of change events broadcast",
	})
	// RelayDegradedCounter tracks publishes that fell back to
	// process-local delivery because the relay was unreachable.
	RelayDegradedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_relay_degraded_total",
		Help: "Total number of publishes delivered process-locally because the relay was unreachable",
	})
	// DroppedFrameCounter tracks frames dropped because a client's send
	// buffer was full.
	DroppedFrameCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_dropped_frames_total",
		Help: "Total number of frames dropped on slow client connections",
	})
	// AuthFailureCounter tracks rejected connection attempts.
	AuthFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_auth_failures_total",
		Help: "Total number of connection attempts rejected by the gate",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the collab core metrics on the provided
// registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionsGauge,
		LockAcquireCounter,
		LockContentionCounter,
		LockReleaseCounter,
		BroadcastCounter,
		RelayDegradedCounter,
		DroppedFrameCounter,
		AuthFailureCounter,
	)
}
