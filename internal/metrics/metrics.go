// Package metrics holds the Prometheus collectors of the sync engine. The
// collectors register with the default registry; Handler exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PendingItems is the number of queued or in-flight upload items per queue.
	PendingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daysync_pending_items",
		Help: "Upload items queued or in flight",
	}, []string{"queue"})

	// Uploads counts upload outcomes per queue.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daysync_uploads_total",
		Help: "Upload item outcomes by queue and outcome",
	}, []string{"queue", "outcome"})

	// UploadDuration tracks transport call latency.
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "daysync_upload_duration_seconds",
		Help:    "Transport call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"queue"})

	// LocalWrites counts autosave write decisions.
	LocalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daysync_local_writes_total",
		Help: "Local write attempts by decision",
	}, []string{"decision"})

	// RemoteApplies counts remote mirroring outcomes.
	RemoteApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daysync_remote_applies_total",
		Help: "Remote records by mirroring outcome",
	}, []string{"outcome"})

	// BroadcastClients is the number of clients connected to the hub.
	BroadcastClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daysync_broadcast_clients",
		Help: "Connected broadcast hub clients",
	})

	// BroadcastMessages counts relayed or received broadcast messages.
	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daysync_broadcast_messages_total",
		Help: "Broadcast messages by backend and direction",
	}, []string{"backend", "direction"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
