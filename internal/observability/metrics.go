package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_total", Help: "Booking requests by outcome"},
		[]string{"outcome"},
	)
	RidesActive          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "rides_active", Help: "Rides currently in ACTIVE or STARTED status"})
	LocationSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "location_samples_total", Help: "Accepted driver location samples"})
	RelaySubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "relay_subscribers", Help: "Current live-location subscribers across all rides"})
	UsersOnline          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "users_online", Help: "Users holding at least one open relay connection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
