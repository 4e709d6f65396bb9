package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "match_attempts_total", Help: "Match attempts by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_pooling", Name: "match_latency_seconds", Help: "Candidate search and scoring latency"})
	PoolsFormed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "pools_formed_total", Help: "Pools created by the assembler"})
	PoolsJoined  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "pools_joined_total", Help: "Rides attached to an existing forming pool"})

	RecomputeFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "recompute_failures_total", Help: "Route or pricing recomputes that failed"})
	RidesCancelled     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "rides_cancelled_total", Help: "Ride requests cancelled"})
	RidesExpired       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "rides_expired_total", Help: "Pending ride requests expired by the sweeper"})
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "event_publish_errors_total", Help: "Ride events that could not be published"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_pooling",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "http_rate_limited_total", Help: "Requests rejected by the rate limiter"})
)

const (
	OutcomeMatched    = "matched"
	OutcomeNoMatch    = "no_match"
	OutcomeFailed     = "failed"
	OutcomeContended  = "contended"
	OutcomeNotSharing = "not_sharing"
)
