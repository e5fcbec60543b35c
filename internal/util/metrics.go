package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ListingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listings_created_total",
		Help: "Total number of listings created",
	})

	ListingsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listings_expired_total",
		Help: "Total number of listings that ended unsold",
	})

	BidsPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bids_placed_total",
		Help: "Total number of bids placed",
	})

	BidsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bids_rejected_total",
		Help: "Total number of bids refused at placement or rejected by the seller",
	}, []string{"reason"})

	BidsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bids_accepted_total",
		Help: "Total number of bids accepted",
	})

	CounteroffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counteroffers_total",
		Help: "Total number of counteroffers by outcome",
	}, []string{"outcome"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"status"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed acceptance sagas",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	SagaCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Total number of saga compensation steps executed",
	}, []string{"step", "result"})

	AuthenticationResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authentication_results_total",
		Help: "Total number of authentication results recorded",
	}, []string{"status"})

	AuthenticationPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authentication_polls_total",
		Help: "Total number of partner status polls",
	}, []string{"outcome"})

	ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authentication_active_pollers",
		Help: "Number of authentication requests currently being polled",
	})

	PartnerRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partner_request_latency_seconds",
		Help:    "Latency of authentication partner calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"partner", "operation"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of escrow operations attempted",
	}, []string{"operation"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed escrow operations",
	}, []string{"operation"})

	PaymentProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of escrow operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PayoutsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payouts_released_total",
		Help: "Total number of seller payouts released",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
