package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_attempts_total",
		Help: "Total number of checkout attempts by payment method",
	}, []string{"method"})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders persisted by payment method",
	}, []string{"method"})

	CheckoutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failures_total",
		Help: "Total number of failed checkouts by error kind and stage",
	}, []string{"kind", "stage"})

	CheckoutReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_idempotent_replays_total",
		Help: "Total number of checkouts answered from an existing order",
	})

	CartLinesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_lines_dropped_total",
		Help: "Cart lines excluded during validation",
	}, []string{"reason"})

	CheckoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_duration_seconds",
		Help:    "End-to-end checkout workflow latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "outcome"})

	InventoryAdjustmentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_adjustments_failed_total",
		Help: "Post-commit availability updates that failed",
	})

	VariantsMarkedUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "variants_marked_unavailable_total",
		Help: "Variants whose availability flipped to false",
	})

	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "variant_reservation_conflicts_total",
		Help: "Cart lines dropped because another checkout held the variant",
	})

	PaymentIntentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_intents_created_total",
		Help: "Total number of gateway intents created",
	})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment proof verifications by result",
	}, []string{"result"})

	PaymentReconciliationRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_reconciliation_required_total",
		Help: "Verified payments without a persisted order",
	})

	GatewayRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
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
