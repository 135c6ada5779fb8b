package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_tokens_issued_total",
		Help: "Total number of delivery tokens issued by agents.",
	})

	TokensRedeemedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_tokens_redeemed_total",
		Help: "Total number of delivery tokens redeemed by customers.",
	})

	OTPVerifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_otp_verified_total",
		Help: "Total number of OTP challenges approved and recorded.",
	})

	DeliveriesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_deliveries_completed_total",
		Help: "Total number of deliveries completed after verification.",
	})

	VerificationRequiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_verification_required_total",
		Help: "Completion attempts rejected because the order was not verified.",
	})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_otp_gateway_requests_total",
		Help: "OTP provider calls by operation and outcome.",
	},
		[]string{"operation", "outcome"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handoff_otp_gateway_request_duration_seconds",
		Help:    "Duration of OTP provider calls.",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"operation"},
	)

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_operation_errors_total",
		Help: "Total number of errors encountered during delivery operations.",
	},
		[]string{"operation"},
	)
)
