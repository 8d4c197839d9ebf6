package latepass

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "latepass_tickets_issued_total",
		Help: "Late pass tickets issued.",
	})
	issueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latepass_issue_rejected_total",
		Help: "Late pass issue attempts rejected, by error code.",
	}, []string{"code"})
	ticketsUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latepass_tickets_used_total",
		Help: "Late pass tickets redeemed, by recorded attendance status.",
	}, []string{"status"})
	ticketsCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "latepass_tickets_canceled_total",
		Help: "Late pass tickets canceled.",
	})
	ticketsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "latepass_tickets_expired_total",
		Help: "Late pass tickets moved to EXPIRED by the sweep.",
	})
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latepass_validations_total",
		Help: "Door-side validations, by verdict.",
	}, []string{"verdict"})
)
