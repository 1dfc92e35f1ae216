package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchActedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_dispatch_acted",
	Help: "Number of targets successfully acted on.",
})

var dispatchAttemptsCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_dispatch_attempts",
	Help: "Number of deletion attempts, including retries.",
})

var dispatchFailedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_dispatch_failed",
	Help: "Number of trigger bursts that exhausted every deletion attempt.",
})

var dispatchSkippedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_dispatch_skipped",
	Help: "Number of dispatches skipped, by reason.",
}, []string{"reason"})

var dispatchNoticeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_dispatch_notice_errors",
	Help: "Number of delete notices that failed to publish.",
})
