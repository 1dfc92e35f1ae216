package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reportProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "lookout_report_duration_sec",
	Help: "Total duration of report processing",
})

var reportRejectedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_reports_rejected",
	Help: "Number of reports rejected by the validation gate",
}, []string{"reason"})

var reportSkippedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_reports_skipped",
	Help: "Number of reports skipped before evaluation",
}, []string{"reason"})

var reportStoredCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_reports_stored",
	Help: "Number of ledger writes by upsert outcome",
}, []string{"outcome"})

var verdictTriggeredCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_verdicts_triggered",
	Help: "Number of threshold-crossing verdicts",
})

var schedItemsAdded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_scheduler_items_added",
	Help: "Number of reports enqueued to the scheduler",
})

var schedItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_scheduler_items_processed",
	Help: "Number of reports the scheduler finished processing",
})

var schedItemsActive = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_scheduler_items_active",
	Help: "Number of reports handed to a worker",
})

var schedWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lookout_scheduler_workers_active",
	Help: "Size of the scheduler worker pool",
})
