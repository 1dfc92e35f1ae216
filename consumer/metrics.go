package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var receivedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_consumer_events_received",
	Help: "Number of report events received, by relay.",
}, []string{"relay"})

var reconnectCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lookout_consumer_reconnects",
	Help: "Number of subscription reconnects, by relay.",
}, []string{"relay"})
