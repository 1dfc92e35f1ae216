package wot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_wot_builds",
	Help: "Number of completed trust graph builds",
})

var buildErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_wot_build_errors",
	Help: "Number of trust graph builds abandoned with an error",
})

var fetchErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_wot_fetch_errors",
	Help: "Number of follow list fetches that failed during a crawl",
})

var memberGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lookout_wot_members",
	Help: "Membership size of the current trust graph snapshot",
})

var followCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_wot_follow_cache_hits",
	Help: "Number of follow list lookups served from cache",
})

var followCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookout_wot_follow_cache_misses",
	Help: "Number of follow list lookups that fell through to a relay fetch",
})
