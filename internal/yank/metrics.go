package yank

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yankbank",
			Subsystem: "reconciler",
			Name:      "merges_total",
			Help:      "Total merges by outcome and whether the current set grew.",
		},
		[]string{"outcome", "changed"},
	)
	mergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "yankbank",
			Subsystem: "reconciler",
			Name:      "merge_duration_seconds",
			Help:      "Merge duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	setSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "yankbank",
			Subsystem: "store",
			Name:      "set_members",
			Help:      "Cardinality of the snapshot sets after the last merge.",
		},
		[]string{"set"},
	)
	newlyYanked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yankbank",
			Subsystem: "reconciler",
			Name:      "newly_yanked_total",
			Help:      "Identities added to the yanked set.",
		},
	)
	exports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yankbank",
			Subsystem: "export",
			Name:      "writes_total",
			Help:      "Manifest writes by sink, manifest kind and outcome.",
		},
		[]string{"sink", "manifest", "outcome"},
	)
	exportBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "yankbank",
			Subsystem: "export",
			Name:      "manifest_bytes",
			Help:      "Size of the last manifest written.",
		},
		[]string{"sink", "manifest"},
	)
)

// RegisterMetrics registers the collectors with the default registry.
// It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(merges, mergeDuration, setSize, newlyYanked, exports, exportBytes)
	})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func recordMerge(res MergeResult, duration time.Duration, err error) {
	RegisterMetrics()
	o := outcome(err)
	merges.WithLabelValues(o, strconv.FormatBool(res.Changed)).Inc()
	mergeDuration.WithLabelValues(o).Observe(duration.Seconds())
	if err != nil {
		return
	}
	setSize.WithLabelValues("current").Set(float64(res.Current))
	setSize.WithLabelValues("yanked").Set(float64(res.Yanked))
	newlyYanked.Add(float64(res.NewlyYanked))
}

func recordExport(sinkName, kind string, size int, err error) {
	RegisterMetrics()
	exports.WithLabelValues(sinkName, kind, outcome(err)).Inc()
	if err == nil {
		exportBytes.WithLabelValues(sinkName, kind).Set(float64(size))
	}
}
