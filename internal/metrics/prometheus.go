// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"guardstat-service/internal/models"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardstat_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardstat_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesIngested количество принятых отсчетов счетчика
	SamplesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardstat_samples_ingested_total",
			Help: "Total number of raw counter samples ingested",
		},
	)

	// CounterResets количество сбросов счетчика
	CounterResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardstat_counter_resets_total",
			Help: "Total number of counter resets seen during delta extraction",
		},
	)

	// HostsRebuilt хосты, для которых пересчитаны базовые линии
	HostsRebuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardstat_hosts_rebuilt_total",
			Help: "Hosts processed by baseline rebuilds",
		},
		[]string{"mode", "result"},
	)

	// RebuildDuration длительность пересчета базовых линий
	RebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardstat_rebuild_duration_seconds",
			Help:    "Baseline rebuild duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"mode"},
	)

	// SamplesClassified классифицированные отсчеты по степени
	SamplesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardstat_samples_classified_total",
			Help: "Classified samples by severity",
		},
		[]string{"severity"},
	)

	// AnomaliesLogged новые записи в журнале аномалий
	AnomaliesLogged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardstat_anomalies_logged_total",
			Help: "Anomaly log entries written (first write per host and epoch)",
		},
	)

	// GlobalIndexEpochs количество epoch в глобальном индексе
	GlobalIndexEpochs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardstat_global_index_epochs",
			Help: "Number of epochs covered by the current global index",
		},
	)

	// GlobalIndexBuild время построения глобального индекса
	GlobalIndexBuild = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardstat_global_index_build_seconds",
			Help:    "Global index build latency in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	// LiveEvaluations проверки живых отсчетов по результату
	LiveEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardstat_live_evaluations_total",
			Help: "Live sample evaluations by outcome",
		},
		[]string{"outcome"},
	)

	// CacheHits попадания в кэш глобального индекса
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardstat_cache_hits_total",
			Help: "Total number of global index cache hits",
		},
	)

	// CacheMisses промахи кэша глобального индекса
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardstat_cache_misses_total",
			Help: "Total number of global index cache misses",
		},
	)
)

// ObserveDay обновляет счетчики по классифицированному дню
func ObserveDay(day models.ClassifiedDay) {
	for _, s := range day.Samples {
		SamplesClassified.WithLabelValues(string(s.Severity)).Inc()
	}
}
