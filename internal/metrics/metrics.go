// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wikiRequestsTotal        *prometheus.CounterVec
	wikiRequestDuration      *prometheus.HistogramVec
	rateLimitDelaySeconds    prometheus.Histogram
	articlesWalkedTotal      *prometheus.CounterVec
	categoryBatchesTotal     *prometheus.CounterVec
	articlesClassifiedTotal  *prometheus.CounterVec
	imagesFetchedTotal       *prometheus.CounterVec
	prefetchRunsTotal        *prometheus.CounterVec
	prefetchStageGauge       *prometheus.GaugeVec
	storeUpsertsTotal        *prometheus.CounterVec
	storeDuplicatesDropped   prometheus.Counter
	httpAPIRequestsTotal     *prometheus.CounterVec
	httpAPIRequestDuration   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		wikiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_wiki_requests_total",
				Help: "Total outbound wiki API requests, labeled by universe and outcome.",
			},
			[]string{"universe", "outcome"},
		)

		wikiRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canon_wiki_request_duration_seconds",
				Help:    "Latency of outbound wiki API requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"universe"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "canon_rate_limit_delay_seconds",
				Help:    "Histogram of token bucket wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		articlesWalkedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_articles_walked_total",
				Help: "Articles discovered by category traversal, labeled by universe.",
			},
			[]string{"universe"},
		)

		categoryBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_category_batches_total",
				Help: "Category tag batch fetches, labeled by result.",
			},
			[]string{"result"},
		)

		articlesClassifiedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_articles_classified_total",
				Help: "Articles classified into buckets, labeled by bucket.",
			},
			[]string{"bucket"},
		)

		imagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_images_fetched_total",
				Help: "Image fetch results, labeled by result (downloaded, cached, failed).",
			},
			[]string{"result"},
		)

		prefetchRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_prefetch_runs_total",
				Help: "Completed prefetch runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		prefetchStageGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canon_prefetch_stage",
				Help: "Set to 1 for the currently active prefetch stage.",
			},
			[]string{"stage"},
		)

		storeUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_store_upserts_total",
				Help: "Article rows written to the store, labeled by kind (created, updated).",
			},
			[]string{"kind"},
		)

		storeDuplicatesDropped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "canon_store_duplicates_dropped_total",
				Help: "Input rows dropped by bulk upsert input deduplication.",
			},
		)

		httpAPIRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canon_http_requests_total",
				Help: "Total API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpAPIRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canon_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWikiRequest records one outbound wiki API call.
func ObserveWikiRequest(universe, outcome string, duration time.Duration) {
	wikiRequestsTotal.WithLabelValues(universe, outcome).Inc()
	wikiRequestDuration.WithLabelValues(universe).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a token bucket wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// AddArticlesWalked increments the walked-article counter.
func AddArticlesWalked(universe string, n int) {
	if n > 0 {
		articlesWalkedTotal.WithLabelValues(universe).Add(float64(n))
	}
}

// ObserveCategoryBatch records one category tag batch fetch.
func ObserveCategoryBatch(result string) {
	categoryBatchesTotal.WithLabelValues(result).Inc()
}

// ObserveClassified increments the classified counter for a bucket.
func ObserveClassified(bucket string) {
	articlesClassifiedTotal.WithLabelValues(bucket).Inc()
}

// ObserveImageFetch records one image fetch result.
func ObserveImageFetch(result string) {
	imagesFetchedTotal.WithLabelValues(result).Inc()
}

// ObservePrefetchRun records a terminal prefetch status.
func ObservePrefetchRun(status string) {
	prefetchRunsTotal.WithLabelValues(status).Inc()
}

// SetPrefetchStage marks the given stage as active and clears the others.
func SetPrefetchStage(stage string, known []string) {
	for _, s := range known {
		v := 0.0
		if s == stage {
			v = 1.0
		}
		prefetchStageGauge.WithLabelValues(s).Set(v)
	}
}

// ObserveUpserts records created/updated row counts from a bulk write.
func ObserveUpserts(created, updated, duplicatesDropped int) {
	if created > 0 {
		storeUpsertsTotal.WithLabelValues("created").Add(float64(created))
	}
	if updated > 0 {
		storeUpsertsTotal.WithLabelValues("updated").Add(float64(updated))
	}
	if duplicatesDropped > 0 {
		storeDuplicatesDropped.Add(float64(duplicatesDropped))
	}
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpAPIRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpAPIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
