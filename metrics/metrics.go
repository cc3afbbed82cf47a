package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	lastProcessedBlockGauge prometheus.Gauge
	queueDepthGauge         prometheus.Gauge
	eventsProcessedCounter  *prometheus.CounterVec
	eventsFailedCounter     *prometheus.CounterVec
	processingDuration      prometheus.Histogram
	loopErrorsCounter       *prometheus.CounterVec
	galleryUpdatesCounter   prometheus.Counter
	marketUpdatesCounter    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		lastProcessedBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_processed_block", namespace),
			Help: "The latest fully processed block height",
		}),
		queueDepthGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_event_queue_depth", namespace),
			Help: "Number of events waiting in the processing queue",
		}),
		eventsProcessedCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_events_processed_total", namespace),
			Help: "Successfully processed events by type",
		}, []string{"type"}),
		eventsFailedCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_events_failed_total", namespace),
			Help: "Failed event processing attempts by type",
		}, []string{"type"}),
		processingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_event_processing_seconds", namespace),
			Help:    "Per-event processing duration",
			Buckets: prometheus.DefBuckets,
		}),
		loopErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_loop_errors_total", namespace),
			Help: "Background sync loop failures by loop",
		}, []string{"loop"}),
		galleryUpdatesCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_gallery_updates_total", namespace),
			Help: "Gallery-affecting updates published to the presentation layer",
		}),
		marketUpdatesCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_marketplace_updates_total", namespace),
			Help: "Marketplace-affecting updates published to the presentation layer",
		}),
	}
	return &m
}

func (m *Metrics) SetLastProcessedBlock(height uint64) {
	m.lastProcessedBlockGauge.Set(float64(height))
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepthGauge.Set(float64(depth))
}

func (m *Metrics) EventProcessed(eventType string, seconds float64) {
	m.eventsProcessedCounter.WithLabelValues(eventType).Inc()
	m.processingDuration.Observe(seconds)
}

func (m *Metrics) EventFailed(eventType string, seconds float64) {
	m.eventsFailedCounter.WithLabelValues(eventType).Inc()
	m.processingDuration.Observe(seconds)
}

func (m *Metrics) LoopError(loop string) {
	m.loopErrorsCounter.WithLabelValues(loop).Inc()
}

func (m *Metrics) GalleryUpdate() {
	m.galleryUpdatesCounter.Inc()
}

func (m *Metrics) MarketplaceUpdate() {
	m.marketUpdatesCounter.Inc()
}
