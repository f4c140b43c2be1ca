package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentbus/agentbus/internal/runtime/message"
)

const (
	// latencySampleSize bounds the rolling latency window; publish and
	// delivery durations share it.
	latencySampleSize = 1000

	// throughputHorizon is the sliding window over publish timestamps used
	// for the throughput-per-second figure.
	throughputHorizon = time.Second
)

// Queue labels used by the depth gauge and overflow counter.
const (
	queueLabelMain       = "main"
	queueLabelDeadLetter = "dead_letter"
)

// MetricsSnapshot is a point-in-time view of bus activity. The same struct
// serves Metrics() callers, the JSON introspection endpoint, and the
// metrics.json flush on Stop.
type MetricsSnapshot struct {
	MessagesPublished   uint64         `json:"messages_published"`
	MessagesDelivered   uint64         `json:"messages_delivered"`
	MessagesFailed      uint64         `json:"messages_failed"`
	MessagesDeadLetter  uint64         `json:"messages_dlq"`
	DeliveryErrors      uint64         `json:"delivery_errors"`
	QueueOverflows      uint64         `json:"queue_overflows"`
	MessagesReplayed    uint64         `json:"messages_replayed"`
	MessagesPurged      uint64         `json:"messages_purged"`
	AvgLatencyMillis    float64        `json:"avg_latency_ms"`
	ThroughputPerSec    float64        `json:"throughput_per_sec"`
	Latency             LatencyMetrics `json:"latency"`
	MainQueueSize       int            `json:"main_queue_size"`
	DeadLetterSize      int            `json:"dlq_size"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	Resource            ResourceUsage  `json:"resource"`
	CollectedAt         time.Time      `json:"collected_at"`
}

// LatencyMetrics summarizes the rolling latency window in milliseconds.
type LatencyMetrics struct {
	AverageMillis float64 `json:"average_ms"`
	P50Millis     float64 `json:"p50_ms"`
	P95Millis     float64 `json:"p95_ms"`
	P99Millis     float64 `json:"p99_ms"`
	SampleSize    int     `json:"sample_size"`
}

// BusMetrics tracks bus-wide delivery statistics twice over: plain counters
// behind a lock feed Metrics() and the shutdown flush, Prometheus collectors
// feed scrapes. Both views are updated by the same Record calls.
type BusMetrics struct {
	mu sync.RWMutex

	published      uint64
	delivered      uint64
	failed         uint64
	deadLettered   uint64
	deliveryErrors uint64
	queueOverflows uint64
	replayed       uint64
	purged         uint64

	latency    *latencyWindow
	throughput *throughputWindow
	resources  *resourceSampler

	publishedTotal  *prometheus.CounterVec
	deliveredTotal  prometheus.Counter
	failedTotal     prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	overflowsTotal  *prometheus.CounterVec
	publishSeconds  prometheus.Histogram
	deliverySeconds prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	subscriptions   prometheus.Gauge

	dlqMessagesTotal *prometheus.CounterVec
	dlqReplayedTotal prometheus.Counter
	dlqPurgedTotal   prometheus.Counter
	dlqAgeSeconds    prometheus.Histogram
	dlqRetryCount    prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbus",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentbus",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
}

// NewBusMetrics creates the metrics collector. A nil registerer falls back to
// the process-wide default.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputHorizon),
		resources:  newResourceSampler(),
		registerer: registerer,

		publishedTotal: newCounterVec("bus", "published_total", "Total number of messages accepted for delivery", []string{"type"}),
		deliveredTotal: newCounter("bus", "delivered_total", "Total number of successful deliveries, counted per subscriber"),
		failedTotal:    newCounter("bus", "failed_total", "Total number of dispatch attempts with zero successful deliveries"),
		errorsTotal:    newCounterVec("bus", "delivery_errors_total", "Total number of failed delivery attempts to individual subscribers", []string{"subscriber"}),
		overflowsTotal: newCounterVec("bus", "overflows_total", "Total number of messages rejected because a queue was full", []string{"queue"}),
		publishSeconds: newHistogram("bus", "publish_seconds", "Time spent in Publish, including validation and enqueue", prometheus.DefBuckets),
		deliverySeconds: newHistogram("bus", "delivery_seconds", "Time spent fanning a message out to its subscribers", prometheus.DefBuckets),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentbus",
				Subsystem: "bus",
				Name:      "queue_depth",
				Help:      "Current number of queued messages",
			},
			[]string{"queue"},
		),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbus",
			Subsystem: "bus",
			Name:      "subscriptions_active",
			Help:      "Current number of registered subscriptions",
		}),

		dlqMessagesTotal: newCounterVec("dlq", "messages_total", "Total number of messages moved to the dead letter queue", []string{"reason"}),
		dlqReplayedTotal: newCounter("dlq", "replayed_total", "Total number of messages replayed from the dead letter queue"),
		dlqPurgedTotal:   newCounter("dlq", "purged_total", "Total number of messages purged from the dead letter queue"),
		dlqAgeSeconds:    newHistogram("dlq", "message_age_seconds", "Age of messages when moved to the dead letter queue", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		dlqRetryCount:    newHistogram("dlq", "retry_count", "Number of retries before a message dead-lettered", []float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.failedTotal,
		m.errorsTotal,
		m.overflowsTotal,
		m.publishSeconds,
		m.deliverySeconds,
		m.queueDepth,
		m.subscriptions,
		m.dlqMessagesTotal,
		m.dlqReplayedTotal,
		m.dlqPurgedTotal,
		m.dlqAgeSeconds,
		m.dlqRetryCount,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Gatherer exposes the registry behind the configured registerer so scrape
// handlers can serve it, or nil when the registerer cannot gather.
func (m *BusMetrics) Gatherer() prometheus.Gatherer {
	if g, ok := m.registerer.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}

// RecordPublished counts an accepted message and stamps the throughput
// window.
func (m *BusMetrics) RecordPublished(t message.Type) {
	m.mu.Lock()
	m.published++
	m.throughput.Add(time.Now())
	m.mu.Unlock()

	m.publishedTotal.WithLabelValues(string(t)).Inc()
}

// RecordPublishDuration samples the time one Publish call took, whether or
// not it succeeded.
func (m *BusMetrics) RecordPublishDuration(d time.Duration) {
	m.mu.Lock()
	m.latency.Add(d)
	m.mu.Unlock()

	m.publishSeconds.Observe(d.Seconds())
}

// RecordDelivered counts one dispatched message that reached count
// subscribers and samples the fan-out duration.
func (m *BusMetrics) RecordDelivered(count int, d time.Duration) {
	m.mu.Lock()
	m.delivered += uint64(count)
	m.latency.Add(d)
	m.mu.Unlock()

	m.deliveredTotal.Add(float64(count))
	m.deliverySeconds.Observe(d.Seconds())
}

// RecordDeliveryError counts one failed delivery attempt to one subscriber.
func (m *BusMetrics) RecordDeliveryError(subscriberID string) {
	m.mu.Lock()
	m.deliveryErrors++
	m.mu.Unlock()

	m.errorsTotal.WithLabelValues(subscriberID).Inc()
}

// RecordFailure counts one dispatch that produced zero successful deliveries.
// Retried messages count once per failed attempt.
func (m *BusMetrics) RecordFailure() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()

	m.failedTotal.Inc()
}

// RecordOverflow counts a message rejected by a full queue.
func (m *BusMetrics) RecordOverflow(queue string) {
	m.mu.Lock()
	m.queueOverflows++
	m.mu.Unlock()

	m.overflowsTotal.WithLabelValues(queue).Inc()
}

// RecordDeadLetter counts a message moved to the DLQ. reason is a bounded
// label class, not the free-form reason string.
func (m *BusMetrics) RecordDeadLetter(reason string, retryCount int, age time.Duration) {
	m.mu.Lock()
	m.deadLettered++
	m.mu.Unlock()

	m.dlqMessagesTotal.WithLabelValues(reason).Inc()
	m.dlqAgeSeconds.Observe(age.Seconds())
	m.dlqRetryCount.Observe(float64(retryCount))
}

// RecordReplayed counts one message drained from the DLQ back onto the bus.
func (m *BusMetrics) RecordReplayed() {
	m.mu.Lock()
	m.replayed++
	m.mu.Unlock()

	m.dlqReplayedTotal.Inc()
}

// RecordPurged counts messages dropped from the DLQ by an explicit purge.
func (m *BusMetrics) RecordPurged(count int) {
	m.mu.Lock()
	m.purged += uint64(count)
	m.mu.Unlock()

	m.dlqPurgedTotal.Add(float64(count))
}

// SetQueueDepth publishes the current depth of the named queue.
func (m *BusMetrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetActiveSubscriptions publishes the current subscription count.
func (m *BusMetrics) SetActiveSubscriptions(n int) {
	m.subscriptions.Set(float64(n))
}

// Snapshot captures the counters, latency figures, throughput, and resource
// usage. Queue depths and the subscription count are filled in by the bus,
// which owns those structures.
func (m *BusMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	latency := m.latency.Snapshot()

	return MetricsSnapshot{
		MessagesPublished:  m.published,
		MessagesDelivered:  m.delivered,
		MessagesFailed:     m.failed,
		MessagesDeadLetter: m.deadLettered,
		DeliveryErrors:     m.deliveryErrors,
		QueueOverflows:     m.queueOverflows,
		MessagesReplayed:   m.replayed,
		MessagesPurged:     m.purged,
		AvgLatencyMillis:   latency.AverageMillis,
		ThroughputPerSec:   m.throughput.Rate(time.Now()),
		Latency:            latency,
		Resource:           m.resources.Usage(),
		CollectedAt:        time.Now().UTC(),
	}
}

// Reset clears counters, windows, and vector collectors. Useful for tests.
func (m *BusMetrics) Reset() {
	m.mu.Lock()
	m.published = 0
	m.delivered = 0
	m.failed = 0
	m.deadLettered = 0
	m.deliveryErrors = 0
	m.queueOverflows = 0
	m.replayed = 0
	m.purged = 0
	m.latency = newLatencyWindow(latencySampleSize)
	m.throughput = newThroughputWindow(throughputHorizon)
	m.mu.Unlock()

	m.publishedTotal.Reset()
	m.errorsTotal.Reset()
	m.overflowsTotal.Reset()
	m.queueDepth.Reset()
	m.dlqMessagesTotal.Reset()
}

// latencyWindow is a fixed-size ring of duration samples shared by publish
// and delivery measurements.
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = d
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var out LatencyMetrics
	if lw == nil || lw.filled == 0 {
		return out
	}

	samples := make([]time.Duration, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}

	out.SampleSize = lw.filled
	out.AverageMillis = durationMillis(sum / time.Duration(len(samples)))
	out.P50Millis = durationMillis(percentile(samples, 0.50))
	out.P95Millis = durationMillis(percentile(samples, 0.95))
	out.P99Millis = durationMillis(percentile(samples, 0.99))
	return out
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile interpolates linearly between the two nearest sorted samples.
func percentile(samples []time.Duration, quantile float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + time.Duration(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow counts publish timestamps inside a sliding horizon. The
// reported rate is the raw count, matching a one-second horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	if horizon <= 0 {
		horizon = throughputHorizon
	}
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) Add(now time.Time) {
	if tw == nil {
		return
	}
	tw.samples = append(tw.samples, now)
	tw.prune(now)
}

// Rate returns how many samples fall inside the horizon ending at now.
func (tw *throughputWindow) Rate(now time.Time) float64 {
	if tw == nil {
		return 0
	}
	tw.prune(now)
	return float64(len(tw.samples)) * float64(time.Second) / float64(tw.horizon)
}

func (tw *throughputWindow) prune(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}
