package consumer

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
)

// Observer is notified once per delivery with its final Outcome and once per
// transport fault.
type Observer interface {
	ObserveOutcome(o Outcome)
	ObserveTransportError(err errspkg.TransportError)
}

// Metrics tracks consumer outcomes and dead-letter statistics in Prometheus
// and keeps a per-queue dead-letter summary for the admin API.
type Metrics struct {
	mu sync.RWMutex

	deadLetters map[string]*DeadLetterStats

	messagesTotal     *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	transportErrors   *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	deadLetterCurrent *prometheus.GaugeVec
	redrivenTotal     *prometheus.CounterVec
	purgedTotal       *prometheus.CounterVec
	deliveryCountHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterStats summarizes one queue's dead-letters since process start.
type DeadLetterStats struct {
	DeadLettered  uint64            `json:"dead_lettered"`
	Current       uint64            `json:"current"`
	Redriven      uint64            `json:"redriven"`
	Purged        uint64            `json:"purged"`
	ByReason      map[string]uint64 `json:"by_reason"`
	LastReason    string            `json:"last_reason,omitempty"`
	LastAt        time.Time         `json:"last_at,omitempty"`
	AvgDeliveries float64           `json:"avg_deliveries"`
}

func (s *DeadLetterStats) clone() *DeadLetterStats {
	c := *s
	c.ByReason = make(map[string]uint64, len(s.ByReason))
	for k, v := range s.ByReason {
		c.ByReason[k] = v
	}
	return &c
}

// MetricsSnapshot is a point-in-time copy of the dead-letter summaries.
type MetricsSnapshot struct {
	TotalDeadLettered uint64                      `json:"total_dead_lettered"`
	TotalRedriven     uint64                      `json:"total_redriven"`
	TotalPurged       uint64                      `json:"total_purged"`
	Queues            map[string]*DeadLetterStats `json:"queues"`
	CollectedAt       time.Time                   `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recordflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recordflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewMetrics creates the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		deadLetters:       make(map[string]*DeadLetterStats),
		registerer:        registerer,
		messagesTotal:     newCounterVec("consumer", "messages_total", "Deliveries handled, by final state and dead-letter reason.", []string{"queue", "state", "reason"}),
		processingSeconds: newHistogramVec("consumer", "processing_duration_seconds", "Time from receive to finalize.", prometheus.DefBuckets, []string{"queue", "state"}),
		transportErrors:   newCounterVec("consumer", "transport_errors_total", "Transport faults reported to the error handler.", []string{"source"}),
		deadLetteredTotal: newCounterVec("deadletter", "messages_total", "Messages moved to the dead-letter destination.", []string{"queue", "reason"}),
		deadLetterCurrent: newGaugeVec("deadletter", "messages_current", "Messages currently held in the dead-letter destination, when known.", []string{"queue"}),
		redrivenTotal:     newCounterVec("deadletter", "redriven_total", "Dead-lettered messages sent back to their queue.", []string{"queue"}),
		purgedTotal:       newCounterVec("deadletter", "purged_total", "Dead-lettered messages deleted.", []string{"queue"}),
		deliveryCountHist: newHistogramVec("deadletter", "delivery_count", "Delivery attempts before a message was dead-lettered.", []float64{1, 2, 3, 5, 10, 20}, []string{"queue"}),
	}
}

// Register registers the collectors. Calling it again is a no-op.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.processingSeconds,
		m.transportErrors,
		m.deadLetteredTotal,
		m.deadLetterCurrent,
		m.redrivenTotal,
		m.purgedTotal,
		m.deliveryCountHist,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveOutcome implements Observer.
func (m *Metrics) ObserveOutcome(o Outcome) {
	m.messagesTotal.WithLabelValues(o.Queue, o.State.String(), o.Reason).Inc()
	m.processingSeconds.WithLabelValues(o.Queue, o.State.String()).Observe(o.Duration.Seconds())
	if o.State == DeadLettered {
		m.recordDeadLetter(o.Queue, o.Reason, o.DeliveryCount)
	}
}

// ObserveTransportError implements Observer.
func (m *Metrics) ObserveTransportError(err errspkg.TransportError) {
	m.transportErrors.WithLabelValues(err.Source).Inc()
}

func (m *Metrics) recordDeadLetter(queue, reason string, deliveryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(queue)
	stats.DeadLettered++
	stats.Current++
	stats.ByReason[reason]++
	stats.LastReason = reason
	stats.LastAt = time.Now()
	n := stats.DeadLettered
	stats.AvgDeliveries = ((stats.AvgDeliveries * float64(n-1)) + float64(deliveryCount)) / float64(n)

	m.deadLetteredTotal.WithLabelValues(queue, reason).Inc()
	m.deadLetterCurrent.WithLabelValues(queue).Set(float64(stats.Current))
	if deliveryCount > 0 {
		m.deliveryCountHist.WithLabelValues(queue).Observe(float64(deliveryCount))
	}
}

// RecordRedriven counts a message moved back from the dead-letter destination.
func (m *Metrics) RecordRedriven(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(queue)
	stats.Redriven++
	if stats.Current > 0 {
		stats.Current--
	}
	m.redrivenTotal.WithLabelValues(queue).Inc()
	m.deadLetterCurrent.WithLabelValues(queue).Set(float64(stats.Current))
}

// RecordPurged counts deleted dead-letters.
func (m *Metrics) RecordPurged(queue string, count int64) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(queue)
	stats.Purged += uint64(count)
	if stats.Current >= uint64(count) {
		stats.Current -= uint64(count)
	} else {
		stats.Current = 0
	}
	m.purgedTotal.WithLabelValues(queue).Add(float64(count))
	m.deadLetterCurrent.WithLabelValues(queue).Set(float64(stats.Current))
}

// SetCurrent syncs the current dead-letter count with a store that can count.
func (m *Metrics) SetCurrent(queue string, count int64) {
	if count < 0 {
		count = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsFor(queue).Current = uint64(count)
	m.deadLetterCurrent.WithLabelValues(queue).Set(float64(count))
}

// Snapshot copies the per-queue dead-letter summaries.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Queues:      make(map[string]*DeadLetterStats, len(m.deadLetters)),
		CollectedAt: time.Now(),
	}
	for queue, stats := range m.deadLetters {
		snap.Queues[queue] = stats.clone()
		snap.TotalDeadLettered += stats.DeadLettered
		snap.TotalRedriven += stats.Redriven
		snap.TotalPurged += stats.Purged
	}
	return snap
}

func (m *Metrics) statsFor(queue string) *DeadLetterStats {
	if stats, ok := m.deadLetters[queue]; ok {
		return stats
	}
	stats := &DeadLetterStats{ByReason: make(map[string]uint64)}
	m.deadLetters[queue] = stats
	return stats
}
