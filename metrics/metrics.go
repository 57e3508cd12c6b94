package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ProcessingMetrics struct {
	reconciledEpochGauge *prometheus.GaugeVec
	incomeLotsCount      prometheus.Counter
	skippedEventsCount   prometheus.Counter
	disposalsCount       prometheus.Counter
	sweepsCompletedCount prometheus.Counter
	sweepsFailedCount    prometheus.Counter
	priceLookupFailures  prometheus.Counter
}

func NewProcessingMetrics(namespace string) *ProcessingMetrics {
	m := ProcessingMetrics{
		reconciledEpochGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_reconciled_epoch", namespace),
			Help: "The latest reconciled epoch per tracked account",
		}, []string{"account"}),
		incomeLotsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_income_lot_count", namespace),
			Help: "The total number of income lots created",
		}),
		skippedEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_skipped_event_count", namespace),
			Help: "The total number of reward events skipped as already processed",
		}),
		disposalsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_disposal_count", namespace),
			Help: "The total number of disposals matched",
		}),
		sweepsCompletedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sweep_completed_count", namespace),
			Help: "The total number of completed sweeps",
		}),
		sweepsFailedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sweep_failed_count", namespace),
			Help: "The total number of terminally failed sweeps",
		}),
		priceLookupFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_price_lookup_failure_count", namespace),
			Help: "The total number of failed valuation lookups",
		}),
	}
	return &m
}

func (m *ProcessingMetrics) SetReconciledEpoch(account string, epoch uint64) {
	m.reconciledEpochGauge.WithLabelValues(account).Set(float64(epoch))
}

func (m *ProcessingMetrics) IncIncomeLots() {
	m.incomeLotsCount.Inc()
}

func (m *ProcessingMetrics) IncSkippedEvents() {
	m.skippedEventsCount.Inc()
}

func (m *ProcessingMetrics) IncDisposals() {
	m.disposalsCount.Inc()
}

func (m *ProcessingMetrics) IncSweepsCompleted() {
	m.sweepsCompletedCount.Inc()
}

func (m *ProcessingMetrics) IncSweepsFailed() {
	m.sweepsFailedCount.Inc()
}

func (m *ProcessingMetrics) IncPriceLookupFailures() {
	m.priceLookupFailures.Inc()
}
