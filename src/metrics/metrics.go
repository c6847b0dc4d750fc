package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/username/aims/backend/src/models"
)

// Metrics provides observability for the IATI import pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Runs by final status: completed, failed, cancelled
	ImportRuns *prometheus.CounterVec

	// Entity outcomes by entity kind and outcome
	EntityOutcomes *prometheus.CounterVec

	ImportDuration prometheus.Histogram
	ParseDuration  prometheus.Histogram

	// Review sessions waiting for confirmation
	OpenSessions prometheus.Gauge

	UnresolvedTransactions prometheus.Counter
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ImportRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aims_iati_import_runs_total",
			Help: "Total IATI import runs by final status",
		}, []string{"status"}),

		EntityOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aims_iati_entities_total",
			Help: "Imported entities by kind and outcome",
		}, []string{"entity", "outcome"}),

		ImportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aims_iati_import_duration_seconds",
			Help:    "Duration of the import executor",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		ParseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aims_iati_parse_duration_seconds",
			Help:    "Duration of parsing, validation, resolution and linking of one file",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		OpenSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aims_iati_review_sessions_open",
			Help: "Parsed files awaiting manual assignment or confirmation",
		}),

		UnresolvedTransactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "aims_iati_unresolved_transactions_total",
			Help: "Transactions whose activity reference could not be resolved at parse time",
		}),
	}
}

// ObserveReport records the outcome counters of a finished run.
func (m *Metrics) ObserveReport(status string, report *models.ImportReport, d time.Duration) {
	if m == nil {
		return
	}
	m.ImportRuns.WithLabelValues(status).Inc()
	m.ImportDuration.Observe(d.Seconds())
	if report == nil {
		return
	}
	for _, kind := range []models.EntityKind{models.EntityOrganization, models.EntityActivity, models.EntityTransaction} {
		c := report.Counts(kind)
		m.addOutcome(kind, "created", c.Created)
		m.addOutcome(kind, "updated", c.Updated)
		m.addOutcome(kind, "skipped", c.Skipped)
		m.addOutcome(kind, "skipped_duplicate", c.SkippedDuplicates)
		m.addOutcome(kind, "failed", c.Failed)
	}
}

func (m *Metrics) addOutcome(kind models.EntityKind, outcome string, n int) {
	if n > 0 {
		m.EntityOutcomes.WithLabelValues(string(kind), outcome).Add(float64(n))
	}
}

// ObserveParse records one parse and the unresolved references it left.
func (m *Metrics) ObserveParse(d time.Duration, unresolved int) {
	if m != nil {
		m.ParseDuration.Observe(d.Seconds())
		m.UnresolvedTransactions.Add(float64(unresolved))
	}
}

// SessionOpened increments the open review sessions gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.OpenSessions.Inc()
	}
}

// SessionClosed decrements the open review sessions gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.OpenSessions.Dec()
	}
}
