package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/username/aims/backend/src/models"
)

func TestObserveReport(t *testing.T) {
	m := New(prometheus.NewRegistry())
	report := models.NewImportReport("run", 0)
	report.Activities.Created = 2
	report.Transactions.SkippedDuplicates = 3
	report.Transactions.Failed = 1

	m.ObserveReport("completed", report, time.Second)
	m.ObserveReport("failed", nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportRuns.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EntityOutcomes.WithLabelValues("activity", "created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EntityOutcomes.WithLabelValues("transaction", "skipped_duplicate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EntityOutcomes.WithLabelValues("organization", "created")))
}

func TestSessionsAndParse(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.ObserveParse(10*time.Millisecond, 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenSessions))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.UnresolvedTransactions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReport("completed", models.NewImportReport("run", 0), time.Second)
		m.ObserveParse(time.Second, 1)
		m.SessionOpened()
		m.SessionClosed()
	})
}
