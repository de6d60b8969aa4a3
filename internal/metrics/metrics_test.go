package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.ObserveTurn("ask", 20*time.Millisecond)
	m.ObserveTurn("ask", 10*time.Millisecond)
	m.ObserveTurn("danger_alert", time.Millisecond)
	m.ObserveExtraction("local")
	m.SetBreakerOpen(true)
	m.ObserveSafetyAbort("medical_claim")
	m.ObserveRetrieval("keyword")
	m.ObserveTask("profile_extract", "completed")

	require.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("ask")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("danger_alert")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpen))
	require.Equal(t, 1.0, testutil.ToFloat64(m.safetyAborts.WithLabelValues("medical_claim")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("profile_extract", "completed")))

	m.SetBreakerOpen(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.breakerOpen))

	expected := `
# HELP pediatric_retrieval_searches_total Knowledge searches, by mode.
# TYPE pediatric_retrieval_searches_total counter
pediatric_retrieval_searches_total{mode="keyword"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pediatric_retrieval_searches_total"))
}

func TestMustNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.ObserveExtraction("remote")
	second.ObserveExtraction("remote")
	require.Equal(t, 2.0, testutil.ToFloat64(first.extractions.WithLabelValues("remote")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveTurn("ask", time.Second)
		m.ObserveExtraction("local")
		m.SetBreakerOpen(true)
		m.ObserveSafetyAbort("x")
		m.ObserveRetrieval("hybrid")
		m.ObserveTask("k", "failed")
	})
}
