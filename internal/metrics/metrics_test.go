package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.jobsGrey)
	assert.NotNil(t, collector.jobsBlue)
	assert.NotNil(t, collector.jobsBlack)
	assert.NotNil(t, collector.jobsRed)
	assert.NotNil(t, collector.jobsDead)
	assert.NotNil(t, collector.dispatched)
	assert.NotNil(t, collector.reaped)
	assert.NotNil(t, collector.rescued)
	assert.NotNil(t, collector.permanent)
	assert.NotNil(t, collector.recoveryDuration)
}

func TestSetColourCounts(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetColourCounts(3, 1, 10, 0, 2)
	})
}

func TestRecordDispatchReapRescuePermanent(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordDispatch()
		}
		for i := 0; i < 3; i++ {
			collector.RecordReap()
		}
		collector.RecordRescue()
		collector.RecordPermanentFailure()
	})
}

func TestSetRecoveryDuration(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, seconds := range []float64{0, 0.2, 4.5} {
		assert.NotPanics(t, func() {
			collector.SetRecoveryDuration(seconds)
		})
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A process is expected to build exactly one Collector; a second
	// registration against the same default registry panics.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			collector.RecordDispatch()
			collector.RecordReap()
			collector.SetColourCounts(1, 2, 3, 4, 5)
			done <- true
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
