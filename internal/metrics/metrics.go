// Package metrics exposes the controller's state as Prometheus
// metrics: one gauge per colour in the state machine (spec §4.5), plus
// counters for the three things the controller does to a record
// (dispatch, reap, rescue) and a gauge for how long the last Recovery
// Pass took.
//
// Grounded on the teacher's internal/metrics.Collector: a struct of
// pre-built prometheus.Collector fields registered once in the
// constructor, with one Record/Set method per event the rest of the
// codebase cares about reporting.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one controller process.
type Collector struct {
	jobsGrey  prometheus.Gauge
	jobsBlue  prometheus.Gauge
	jobsBlack prometheus.Gauge
	jobsRed   prometheus.Gauge
	jobsDead  prometheus.Gauge

	dispatched prometheus.Counter
	reaped     prometheus.Counter
	rescued    prometheus.Counter
	permanent  prometheus.Counter

	recoveryDuration prometheus.Gauge
}

// NewCollector builds a Collector and registers its metrics against
// the default Prometheus registry. A process should construct exactly
// one.
func NewCollector() *Collector {
	c := &Collector{
		jobsGrey: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_jobs_grey",
			Help: "Number of job records currently ready to dispatch",
		}),
		jobsBlue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_jobs_blue",
			Help: "Number of job records currently waiting on children",
		}),
		jobsBlack: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_jobs_black",
			Help: "Number of job records whose last dispatch succeeded",
		}),
		jobsRed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_jobs_red",
			Help: "Number of job records whose last dispatch failed",
		}),
		jobsDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_jobs_dead",
			Help: "Number of job records pending deletion",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtree_dispatched_total",
			Help: "Total number of jobs issued to the backend",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtree_reaped_total",
			Help: "Total number of job completions processed by the Finish Protocol",
		}),
		rescued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtree_rescued_total",
			Help: "Total number of jobs force-failed by a rescue sweep",
		}),
		permanent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtree_permanent_failures_total",
			Help: "Total number of job records that exhausted their retry budget",
		}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtree_recovery_duration_seconds",
			Help: "Wall-clock time the most recent Recovery Pass took",
		}),
	}

	prometheus.MustRegister(c.jobsGrey)
	prometheus.MustRegister(c.jobsBlue)
	prometheus.MustRegister(c.jobsBlack)
	prometheus.MustRegister(c.jobsRed)
	prometheus.MustRegister(c.jobsDead)
	prometheus.MustRegister(c.dispatched)
	prometheus.MustRegister(c.reaped)
	prometheus.MustRegister(c.rescued)
	prometheus.MustRegister(c.permanent)
	prometheus.MustRegister(c.recoveryDuration)

	return c
}

// SetColourCounts replaces all five colour gauges at once, as produced
// by a single scan of the job directory.
func (c *Collector) SetColourCounts(grey, blue, black, red, dead int) {
	c.jobsGrey.Set(float64(grey))
	c.jobsBlue.Set(float64(blue))
	c.jobsBlack.Set(float64(black))
	c.jobsRed.Set(float64(red))
	c.jobsDead.Set(float64(dead))
}

// RecordDispatch records one job handed to the backend.
func (c *Collector) RecordDispatch() {
	c.dispatched.Inc()
}

// RecordReap records one completion processed by the Finish Protocol.
func (c *Collector) RecordReap() {
	c.reaped.Inc()
}

// RecordRescue records one job force-failed by a rescue sweep.
func (c *Collector) RecordRescue() {
	c.rescued.Inc()
}

// RecordPermanentFailure records one record that exhausted its retry budget.
func (c *Collector) RecordPermanentFailure() {
	c.permanent.Inc()
}

// SetRecoveryDuration records how long the most recent Recovery Pass took.
func (c *Collector) SetRecoveryDuration(seconds float64) {
	c.recoveryDuration.Set(seconds)
}

// StartServer serves /metrics on the given port until the process exits.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
}
