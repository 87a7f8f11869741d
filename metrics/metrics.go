// ABOUTME: Prometheus metrics derived from the workflow event stream.
// ABOUTME: Counts runs by outcome, stage attempts, failures and retries, and times whole runs.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389-research/assay/workflow"
)

const namespace = "assay"

// Collector turns workflow events into Prometheus series.
type Collector struct {
	runs          *prometheus.CounterVec
	stageAttempts *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	inFlight      prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	mu     sync.Mutex
	starts map[string]time.Time
}

// New creates a Collector and registers its series with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage attempts started.",
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage attempts that failed.",
		}, []string{"stage"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Corrective retries scheduled per stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		starts: make(map[string]time.Time),
	}
	reg.MustRegister(c.runs, c.stageAttempts, c.stageFailures, c.stageRetries, c.inFlight, c.runDuration)
	return c
}

// Handler returns the event handler feeding this collector.
func (c *Collector) Handler() workflow.EventHandler {
	return c.observe
}

func (c *Collector) observe(evt workflow.Event) {
	switch evt.Type {
	case workflow.EventRunStarted:
		c.inFlight.Inc()
		c.mu.Lock()
		c.starts[evt.RunID] = evt.Timestamp
		c.mu.Unlock()
	case workflow.EventStageStarted:
		c.stageAttempts.WithLabelValues(string(evt.Stage)).Inc()
	case workflow.EventStageFailed:
		c.stageFailures.WithLabelValues(string(evt.Stage)).Inc()
	case workflow.EventStageRetrying:
		c.stageRetries.WithLabelValues(string(evt.Stage)).Inc()
	case workflow.EventRunCompleted:
		c.finish(evt, "success", "")
	case workflow.EventRunFailed:
		kind, _ := evt.Data["kind"].(string)
		c.finish(evt, "failure", kind)
	}
}

func (c *Collector) finish(evt workflow.Event, outcome, kind string) {
	c.inFlight.Dec()
	c.runs.WithLabelValues(outcome, kind).Inc()

	c.mu.Lock()
	start, ok := c.starts[evt.RunID]
	delete(c.starts, evt.RunID)
	c.mu.Unlock()
	if ok && !evt.Timestamp.IsZero() {
		c.runDuration.WithLabelValues(outcome).Observe(evt.Timestamp.Sub(start).Seconds())
	}
}

// HTTPHandler serves the series gathered by g in the Prometheus text format.
func HTTPHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
