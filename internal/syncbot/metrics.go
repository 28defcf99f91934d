package syncbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/zhinst/zhinst-qcodes-sync-bot/internal/logfields"
)

const metricNamespace = "syncbot"

const (
	githubEventsMetricName     = "processed_github_events_total"
	queuedEventsMetricName     = "queued_events_count"
	workflowsMetricName        = "workflows_total"
	workflowDurationMetricName = "workflow_duration_seconds"
)

const (
	branchLabel   = "branch"
	workflowLabel = "workflow"
	resultLabel   = "result"
)

type metricCollector struct {
	logger           *zap.Logger
	processedEvents  prometheus.Counter
	queuedEvents     *prometheus.GaugeVec
	workflows        *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      githubEventsMetricName,
				Help:      "count of processed github webhook events",
			},
		),
		queuedEvents: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queuedEventsMetricName,
				Help:      "count of events waiting for a workflow run, per head branch",
			},
			[]string{branchLabel},
		),
		workflows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      workflowsMetricName,
				Help:      "count of finished workflow runs",
			},
			[]string{workflowLabel, resultLabel},
		),
		workflowDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      workflowDurationMetricName,
				Help:      "duration of workflow runs",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{workflowLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) QueuedEventsSet(branch string, count int) {
	gauge, err := m.queuedEvents.GetMetricWith(prometheus.Labels{branchLabel: branch})
	if err != nil {
		m.logGetMetricFailed(queuedEventsMetricName, err)
		return
	}

	gauge.Set(float64(count))
}

func (m *metricCollector) WorkflowsInc(workflow, result string) {
	cnt, err := m.workflows.GetMetricWith(prometheus.Labels{
		workflowLabel: workflow,
		resultLabel:   result,
	})
	if err != nil {
		m.logGetMetricFailed(workflowsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) WorkflowTimer(workflow string) *prometheus.Timer {
	observer, err := m.workflowDuration.GetMetricWith(prometheus.Labels{
		workflowLabel: workflow,
	})
	if err != nil {
		m.logGetMetricFailed(workflowDurationMetricName, err)
		return prometheus.NewTimer(nil)
	}

	return prometheus.NewTimer(observer)
}
