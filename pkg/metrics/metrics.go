/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus instrumentation surface.
// Engines depend on the Recorder interface so unit tests can run with
// the no-op implementation instead of a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface the engines record through.
type Recorder interface {
	RecordScheduleCalculated(category string, taskCount int)
	RecordTasksReconciled(created, updated int)
	RecordEventIngested(sourceSystem string)
	RecordClassification(flag string)
	RecordNotificationCreated(notificationType string)
	RecordNotificationDeduplicated(notificationType string)
	RecordWebhookRejected(reason string)
	RecordSweepDuration(d time.Duration)
	RecordEPRFetch(outcome string)
}

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	schedulesCalculated *prometheus.CounterVec
	scheduleTaskCount   prometheus.Histogram
	tasksCreated        prometheus.Counter
	tasksUpdated        prometheus.Counter
	eventsIngested      *prometheus.CounterVec
	classifications     *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	webhookRejected     *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	eprFetches          *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers the collectors.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		schedulesCalculated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_schedules_calculated_total",
			Help: "Monitoring schedules calculated, by drug category.",
		}, []string{"category"}),
		scheduleTaskCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "psymon_schedule_task_count",
			Help:    "Tasks per calculated schedule.",
			Buckets: []float64{5, 10, 20, 40, 80, 160},
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "psymon_tasks_created_total",
			Help: "Monitoring tasks created by reconciliation.",
		}),
		tasksUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "psymon_tasks_updated_total",
			Help: "Monitoring tasks updated by reconciliation.",
		}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_events_ingested_total",
			Help: "Monitoring events ingested, by source system.",
		}, []string{"source_system"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_classifications_total",
			Help: "Threshold classifications, by abnormal flag.",
		}, []string{"flag"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_notifications_total",
			Help: "Notification creation outcomes, by type and outcome.",
		}, []string{"type", "outcome"}),
		webhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_webhook_rejected_total",
			Help: "Webhook deliveries rejected, by gate.",
		}, []string{"reason"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "psymon_sweep_duration_seconds",
			Help:    "Daily sweep duration.",
			Buckets: prometheus.DefBuckets,
		}),
		eprFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psymon_epr_fetches_total",
			Help: "On-demand EPR fetches, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		r.schedulesCalculated, r.scheduleTaskCount,
		r.tasksCreated, r.tasksUpdated,
		r.eventsIngested, r.classifications,
		r.notificationsTotal, r.webhookRejected,
		r.sweepDuration, r.eprFetches,
	)
	return r
}

func (r *PrometheusRecorder) RecordScheduleCalculated(category string, taskCount int) {
	r.schedulesCalculated.WithLabelValues(category).Inc()
	r.scheduleTaskCount.Observe(float64(taskCount))
}

func (r *PrometheusRecorder) RecordTasksReconciled(created, updated int) {
	r.tasksCreated.Add(float64(created))
	r.tasksUpdated.Add(float64(updated))
}

func (r *PrometheusRecorder) RecordEventIngested(sourceSystem string) {
	r.eventsIngested.WithLabelValues(sourceSystem).Inc()
}

func (r *PrometheusRecorder) RecordClassification(flag string) {
	r.classifications.WithLabelValues(flag).Inc()
}

func (r *PrometheusRecorder) RecordNotificationCreated(notificationType string) {
	r.notificationsTotal.WithLabelValues(notificationType, "created").Inc()
}

func (r *PrometheusRecorder) RecordNotificationDeduplicated(notificationType string) {
	r.notificationsTotal.WithLabelValues(notificationType, "deduplicated").Inc()
}

func (r *PrometheusRecorder) RecordWebhookRejected(reason string) {
	r.webhookRejected.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) RecordSweepDuration(d time.Duration) {
	r.sweepDuration.Observe(d.Seconds())
}

func (r *PrometheusRecorder) RecordEPRFetch(outcome string) {
	r.eprFetches.WithLabelValues(outcome).Inc()
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) RecordScheduleCalculated(string, int)  {}
func (NopRecorder) RecordTasksReconciled(int, int)        {}
func (NopRecorder) RecordEventIngested(string)            {}
func (NopRecorder) RecordClassification(string)           {}
func (NopRecorder) RecordNotificationCreated(string)      {}
func (NopRecorder) RecordNotificationDeduplicated(string) {}
func (NopRecorder) RecordWebhookRejected(string)          {}
func (NopRecorder) RecordSweepDuration(time.Duration)     {}
func (NopRecorder) RecordEPRFetch(string)                 {}
