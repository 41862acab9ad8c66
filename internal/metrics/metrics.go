// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the acquisition
// pipeline and the library store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundgrab_tasks_enqueued_total",
		Help: "Total number of tasks admitted to the queue",
	})

	tasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundgrab_tasks_finished_total",
		Help: "Tasks that reached a terminal state, by outcome",
	}, []string{"outcome"}) // outcome=succeeded|failed|cancelled

	tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundgrab_tasks_active",
		Help: "Number of tasks currently executing",
	})

	tasksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundgrab_tasks_pending",
		Help: "Number of tasks waiting for a free worker slot",
	})

	taskRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundgrab_task_retries_total",
		Help: "Total number of re-enqueues after a transient failure",
	})

	fetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundgrab_fetch_bytes_total",
		Help: "Total bytes transferred from acquisition sources",
	})

	fetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundgrab_fetch_failures_total",
		Help: "Fetch failures by classification",
	}, []string{"kind"}) // kind=transient|fatal

	recordUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundgrab_record_upserts_total",
		Help: "Library record write attempts by result",
	}, []string{"result"}) // result=inserted|duplicate

	recordsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundgrab_records_pruned_total",
		Help: "Records removed because their artifact no longer resolves",
	})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundgrab_events_dropped_total",
		Help: "Pipeline events dropped because a subscriber buffer was full",
	}, []string{"kind"})
)

// IncTasksEnqueued records a successful enqueue.
func IncTasksEnqueued() { tasksEnqueuedTotal.Inc() }

// IncTasksFinished records a terminal task outcome.
func IncTasksFinished(outcome string) { tasksFinishedTotal.WithLabelValues(outcome).Inc() }

// SetTasksActive records the current number of executing tasks.
func SetTasksActive(n int) { tasksActive.Set(float64(n)) }

// SetTasksPending records the current pending queue depth.
func SetTasksPending(n int) { tasksPending.Set(float64(n)) }

// IncTaskRetries records a retry re-enqueue.
func IncTaskRetries() { taskRetriesTotal.Inc() }

// AddFetchBytes accumulates transferred bytes.
func AddFetchBytes(n int64) {
	if n > 0 {
		fetchBytesTotal.Add(float64(n))
	}
}

// IncFetchFailure records a classified fetch failure.
func IncFetchFailure(kind string) { fetchFailuresTotal.WithLabelValues(kind).Inc() }

// IncRecordUpsert records a library write attempt result.
func IncRecordUpsert(result string) { recordUpsertsTotal.WithLabelValues(result).Inc() }

// AddRecordsPruned accumulates reconciliation removals.
func AddRecordsPruned(n int) {
	if n > 0 {
		recordsPrunedTotal.Add(float64(n))
	}
}

// IncEventsDropped records an event discarded due to a slow subscriber.
func IncEventsDropped(kind string) { eventsDroppedTotal.WithLabelValues(kind).Inc() }
