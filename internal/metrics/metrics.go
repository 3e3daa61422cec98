// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fwdd_worker_restarts_total",
			Help: "Total worker process restarts performed by the supervisor",
		},
	)

	workerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fwdd_worker_up",
			Help: "Whether the forwarding worker is currently running (1) or not (0)",
		},
	)

	serviceReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fwdd_service_reconnects_total",
			Help: "Total service-level reconnects observed on the worker event stream",
		},
	)

	servicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fwdd_services",
			Help: "Number of tracked services by forwarding status",
		},
		[]string{"status"},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fwdd_worker_events_total",
			Help: "Total worker events consumed by the event listener, by type",
		},
		[]string{"type"},
	)

	controlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fwdd_control_requests_total",
			Help: "Total control protocol requests by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fwdd_persistence_errors_total",
			Help: "Total state persistence errors by operation",
		},
		[]string{"operation"},
	)
)

// RecordWorkerRestart increments the worker restart counter.
func RecordWorkerRestart() {
	workerRestarts.Inc()
}

// SetWorkerUp publishes whether the worker process is running.
func SetWorkerUp(up bool) {
	if up {
		workerUp.Set(1)
	} else {
		workerUp.Set(0)
	}
}

// RecordServiceReconnect increments the service reconnect counter.
func RecordServiceReconnect() {
	serviceReconnects.Inc()
}

// SetServicesByStatus publishes the service count for one status value.
func SetServicesByStatus(status string, count int) {
	servicesByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordEvent increments the consumed-event counter for an event type.
func RecordEvent(eventType string) {
	eventsConsumed.WithLabelValues(eventType).Inc()
}

// RecordControlRequest increments the control request counter.
// outcome should be "ok" or "error".
func RecordControlRequest(command, outcome string) {
	controlRequests.WithLabelValues(command, outcome).Inc()
}

// RecordPersistenceError increments the persistence error counter.
// operation should be one of: persist, persist_loop, shutdown.
func RecordPersistenceError(operation string) {
	persistenceErrors.WithLabelValues(operation).Inc()
}
