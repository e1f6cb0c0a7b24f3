// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	admissionDecisions *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	eventsPublished    *prometheus.CounterVec
	wsConnections      prometheus.Gauge
	schedulerJobRuns   *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAdmission records one admission decision for an operation.
// outcome is one of allowed, denied, unavailable.
func ObserveAdmission(operation, outcome string) {
	op := sanitizeLabel(operation, "unknown")
	out := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if admissionDecisions != nil {
		admissionDecisions.WithLabelValues(op, out).Inc()
	}
}

// ObserveWebhookDelivery records one outbound delivery attempt.
// status matches the delivery record status: ok, failed, timeout, error.
func ObserveWebhookDelivery(status string, duration time.Duration) {
	st := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(st).Inc()
	}
	if webhookDuration != nil {
		webhookDuration.WithLabelValues(st).Observe(durationSeconds(duration))
	}
}

// ObserveEvent records one event published to the bus.
func ObserveEvent(event string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(sanitizeLabel(event, "unknown")).Inc()
	}
}

// WSConnectionOpened and WSConnectionClosed track the live subscriber gauge.
func WSConnectionOpened() {
	mu.RLock()
	defer mu.RUnlock()
	if wsConnections != nil {
		wsConnections.Inc()
	}
}

func WSConnectionClosed() {
	mu.RLock()
	defer mu.RUnlock()
	if wsConnections != nil {
		wsConnections.Dec()
	}
}

// ObserveJobRun records one scheduler job execution and its result
// (ok or error).
func ObserveJobRun(job, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if schedulerJobRuns != nil {
		schedulerJobRuns.WithLabelValues(sanitizeLabel(job, "unknown"), sanitizeLabel(result, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markpad",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Total admission decisions grouped by operation and outcome.",
	}, []string{"operation", "outcome"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markpad",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total outbound webhook delivery attempts by status.",
	}, []string{"status"})

	deliveryDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "markpad",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of outbound webhook deliveries by status.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"status"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markpad",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total domain events published to the in-process bus.",
	}, []string{"event"})

	wsGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "markpad",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Currently connected WebSocket subscribers.",
	})

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markpad",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Total background job executions by job name and result.",
	}, []string{"job", "result"})

	registry.MustRegister(admissions, deliveries, deliveryDur, events, wsGauge, jobRuns)

	reg = registry
	admissionDecisions = admissions
	webhookDeliveries = deliveries
	webhookDuration = deliveryDur
	eventsPublished = events
	wsConnections = wsGauge
	schedulerJobRuns = jobRuns
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
