// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agenthttp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	discardError       = "error"
	discardNotReusable = "not_reusable"
	discardExpired     = "expired"
	discardOverflow    = "overflow"
	discardClosed      = "pool_closed"
)

// poolMetrics records connection pool activity. A nil *poolMetrics is valid
// and records nothing.
type poolMetrics struct {
	createdTotal   prometheus.Counter
	reusedTotal    prometheus.Counter
	discardedTotal *prometheus.CounterVec
	idle           prometheus.Gauge
}

func newPoolMetrics(registerer prometheus.Registerer) *poolMetrics {
	if registerer == nil {
		return nil
	}
	metrics := &poolMetrics{
		createdTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agenthttp",
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "Total connections created by the pool.",
		}),
		reusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agenthttp",
			Subsystem: "pool",
			Name:      "connections_reused_total",
			Help:      "Total idle connections lent out again.",
		}),
		discardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthttp",
			Subsystem: "pool",
			Name:      "connections_discarded_total",
			Help:      "Total connections closed instead of pooled, by reason.",
		}, []string{"reason"}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agenthttp",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Connections currently idle in the pool.",
		}),
	}
	// Pools sharing a registerer share their metrics.
	metrics.createdTotal = register(registerer, metrics.createdTotal)
	metrics.reusedTotal = register(registerer, metrics.reusedTotal)
	metrics.discardedTotal = register(registerer, metrics.discardedTotal)
	metrics.idle = register(registerer, metrics.idle)
	return metrics
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}
	var registered prometheus.AlreadyRegisteredError
	if errors.As(err, &registered) {
		if existing, ok := registered.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (m *poolMetrics) created() {
	if m != nil {
		m.createdTotal.Inc()
	}
}

func (m *poolMetrics) reused() {
	if m != nil {
		m.reusedTotal.Inc()
	}
}

func (m *poolMetrics) discarded(reason string) {
	if m != nil {
		m.discardedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *poolMetrics) addIdle(delta int) {
	if m != nil && delta != 0 {
		m.idle.Add(float64(delta))
	}
}
