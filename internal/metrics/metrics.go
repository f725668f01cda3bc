// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the automation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhdos_bus_published_total",
		Help: "Total number of events accepted by the in-process bus",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhdos_bus_dropped_total",
		Help: "Total number of bus events dropped, by topic and reason",
	}, []string{"topic", "reason"})

	BusHandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhdos_bus_handler_failures_total",
		Help: "Total number of subscriber handler panics recovered at dispatch",
	}, []string{"topic"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhdos_cache_lookups_total",
		Help: "Decomposition cache lookups by outcome (hit, similar, miss, error)",
	}, []string{"outcome"})

	CacheCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adhdos_cache_collisions_total",
		Help: "Fingerprint hits whose normalized text differed (cache-correctness bug)",
	})

	StoreConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adhdos_store_conflicts_total",
		Help: "Optimistic-concurrency conflicts observed during session updates",
	})

	MachineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhdos_machine_transitions_total",
		Help: "State machine transitions by kind and resulting state",
	}, []string{"kind", "state"})
)

// IncBusDropReason records a dropped bus event with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
