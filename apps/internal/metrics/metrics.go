// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package metrics exposes Prometheus counters for cache and token endpoint activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adal"

// Metrics holds the collectors. Register them with New.
type Metrics struct {
	silent         *prometheus.CounterVec
	tokenRequests  *prometheus.CounterVec
	corruptEntries *prometheus.CounterVec
	removals       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		silent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "silent",
			Name:      "results_total",
			Help:      "Silent token acquisitions by the cascade stage that produced the result and its outcome.",
		}, []string{"stage", "outcome"}),
		tokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant type and HTTP status (0 for transport failures).",
		}, []string{"grant_type", "status"}),
		corruptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "unreadable_entries_total",
			Help:      "Cache entries skipped because they could not be decrypted or decoded.",
		}, []string{"reason"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "removals_total",
			Help:      "Cache entries removed after the server rejected their refresh token, by entry kind.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{m.silent, m.tokenRequests, m.corruptEntries, m.removals} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SilentResult records the outcome of one silent acquisition.
func (m *Metrics) SilentResult(stage, outcome string) {
	if m == nil {
		return
	}
	m.silent.WithLabelValues(stage, outcome).Inc()
}

// TokenRequest records one token endpoint call.
func (m *Metrics) TokenRequest(grantType string, status int) {
	if m == nil {
		return
	}
	m.tokenRequests.WithLabelValues(grantType, strconv.Itoa(status)).Inc()
}

// UnreadableEntry records a cache entry that was treated as absent.
func (m *Metrics) UnreadableEntry(reason string) {
	if m == nil {
		return
	}
	m.corruptEntries.WithLabelValues(reason).Inc()
}

// Removal records an entry removed on invalid_grant.
func (m *Metrics) Removal(kind string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(kind).Inc()
}
