// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("TestCounters: New: %s", err)
	}

	m.SilentResult("regular", "cache_hit")
	m.SilentResult("regular", "cache_hit")
	m.TokenRequest("refresh_token", 400)
	m.UnreadableEntry("integrity")
	m.Removal("mrrt")

	if got := testutil.ToFloat64(m.silent.WithLabelValues("regular", "cache_hit")); got != 2 {
		t.Errorf("TestCounters: silent got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tokenRequests.WithLabelValues("refresh_token", "400")); got != 1 {
		t.Errorf("TestCounters: token requests got %v, want 1", got)
	}
	got, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("TestCounters: GatherAndCount: %s", err)
	}
	if got != 4 {
		t.Errorf("TestCounters: got %d series, want 4", got)
	}

	if _, err := New(reg); err == nil {
		t.Errorf("TestCounters: registering twice got err == nil")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SilentResult("regular", "cache_hit")
	m.TokenRequest("refresh_token", 200)
	m.UnreadableEntry("format")
	m.Removal("regular")
}
