// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package prometrics_test

import (
	"context"
	"testing"

	"github.com/grailbio/locus/metrics"
	"github.com/grailbio/locus/metrics/prometrics"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	client, err := prometrics.NewClient(reg, "test")
	if err != nil {
		t.Fatal(err)
	}
	ctx := metrics.WithClient(context.Background(), client)
	if !metrics.On(ctx) {
		t.Fatal("metrics not on")
	}
	metrics.GetActionsSubmittedCountCounter(ctx).Add(3)
	metrics.GetActionsSubmittedCountCounter(ctx).Inc()
	metrics.GetResourceBoundUnitsGauge(ctx, "cpu").Set(5)
	metrics.GetResourceBoundUnitsGauge(ctx, "gpu").Set(1)
	metrics.GetDydbstorageOpLatencySecondsHistogram(ctx, "getitem").Observe(0.05)

	counter := metrics.GetActionsSubmittedCountCounter(ctx).(prometheus.Counter)
	if got, want := promtestutil.ToFloat64(counter), 4.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	gauge := metrics.GetResourceBoundUnitsGauge(ctx, "cpu").(prometheus.Gauge)
	if got, want := promtestutil.ToFloat64(gauge), 5.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	n, err := promtestutil.GatherAndCount(reg, "test_dydbstorage_op_latency_seconds", "test_resource_bound_units")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	if metrics.On(ctx) {
		t.Fatal("metrics unexpectedly on")
	}
	// Nop metrics accept updates.
	metrics.GetCopiesStartedCountCounter(ctx).Inc()
	metrics.GetResourcePendingRequestsGauge(ctx).Dec()
}
