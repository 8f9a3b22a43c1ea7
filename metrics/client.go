// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides typed access to the metrics exported by
// locus components. Metric definitions live in metrics.yaml; the
// getters in metrics.go are generated from it.
//
// Metrics are emitted to the Client carried by a context (see
// WithClient). Components given a context without a client get
// no-op metrics.
package metrics

//go:generate go run ../cmd/genmetrics metrics.yaml .

import (
	"context"
	"fmt"
	"sort"
)

type contextKey int

const clientKey contextKey = 0

// Gauge is a metric that can go up and down, e.g., the number of
// bound computing units.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add panics if the value is negative.
	Add(float64)
}

// Histogram samples observations, e.g., request latencies, into
// buckets.
type Histogram interface {
	Observe(float64)
}

type labelSet []string

type gaugeOpts struct {
	Labels labelSet
	Help   string
}

type counterOpts struct {
	Labels labelSet
	Help   string
}

type histogramOpts struct {
	Labels  labelSet
	Help    string
	Buckets []float64
}

// check panics unless name is declared with exactly the label names
// given in labels. Getters are generated from the declarations, so a
// failed check is a programming error.
func check(kind, name string, declared bool, want labelSet, labels map[string]string) {
	if !declared {
		panic(fmt.Sprintf("metrics: undeclared %s %s", kind, name))
	}
	ok := len(want) == len(labels)
	for _, l := range want {
		if _, present := labels[l]; !present {
			ok = false
		}
	}
	if !ok {
		got := make([]string, 0, len(labels))
		for l := range labels {
			got = append(got, l)
		}
		sort.Strings(got)
		panic(fmt.Sprintf("metrics: %s %s has labels %v, got %v", kind, name, want, got))
	}
}

func getGauge(ctx context.Context, name string, labels map[string]string) Gauge {
	client := clientFrom(ctx)
	if client == nil {
		return nopGauge{}
	}
	opts, ok := Gauges[name]
	check("gauge", name, ok, opts.Labels, labels)
	return client.GetGauge(name, labels)
}

func getCounter(ctx context.Context, name string, labels map[string]string) Counter {
	client := clientFrom(ctx)
	if client == nil {
		return nopCounter{}
	}
	opts, ok := Counters[name]
	check("counter", name, ok, opts.Labels, labels)
	return client.GetCounter(name, labels)
}

func getHistogram(ctx context.Context, name string, labels map[string]string) Histogram {
	client := clientFrom(ctx)
	if client == nil {
		return nopHistogram{}
	}
	opts, ok := Histograms[name]
	check("histogram", name, ok, opts.Labels, labels)
	return client.GetHistogram(name, labels)
}

// Client is a sink for metrics. Implementations return the metric
// instance for the given name and complete label values.
type Client interface {
	GetGauge(name string, labels map[string]string) Gauge
	GetCounter(name string, labels map[string]string) Counter
	GetHistogram(name string, labels map[string]string) Histogram
}

// WithClient returns a context that emits metrics to client. A nil
// client leaves ctx unchanged.
func WithClient(ctx context.Context, client Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, clientKey, client)
}

// On tells whether ctx carries a metrics client.
func On(ctx context.Context) bool {
	return clientFrom(ctx) != nil
}

func clientFrom(ctx context.Context) Client {
	client, _ := ctx.Value(clientKey).(Client)
	return client
}
