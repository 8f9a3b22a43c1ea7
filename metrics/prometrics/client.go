// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package prometrics implements a metrics.Client backed by a
// Prometheus registry.
package prometrics

import (
	"fmt"
	"net/http"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is prepended to every metric name when no
// namespace is configured.
const DefaultNamespace = "locus"

type client struct {
	namespace  string
	reg        *prometheus.Registry
	gauges     map[string]*prometheus.GaugeVec
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewClient returns a prometheus metrics Client that registers every
// declared metric with reg under the given namespace.
func NewClient(reg *prometheus.Registry, namespace string) (metrics.Client, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := &client{
		namespace:  namespace,
		reg:        reg,
		gauges:     make(map[string]*prometheus.GaugeVec),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	if err := r.initCollectors(); err != nil {
		return nil, err
	}
	return r, nil
}

// Serve serves the metrics registered in reg on the given port until
// the listener fails.
func Serve(reg *prometheus.Registry, port int) error {
	log.Printf("hosting prometheus at %d", port)
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), handler)
}

// initCollectors inspects the counters/gauges/histograms declared by
// package metrics and registers their backing vectors with the
// client's registry. It should only be called once.
func (r *client) initCollectors() error {
	for name, opts := range metrics.Gauges {
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: r.namespace,
			Name:      name,
			Help:      opts.Help,
		}, opts.Labels)
		r.gauges[name] = gv
		if err := r.reg.Register(gv); err != nil {
			return errors.E("register", name, err)
		}
	}
	for name, opts := range metrics.Counters {
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      name,
			Help:      opts.Help,
		}, opts.Labels)
		r.counters[name] = cv
		if err := r.reg.Register(cv); err != nil {
			return errors.E("register", name, err)
		}
	}
	for name, opts := range metrics.Histograms {
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      name,
			Buckets:   opts.Buckets,
			Help:      opts.Help,
		}, opts.Labels)
		r.histograms[name] = hv
		if err := r.reg.Register(hv); err != nil {
			return errors.E("register", name, err)
		}
	}
	return nil
}

func (r *client) GetGauge(name string, labels map[string]string) metrics.Gauge {
	gauge, err := r.gauges[name].GetMetricWith(labels)
	if err != nil {
		log.Fatal(err)
	}
	return gauge
}

func (r *client) GetCounter(name string, labels map[string]string) metrics.Counter {
	counter, err := r.counters[name].GetMetricWith(labels)
	if err != nil {
		log.Fatal(err)
	}
	return counter
}

func (r *client) GetHistogram(name string, labels map[string]string) metrics.Histogram {
	histogram, err := r.histograms[name].GetMetricWith(labels)
	if err != nil {
		log.Fatal(err)
	}
	return histogram
}
