// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"flag"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/log"
)

const testConfig = `
log: debug
master: master
workdir: /tmp/locus
workers:
- name: w1
  host: node1
  threads: 4
  processors:
  - {name: main, type: cpu, units: 16, architecture: amd64, speed: 2.4}
  - {type: gpu, units: 2}
  memory: {size: 64GiB, type: ddr4}
  storage: {size: 1TiB, type: ssd, bandwidth: 500}
  os: {type: linux, distribution: ubuntu, version: "20.04"}
  software: [java, python]
  wallclock: 1h
  binding: {cpu: automatic, gpu: "0-1"}
- name: w2
  host: node2
  processors:
  - {type: cpu, units: 4}
  memory: {size: 512M}
shareddisks:
  gpfs: {node1: /gpfs, node2: /mnt/gpfs}
scheduler: {maxactionerrors: 3, policy: packing}
transfer: {maxcopiesperhost: 4, deleterate: 100}
metrics: {namespace: locus, port: 9090}
`

func TestConfig(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(cfg.Workers), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	level, err := cfg.Level()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := level, log.DebugLevel; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	w, ok := cfg.Worker("w1")
	if !ok {
		t.Fatal("worker w1 not found")
	}
	r, err := w.Resources()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Units(locus.CPU), 16; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Units(locus.GPU), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.MemorySize, 64*data.GiB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.StorageSize, data.TiB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.WallClockLimit, time.Hour; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Software, []string{"java", "python"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	binders, err := w.Binders(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(binders), len(locus.ComputingClasses); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	disks := cfg.Disks()
	if mp, ok := disks.Mountpoint("gpfs", "node2"); !ok || mp != "/mnt/gpfs" {
		t.Errorf("got %v, %v, want /mnt/gpfs, true", mp, ok)
	}
	backend, err := cfg.StorageBackend()
	if err != nil {
		t.Fatal(err)
	}
	if backend != nil {
		t.Errorf("expected no storage backend, got %v", backend)
	}

	b, err := Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg1, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, cfg1) {
		t.Error("cfg, cfg1 not equal after marshal roundtrip")
	}
}

func TestConfigInvalid(t *testing.T) {
	for _, c := range []string{
		`log: verbose`,
		`unknown: key`,
		`workers: [{host: node1}]`,
		`workers: [{name: w1}]`,
		`workers: [{name: w1, host: a}, {name: w1, host: b}]`,
		`workers: [{name: w1, host: a, processors: [{type: tpu, units: 1}]}]`,
		`workers: [{name: w1, host: a, memory: {size: lots}}]`,
		`workers: [{name: w1, host: a, wallclock: forever}]`,
		`shareddisks: {gpfs: {node1: relative}}`,
		`scheduler: {policy: random}`,
		`storage: {type: dynamodb}`,
		`storage: {type: cassandra}`,
		`metrics: {port: 100000}`,
	} {
		_, err := Parse([]byte(c))
		if err == nil {
			t.Errorf("%s: expected error", c)
			continue
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: expected invalid error, got %v", c, err)
		}
	}
}

func TestParseSize(t *testing.T) {
	for _, c := range []struct {
		in   string
		want data.Size
	}{
		{"1024", 1024},
		{"1KiB", data.KiB},
		{"16GiB", 16 * data.GiB},
		{"512M", 512 * data.MiB},
		{"1.5 GB", data.GiB + 512*data.MiB},
		{"2T", 2 * data.TiB},
		{"10B", 10},
	} {
		s, err := ParseSize(c.in)
		if err != nil {
			t.Errorf("%s: %v", c.in, err)
			continue
		}
		if got, want := s.Bytes(), c.want; got != want {
			t.Errorf("%s: got %v, want %v", c.in, got, want)
		}
	}
	for _, in := range []string{"", "GiB", "-1G", "1X"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("%s: expected error", in)
		}
	}
}

func TestFlags(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	var (
		flags Flags
		fs    = flag.NewFlagSet("test", flag.ContinueOnError)
	)
	flags.Init(fs)
	if err := fs.Parse([]string{"-log", "info", "-policy", "loadbalancing", "-maxactionerrors", "1"}); err != nil {
		t.Fatal(err)
	}
	if err := flags.Apply(cfg); err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Log, "info"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cfg.Scheduler.Policy, "loadbalancing"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cfg.Scheduler.MaxActionErrors, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cfg.Master, "master"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	flags = Flags{}
	flags.Init(fs)
	if err := fs.Parse([]string{"-policy", "random"}); err != nil {
		t.Fatal(err)
	}
	if err := flags.Apply(cfg); err == nil {
		t.Error("expected error")
	}
}
