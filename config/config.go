// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config defines the YAML configuration of a locus
// instance: its workers and their resources, the shared disks
// mounted on each host, and the parameters of the scheduler, the
// transfer manager, the persistent storage backend and metrics.
//
// A configuration is a YAML document with the following toplevel
// keys:
//
//	log: info
//	master: master.example.com
//	workers:
//	- name: w1
//	  host: node1
//	  threads: 4
//	  processors:
//	  - {name: main, type: cpu, units: 16, architecture: amd64}
//	  - {type: gpu, units: 2}
//	  memory: {size: 64GiB}
//	  storage: {size: 1TiB, type: ssd, bandwidth: 500}
//	  software: [java, python]
//	  binding: {cpu: automatic, gpu: "0-1"}
//	shareddisks:
//	  gpfs: {node1: /gpfs, node2: /mnt/gpfs}
//	scheduler: {maxactionerrors: 2, policy: loadbalancing}
//	transfer: {maxcopiesperhost: 4, deleterate: 100}
//	storage: {type: dynamodb, table: locus-objects, region: us-west-2}
//	metrics: {namespace: locus, port: 9090}
//
// Binding strings are "disabled", "automatic", "count" or an explicit
// socket map such as "0-3/4-7". Invalid maps are accepted here: the
// resource manager falls back to counting units, with a warning.
package config

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/resmgr"
	"github.com/grailbio/locus/sched"
	"github.com/grailbio/locus/storage"
	"github.com/grailbio/locus/storage/dydbstorage"
	yaml "gopkg.in/yaml.v2"
)

// Storage types.
const (
	StorageNone     = "none"
	StorageDynamoDB = "dynamodb"
)

// Config is a locus configuration.
type Config struct {
	// Log is the log level.
	Log string `yaml:"log,omitempty"`
	// Master is the host of the master process; in-memory values are
	// evicted to it.
	Master string `yaml:"master,omitempty"`
	// Workdir is the directory on every host under which renamings
	// are stored.
	Workdir string `yaml:"workdir,omitempty"`
	// Workers are the workers available to the scheduler.
	Workers []Worker `yaml:"workers,omitempty"`
	// SharedDisks maps disk names to their mountpoint on each host.
	SharedDisks map[string]map[string]string `yaml:"shareddisks,omitempty"`
	// Scheduler configures the scheduler.
	Scheduler Scheduler `yaml:"scheduler,omitempty"`
	// Transfer configures the transfer manager.
	Transfer Transfer `yaml:"transfer,omitempty"`
	// Storage configures the persistent storage backend.
	Storage Storage `yaml:"storage,omitempty"`
	// Metrics configures metrics.
	Metrics Metrics `yaml:"metrics,omitempty"`
}

// Processor is a group of computing units.
type Processor struct {
	Name         string  `yaml:"name,omitempty"`
	Type         string  `yaml:"type"`
	Units        int     `yaml:"units"`
	Architecture string  `yaml:"architecture,omitempty"`
	Speed        float64 `yaml:"speed,omitempty"`
}

// Memory is a worker's main memory.
type Memory struct {
	Size Size   `yaml:"size,omitempty"`
	Type string `yaml:"type,omitempty"`
}

// Disk is a worker's scratch storage.
type Disk struct {
	Size      Size   `yaml:"size,omitempty"`
	Type      string `yaml:"type,omitempty"`
	Bandwidth int    `yaml:"bandwidth,omitempty"`
}

// OS is a worker's operating system.
type OS struct {
	Type         string `yaml:"type,omitempty"`
	Distribution string `yaml:"distribution,omitempty"`
	Version      string `yaml:"version,omitempty"`
}

// Binding selects the unit binding policy per computing class.
type Binding struct {
	CPU  string `yaml:"cpu,omitempty"`
	GPU  string `yaml:"gpu,omitempty"`
	FPGA string `yaml:"fpga,omitempty"`
}

// Worker is the configuration of one worker.
type Worker struct {
	Name       string      `yaml:"name"`
	Host       string      `yaml:"host"`
	Threads    int         `yaml:"threads,omitempty"`
	Processors []Processor `yaml:"processors,omitempty"`
	Memory     Memory      `yaml:"memory,omitempty"`
	Storage    Disk        `yaml:"storage,omitempty"`
	OS         OS          `yaml:"os,omitempty"`
	Software   []string    `yaml:"software,omitempty"`
	Queues     []string    `yaml:"queues,omitempty"`
	WallClock  string      `yaml:"wallclock,omitempty"`
	Binding    Binding     `yaml:"binding,omitempty"`
}

// Scheduler configures the scheduler.
type Scheduler struct {
	MaxActionErrors int    `yaml:"maxactionerrors,omitempty"`
	Policy          string `yaml:"policy,omitempty"`
}

// Transfer configures the transfer manager.
type Transfer struct {
	// MaxCopiesPerHost bounds the number of concurrent copies into
	// each host.
	MaxCopiesPerHost int `yaml:"maxcopiesperhost,omitempty"`
	// DeleteRate bounds the number of obsolete deletions per second.
	DeleteRate float64 `yaml:"deleterate,omitempty"`
}

// Storage configures the persistent storage backend.
type Storage struct {
	Type   string `yaml:"type,omitempty"`
	Table  string `yaml:"table,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Metrics configures metrics. A zero port disables metrics.
type Metrics struct {
	Namespace string `yaml:"namespace,omitempty"`
	Port      int    `yaml:"port,omitempty"`
}

// Parse parses and validates a configuration from the
// YAML-formatted bytes b.
func Parse(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, errors.E("parse", errors.Invalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E("load", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, errors.E("load", path, err)
	}
	return cfg, nil
}

// Marshal marshals the configuration into YAML-formatted bytes.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, w := range c.Workers {
		if w.Name == "" {
			return errors.E("validate", "workers", errors.Invalid, errors.Errorf("worker %d has no name", i))
		}
		if seen[w.Name] {
			return errors.E("validate", "workers", w.Name, errors.Invalid, errors.New("duplicate worker"))
		}
		seen[w.Name] = true
		if w.Host == "" {
			return errors.E("validate", "workers", w.Name, errors.Invalid, errors.New("no host"))
		}
		if w.Threads < 0 {
			return errors.E("validate", "workers", w.Name, errors.Invalid, errors.New("negative thread count"))
		}
		if _, err := w.Resources(); err != nil {
			return err
		}
	}
	for disk, mounts := range c.SharedDisks {
		for host, mp := range mounts {
			if mp == "" || mp[0] != '/' {
				return errors.E("validate", "shareddisks", disk, host, errors.Invalid, errors.Errorf("mountpoint %q is not absolute", mp))
			}
		}
	}
	if c.Scheduler.MaxActionErrors < 0 {
		return errors.E("validate", "scheduler", errors.Invalid, errors.New("negative maxactionerrors"))
	}
	if _, err := sched.ParsePolicy(c.Scheduler.Policy); err != nil {
		return errors.E("validate", "scheduler", err)
	}
	if c.Transfer.MaxCopiesPerHost < 0 || c.Transfer.DeleteRate < 0 {
		return errors.E("validate", "transfer", errors.Invalid, errors.New("negative limit"))
	}
	switch c.Storage.Type {
	case "", StorageNone:
	case StorageDynamoDB:
		if c.Storage.Table == "" {
			return errors.E("validate", "storage", errors.Invalid, errors.New("table name not provided"))
		}
	default:
		return errors.E("validate", "storage", c.Storage.Type, errors.Invalid, errors.New("unknown storage type"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.E("validate", "metrics", errors.Invalid, errors.Errorf("invalid port %d", c.Metrics.Port))
	}
	return nil
}

// Level returns the configured log level; the default is info.
func (c *Config) Level() (log.Level, error) {
	if c.Log == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(c.Log)
}

// Worker returns the configuration of the named worker.
func (c *Config) Worker(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

// Disks returns the shared disk table.
func (c *Config) Disks() *location.SharedDisks {
	disks := location.NewSharedDisks()
	for disk, mounts := range c.SharedDisks {
		for host, mp := range mounts {
			disks.Add(disk, host, mp)
		}
	}
	return disks
}

// StorageBackend returns the configured persistent storage backend,
// or nil if none is configured.
func (c *Config) StorageBackend() (storage.Backend, error) {
	switch c.Storage.Type {
	case StorageDynamoDB:
		awsConfig := aws.NewConfig()
		if c.Storage.Region != "" {
			awsConfig = awsConfig.WithRegion(c.Storage.Region)
		}
		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, errors.E("storage", c.Storage.Table, errors.Unavailable, err)
		}
		return dydbstorage.New(dynamodb.New(sess), c.Storage.Table), nil
	default:
		return nil, nil
	}
}

// Resources returns the worker's static resources.
func (w Worker) Resources() (locus.ResourceDescription, error) {
	r := locus.ResourceDescription{
		MemorySize:       w.Memory.Size.Bytes(),
		MemoryType:       w.Memory.Type,
		StorageSize:      w.Storage.Size.Bytes(),
		StorageType:      w.Storage.Type,
		StorageBandwidth: w.Storage.Bandwidth,
		OS:               locus.OS{Type: w.OS.Type, Distribution: w.OS.Distribution, Version: w.OS.Version},
		Software:         append([]string(nil), w.Software...),
		Queues:           append([]string(nil), w.Queues...),
	}
	for _, p := range w.Processors {
		t, err := locus.ParseProcessorType(p.Type)
		if err != nil {
			return r, errors.E("validate", "workers", w.Name, errors.Invalid, err)
		}
		if p.Units < 0 {
			return r, errors.E("validate", "workers", w.Name, errors.Invalid, errors.Errorf("processor %s has negative units", p.Name))
		}
		r.Processors = append(r.Processors, locus.Processor{
			Name:         p.Name,
			Type:         t,
			Units:        p.Units,
			Architecture: p.Architecture,
			Speed:        p.Speed,
		})
	}
	if w.WallClock != "" {
		d, err := time.ParseDuration(w.WallClock)
		if err != nil {
			return r, errors.E("validate", "workers", w.Name, errors.Invalid, err)
		}
		r.WallClockLimit = d
	}
	return r, nil
}

// Binders returns the worker's unit binders, one per computing
// class, configured by the worker's binding policies.
func (w Worker) Binders(ctx context.Context, log *log.Logger) (map[locus.ProcessorType]resmgr.Binder, error) {
	r, err := w.Resources()
	if err != nil {
		return nil, err
	}
	bindings := map[locus.ProcessorType]string{
		locus.CPU:  w.Binding.CPU,
		locus.GPU:  w.Binding.GPU,
		locus.FPGA: w.Binding.FPGA,
	}
	binders := make(map[locus.ProcessorType]resmgr.Binder)
	for _, class := range locus.ComputingClasses {
		binders[class] = resmgr.NewBinder(ctx, class, bindings[class], r.Units(class), log)
	}
	return binders, nil
}
