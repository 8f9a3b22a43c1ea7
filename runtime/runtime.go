// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runtime assembles a locus runtime from its configuration.
// A Runtime owns one instance of every component: the shared disk
// table, the location resolver, the logical data registry, the
// transfer manager, the scheduler and one execution platform per
// configured worker. Tasks submitted to a runtime are analyzed for
// data accesses, turned into scheduler actions, and run on the
// platform of the worker they are placed on once their inputs are
// staged there.
package runtime

import (
	"context"
	golog "log"
	"os"
	"path"
	"sync"

	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/locus/config"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
	"github.com/grailbio/locus/metrics/prometrics"
	"github.com/grailbio/locus/registry"
	"github.com/grailbio/locus/sched"
	"github.com/grailbio/locus/storage"
	"github.com/grailbio/locus/transfer"
	"github.com/grailbio/locus/worker"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// Params defines the set of parameters necessary to initialize a
// Runtime.
type Params struct {
	// Config is the runtime's configuration.
	Config *config.Config

	// Logger is the top-level logger passed to the various underlying
	// components. If nil, a logger is created at the configured level.
	Logger *log.Logger

	// Transport performs copies and deletions between hosts.
	Transport transfer.Transport

	// Executor runs jobs on worker platforms.
	Executor worker.Executor

	// Optional parameters

	// Storage overrides the configured persistent storage backend.
	Storage storage.Backend

	// Serialize writes an in-memory value to a file. It is required
	// to evict values with EvictValue.
	Serialize func(value interface{}, path string) error
}

// Runtime is a locus runtime. It is safe for concurrent use.
type Runtime struct {
	Params

	disks     *location.SharedDisks
	resolver  *location.Resolver
	registry  *registry.Registry
	transfer  *transfer.Manager
	scheduler *sched.Scheduler
	platforms map[string]*worker.Platform
	workers   []*sched.Worker
	rtLog     *log.Logger

	// mu protects the data access state below.
	mu       sync.Mutex
	data     map[string]*datum
	accesses map[int][]access
	nextData int
	nextID   int
	nextRR   int

	startOnce once.Task
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	promReg   *prometheus.Registry
}

// New creates a new runtime from the given parameters. New returns
// an error upon failure to set up and initialize a runtime.
func New(p Params) (*Runtime, error) {
	rt := &Runtime{Params: p}
	return rt, rt.init()
}

func (rt *Runtime) init() error {
	if rt.Config == nil {
		return errors.E("runtime.Init", "config", errors.Fatal, errors.New("no configuration provided"))
	}
	if err := rt.Config.Validate(); err != nil {
		return errors.E("runtime.Init", "config", errors.Fatal, err)
	}
	if rt.Transport == nil || rt.Executor == nil {
		return errors.E("runtime.Init", errors.Fatal, errors.New("transport and executor are required"))
	}
	if rt.Logger == nil {
		level, _ := rt.Config.Level()
		rt.Logger = log.New(golog.New(os.Stderr, "", golog.LstdFlags), level)
	}
	rt.rtLog = rt.Logger.Tee(nil, "locus runtime: ")

	if rt.Storage == nil {
		backend, err := rt.Config.StorageBackend()
		if err != nil {
			return errors.E("runtime.Init", "storage", errors.Fatal, err)
		}
		rt.Storage = backend
	}
	rt.disks = rt.Config.Disks()
	rt.resolver = &location.Resolver{Disks: rt.disks, Storage: rt.Storage}
	rt.registry = registry.New(rt.resolver, rt.Logger.Tee(nil, "registry: "))
	rt.transfer = newTransferManager(rt.Config, rt.registry, rt.Transport, rt.Logger)

	var err error
	if rt.scheduler, err = newScheduler(rt.Config, rt.Logger); err != nil {
		return errors.E("runtime.Init", "scheduler", errors.Fatal, err)
	}
	rt.scheduler.Invoker = sched.InvokerFunc(rt.invoke)
	rt.scheduler.Locate = rt.locate

	rt.platforms = make(map[string]*worker.Platform)
	for _, wc := range rt.Config.Workers {
		res, err := wc.Resources()
		if err != nil {
			return errors.E("runtime.Init", "worker", wc.Name, errors.Fatal, err)
		}
		rt.workers = append(rt.workers, sched.NewWorker(wc.Name, wc.Host, res))
	}

	rt.data = make(map[string]*datum)
	rt.accesses = make(map[int][]access)
	rt.done = make(chan struct{})
	return nil
}

// Start starts the runtime: the metrics server, if configured, the
// worker platforms and the scheduler. Start uses the provided
// context to run the necessary background processes; the runtime is
// stopped by Shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	return rt.startOnce.Do(func() error {
		return rt.doStart(ctx)
	})
}

func (rt *Runtime) doStart(ctx context.Context) error {
	if port := rt.Config.Metrics.Port; port > 0 {
		rt.promReg = prometheus.NewRegistry()
		client, err := prometrics.NewClient(rt.promReg, rt.Config.Metrics.Namespace)
		if err != nil {
			return errors.E("runtime.Start", "metrics", err)
		}
		ctx = metrics.WithClient(ctx, client)
		go func() {
			if err := prometrics.Serve(rt.promReg, port); err != nil {
				rt.rtLog.Errorf("metrics server: %v", err)
			}
		}()
	}
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	for _, wc := range rt.Config.Workers {
		binders, err := wc.Binders(rt.ctx, rt.Logger)
		if err != nil {
			return errors.E("runtime.Start", "worker", wc.Name, err)
		}
		p := &worker.Platform{
			Name:      wc.Name,
			Log:       rt.Logger.Tee(nil, wc.Name+": "),
			Executor:  rt.Executor,
			Resources: resourceManager(binders, rt.Logger),
		}
		if err := p.Start(rt.ctx, threads(wc)); err != nil {
			return errors.E("runtime.Start", "worker", wc.Name, err)
		}
		rt.platforms[wc.Name] = p
	}

	go func() {
		defer close(rt.done)
		_ = rt.scheduler.Do(rt.ctx)
	}()
	for _, w := range rt.workers {
		rt.scheduler.AddWorker(w)
	}
	rt.rtLog.Printf("===== started =====")
	return nil
}

// Shutdown stops the scheduler, cancelling every pending action,
// stops the worker platforms and deletes obsolete renamings from
// every host. Errors from every step are aggregated.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.cancel == nil {
		return errors.E("runtime.Shutdown", errors.Precondition, errors.New("runtime not started"))
	}
	rt.cancel()
	select {
	case <-rt.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs *multierror.Error
	for _, name := range sortedKeys(rt.platforms) {
		if err := rt.platforms[name].Stop(ctx); err != nil {
			errs = multierror.Append(errs, errors.E("runtime.Shutdown", name, err))
		}
	}
	if err := rt.Collect(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	rt.rtLog.Printf("===== shutdown =====")
	return errs.ErrorOrNil()
}

// Collect deletes obsolete renamings from every known host.
func (rt *Runtime) Collect(ctx context.Context) error {
	return rt.transfer.Collect(ctx, rt.hosts()...)
}

// Registry returns the runtime's logical data registry.
func (rt *Runtime) Registry() *registry.Registry {
	return rt.registry
}

// Scheduler returns the runtime's scheduler.
func (rt *Runtime) Scheduler() *sched.Scheduler {
	return rt.scheduler
}

// Platform returns the execution platform of the named worker.
func (rt *Runtime) Platform(name string) (*worker.Platform, bool) {
	p, ok := rt.platforms[name]
	return p, ok
}

// RemoveHost removes host from the runtime's data space: locations
// on the host are dropped, and data whose only copies lived there
// are reported. Shared disks mounted on the host are unregistered
// once the host's data has been handled.
func (rt *Runtime) RemoveHost(host string) []string {
	var lost []string
	mounts := rt.disks.Mounts(host)
	for _, d := range rt.registry.AllDataFromHost(host) {
		loc, err := rt.registry.RemoveHostAndCheckLocationToSave(d.Name(), host, mounts)
		if err != nil {
			rt.rtLog.Debugf("remove host %s: %s: %v", host, d.Name(), err)
			continue
		}
		if loc != nil {
			rt.rtLog.Printf("remove host %s: %s must be saved from %s", host, d.Name(), loc)
			lost = append(lost, d.Name())
		}
	}
	rt.disks.RemoveHost(host)
	return lost
}

func (rt *Runtime) hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	add(rt.Config.Master)
	for _, w := range rt.Config.Workers {
		add(w.Host)
	}
	return hosts
}

// locate returns the hosts holding a copy of the named renaming.
func (rt *Runtime) locate(name string) []string {
	d, err := rt.registry.Get(name)
	if err != nil {
		return nil
	}
	ctx := rt.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var hosts []string
	for _, loc := range d.Locations() {
		h, err := rt.resolver.Hosts(ctx, loc)
		if err != nil {
			rt.rtLog.Debugf("locate %s: %v", name, err)
			continue
		}
		hosts = append(hosts, h...)
	}
	return hosts
}

// path returns the path of renaming name in the working directory.
func (rt *Runtime) path(name string) string {
	dir := rt.Config.Workdir
	if dir == "" {
		dir = transfer.DefaultWorkdir
	}
	return path.Join(dir, name)
}
