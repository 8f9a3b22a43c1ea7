// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfer stages logical data on hosts. It guarantees that
// at most one physical copy of a datum to a given target is in
// flight at any time, limits the number of concurrent copies per
// host, and collects renamings made obsolete on hosts.
package transfer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
	"github.com/grailbio/locus/registry"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultWorkdir is the directory, on each host, into which data are
// copied when no other directory is configured.
const DefaultWorkdir = "/tmp/locus"

// A Transport performs physical operations on hosts.
type Transport interface {
	// Copy copies the object at src to dst. Both URIs name the same
	// datum; dst is always a file URI.
	Copy(ctx context.Context, src, dst location.URI) error
	// Delete removes the files of the named renamings from the
	// host's working directory.
	Delete(ctx context.Context, host string, names ...string) error
}

// Limits stores a default limit and maintains a set of overrides by
// key.
type Limits struct {
	def    int
	limits map[string]int
}

// NewLimits returns a new Limits with a default value.
func NewLimits(def int) *Limits {
	return &Limits{def: def, limits: map[string]int{}}
}

// Set sets limit v for key k.
func (l *Limits) Set(k string, v int) {
	l.limits[k] = v
}

// Limit retrieves the limit for key k.
func (l *Limits) Limit(k string) int {
	if l == nil {
		return 1
	}
	if n, ok := l.limits[k]; ok {
		return n
	}
	return l.def
}

// A Manager copies data between hosts while enforcing transfer
// policies. Copies are recorded in the registry while they are in
// flight, and their targets are added as locations when they
// succeed.
type Manager struct {
	// Log is used to report manager status.
	Log *log.Logger
	// Registry is the logical data registry.
	Registry *registry.Registry
	// Transport performs the copies and deletions.
	Transport Transport
	// Workdir is the directory on each host into which data are
	// copied. DefaultWorkdir is used if empty.
	Workdir string
	// Copies defines limits for the number of copies that may be in
	// flight to any given host. Hosts have a limit of 1 if nil.
	Copies *Limits
	// DeleteRate limits the rate at which Collect issues deletions.
	// No limit is applied if zero.
	DeleteRate rate.Limit

	mu       sync.Mutex
	limiters map[string]*limiter.Limiter
	pending  map[string]int

	deleteOnce sync.Once
	deletes    *rate.Limiter
}

// Report reports transfer status to m.Log at each interval.
func (m *Manager) Report(ctx context.Context, interval time.Duration) {
	if !m.Log.At(log.DebugLevel) {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Accumulated first so we don't log under lock.
			var entries []string
			m.mu.Lock()
			for host, n := range m.pending {
				entries = append(entries, fmt.Sprintf("%s: copies:%d/%d", host, n, m.Copies.Limit(host)))
			}
			m.mu.Unlock()
			sort.Strings(entries)
			for _, line := range entries {
				m.Log.Debug(line)
			}
		}
	}
}

// Stage makes every named datum available on host, copying as
// needed, and returns the URI of each on host.
func (m *Manager) Stage(ctx context.Context, host string, names ...string) (map[string]location.URI, error) {
	uris := make([]location.URI, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		i := i
		g.Go(func() error {
			u, err := m.Fetch(gctx, names[i], host)
			if err != nil {
				return err
			}
			uris[i] = *u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	staged := make(map[string]location.URI, len(names))
	for i, name := range names {
		staged[name] = uris[i]
	}
	return staged, nil
}

// Fetch makes the named datum available on host and returns its URI
// there. If a copy of the datum to the same target is already in
// flight, Fetch waits for it instead of starting another.
func (m *Manager) Fetch(ctx context.Context, name, host string) (*location.URI, error) {
	u, err := m.Registry.AlreadyAvailable(ctx, name, host)
	if err != nil || u != nil {
		return u, err
	}
	d, err := m.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	if id := d.PersistentID(); id != "" {
		return &location.URI{Scheme: "storage", Host: host, Path: id}, nil
	}
	target := m.Registry.Resolver.Resolve(host, m.path(name))
	c := newCopy(name, host, target)
	existing, started, err := m.Registry.StartCopyIfAbsent(name, c, target)
	if err != nil {
		return nil, err
	}
	if !started {
		if existing == nil {
			return m.uriInHost(ctx, name, target, host)
		}
		metrics.GetCopiesDeduplicatedCountCounter(ctx).Inc()
		m.Log.Debugf("%s: waiting for copy %s", name, existing.ID())
		if ec, ok := existing.(*Copy); ok {
			if err := ec.Wait(ctx); err != nil {
				return nil, errors.E("fetch", name, host, err)
			}
		}
		return m.uriInHost(ctx, name, target, host)
	}
	metrics.GetCopiesStartedCountCounter(ctx).Inc()
	err = m.copy(ctx, d, target, host)
	// A concurrent Fetch must observe either the new location or the
	// copy in progress.
	if err == nil {
		err = m.Registry.AddLocation(name, target)
	}
	if _, ferr := m.Registry.FinishedCopy(name, c); ferr != nil {
		m.Log.Errorf("%s: finish copy %s: %v", name, c.ID(), ferr)
	}
	c.finish(err)
	if err != nil {
		metrics.GetCopiesFailedCountCounter(ctx).Inc()
		return nil, errors.E("fetch", name, host, err)
	}
	return m.uriInHost(ctx, name, target, host)
}

func (m *Manager) uriInHost(ctx context.Context, name string, target location.Location, host string) (*location.URI, error) {
	u, err := m.Registry.Resolver.URIInHost(ctx, target, host)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.E("fetch", name, host, errors.Unlocatable,
			errors.Errorf("target %s is not accessible from %s", target, host))
	}
	return u, nil
}

// copy transfers the datum from any of its current locations to
// target, subject to the destination host's copy limit.
func (m *Manager) copy(ctx context.Context, d *registry.LogicalData, target location.Location, host string) error {
	dst, err := m.Registry.Resolver.URIInHost(ctx, target, host)
	if err != nil {
		return err
	}
	if dst == nil {
		return errors.E("copy", d.Name(), errors.Unlocatable,
			errors.Errorf("target %s is not accessible from %s", target, host))
	}
	var src *location.URI
	for _, loc := range d.Locations() {
		uris, err := m.Registry.Resolver.URIs(ctx, loc)
		if err != nil {
			m.Log.Debugf("%s: skipping source %s: %v", d.Name(), loc, err)
			continue
		}
		if len(uris) > 0 {
			src = &uris[0]
			break
		}
	}
	if src == nil {
		return errors.E("copy", d.Name(), errors.Unlocatable, errors.New("no accessible source location"))
	}
	lim := m.limiter(host)
	if err := lim.Acquire(ctx, 1); err != nil {
		return err
	}
	m.updatePending(host, 1)
	m.Log.Debugf("%s: copying %s to %s", d.Name(), src, dst)
	err = m.Transport.Copy(ctx, *src, *dst)
	m.updatePending(host, -1)
	lim.Release(1)
	return err
}

// Collect deletes, on each of the provided hosts, the renamings that
// the registry reports obsolete. Deletions are issued concurrently
// across hosts and are rate limited by DeleteRate. Errors from all
// hosts are aggregated; renamings whose deletion failed are
// forgotten.
func (m *Manager) Collect(ctx context.Context, hosts ...string) error {
	m.deleteOnce.Do(func() {
		if m.DeleteRate > 0 {
			m.deletes = rate.NewLimiter(m.DeleteRate, 1)
		}
	})
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	err := traverse.Limit(8).Each(len(hosts), func(i int) error {
		host := hosts[i]
		names := m.Registry.Obsoletes(host)
		if len(names) == 0 {
			return nil
		}
		if m.deletes != nil {
			if err := m.deletes.Wait(ctx); err != nil {
				return err
			}
		}
		if err := m.Transport.Delete(ctx, host, names...); err != nil {
			mu.Lock()
			errs = multierror.Append(errs, errors.E("collect", host, err))
			mu.Unlock()
			return nil
		}
		metrics.GetObsoletesDeletedCountCounter(ctx).Add(float64(len(names)))
		m.Log.Debugf("%s: deleted %s", host, strings.Join(names, " "))
		return nil
	})
	if err != nil {
		return err
	}
	return errs.ErrorOrNil()
}

// path returns the path of name's file within the working directory.
func (m *Manager) path(name string) string {
	dir := m.Workdir
	if dir == "" {
		dir = DefaultWorkdir
	}
	return path.Join(dir, name)
}

func (m *Manager) updatePending(host string, n int) {
	m.mu.Lock()
	if m.pending == nil {
		m.pending = map[string]int{}
	}
	m.pending[host] += n
	m.mu.Unlock()
}

func (m *Manager) limiter(host string) *limiter.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limiters == nil {
		m.limiters = map[string]*limiter.Limiter{}
	}
	if m.limiters[host] == nil {
		m.limiters[host] = limiter.New()
		m.limiters[host].Release(m.Copies.Limit(host))
	}
	return m.limiters[host]
}
