// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package resmgr implements the per-worker resource manager: it binds
// computing units (CPU cores, GPU and FPGA devices) to jobs, queues
// reacquisitions that cannot be satisfied immediately, and retries
// them whenever units are released.
package resmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
)

// Binding policies accepted by NewBinder in addition to explicit
// socket maps.
const (
	// BindDisabled disables tracking: units are never exhausted.
	BindDisabled = "disabled"
	// BindAutomatic derives the unit map from the host: lscpu for
	// CPUs, a single group of devices otherwise.
	BindAutomatic = "automatic"
	// BindCount counts units without identifying them.
	BindCount = "count"
)

// NewBinder returns the binder for units of the given class
// configured by binding. An empty binding selects the automatic
// policy for CPUs and counting for other classes. A binding that
// cannot be honored falls back to counting the configured units, and
// a warning is logged.
func NewBinder(ctx context.Context, class locus.ProcessorType, binding string, units int, log *log.Logger) Binder {
	if binding == "" {
		binding = BindCount
		if class == locus.CPU {
			binding = BindAutomatic
		}
	}
	switch binding {
	case BindDisabled:
		return Unbound{}
	case BindCount:
		return NewCountBound(units)
	case BindAutomatic:
		var (
			m   string
			err error
		)
		if class == locus.CPU {
			var out string
			if out, err = Lscpu(ctx); err == nil {
				m, err = ParseLscpu(out)
			}
		} else if units > 0 {
			m = fmt.Sprintf("0-%d", units-1)
		} else {
			return NewCountBound(0)
		}
		if err == nil {
			var b *MapBound
			if b, err = NewMapBound(m); err == nil {
				if b.Units() < units {
					log.Debugf("%s map %s has %d units, fewer than the %d configured", class, m, b.Units(), units)
				}
				return b
			}
		}
		log.Warnf("automatic %s binding failed, counting %d units: %v", class, units, err)
		return NewCountBound(units)
	default:
		b, err := NewMapBound(binding)
		if err != nil {
			log.Warnf("invalid %s binding %q, counting %d units: %v", class, binding, units, err)
			return NewCountBound(units)
		}
		return b
	}
}

// Allocation is the set of units bound to a job, per class. Classes
// whose binder does not identify units have nil entries.
type Allocation struct {
	CPU, GPU, FPGA []int
}

func (a *Allocation) units(class locus.ProcessorType) []int {
	if a == nil {
		return nil
	}
	switch class {
	case locus.CPU:
		return a.CPU
	case locus.GPU:
		return a.GPU
	case locus.FPGA:
		return a.FPGA
	}
	return nil
}

func (a *Allocation) set(class locus.ProcessorType, units []int) {
	switch class {
	case locus.CPU:
		a.CPU = units
	case locus.GPU:
		a.GPU = units
	case locus.FPGA:
		a.FPGA = units
	}
}

// String renders the allocation.
func (a Allocation) String() string {
	return fmt.Sprintf("cpu%v gpu%v fpga%v", a.CPU, a.GPU, a.FPGA)
}

// PendingRequest is a reacquisition that could not be satisfied when
// it was made. It is retried each time a job releases its units.
type PendingRequest struct {
	// JobID is the job that is waiting for units.
	JobID int
	// Requirements are the resources requested by the job.
	Requirements locus.ResourceDescription

	alloc *Allocation
	done  chan struct{}
}

// Done returns a channel that is closed once the request is
// satisfied and the caller's allocation is updated.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request is satisfied or the context is done.
func (p *PendingRequest) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager binds computing units to jobs. Classes are always bound in
// the order given by locus.ComputingClasses, and each class is served
// by an independently synchronized Binder.
type Manager struct {
	// Log receives binding events.
	Log *log.Logger

	binders map[locus.ProcessorType]Binder

	mu      sync.Mutex
	pending []*PendingRequest
}

// New returns a manager over the provided binders. Computing classes
// without a binder are not tracked.
func New(binders map[locus.ProcessorType]Binder, log *log.Logger) *Manager {
	m := &Manager{Log: log, binders: make(map[locus.ProcessorType]Binder)}
	for class, b := range binders {
		m.binders[class] = b
	}
	return m
}

// Binder returns the binder for the given class.
func (m *Manager) Binder(class locus.ProcessorType) Binder {
	if b, ok := m.binders[class]; ok {
		return b
	}
	return Unbound{}
}

// AcquireResources binds the computing units required by req to the
// job. Units in preferred are reused for a class when they are all
// free and match the requested count. If any class cannot be
// satisfied, every class already bound for the job is released and an
// error of kind errors.ResourcesExhausted is returned.
func (m *Manager) AcquireResources(ctx context.Context, jobID int, req locus.ResourceDescription, preferred *Allocation) (*Allocation, error) {
	a, err := m.acquire(jobID, req, preferred)
	if err != nil {
		return nil, err
	}
	m.Log.Debugf("job %d bound to %s", jobID, a)
	m.updateGauges(ctx)
	return a, nil
}

func (m *Manager) acquire(jobID int, req locus.ResourceDescription, preferred *Allocation) (*Allocation, error) {
	var (
		a     = new(Allocation)
		bound []locus.ProcessorType
	)
	for _, class := range locus.ComputingClasses {
		n := req.Units(class)
		if n <= 0 {
			continue
		}
		units, err := m.Binder(class).Bind(jobID, n, preferred.units(class))
		if err != nil {
			for _, c := range bound {
				m.Binder(c).Release(jobID)
			}
			return nil, errors.E("acquire", fmt.Sprint(jobID), class.String(), errors.ResourcesExhausted, err)
		}
		bound = append(bound, class)
		a.set(class, units)
	}
	return a, nil
}

// ReacquireResources attempts to bind the units required by req to
// the job, preferring the units in current. It never blocks. On
// success, current is updated in place and the returned request is
// already done. Otherwise the request is queued and is completed by a
// later call to ReleaseResources; callers wait on the returned
// request.
func (m *Manager) ReacquireResources(ctx context.Context, jobID int, req locus.ResourceDescription, current *Allocation) *PendingRequest {
	p := &PendingRequest{
		JobID:        jobID,
		Requirements: req,
		alloc:        current,
		done:         make(chan struct{}),
	}
	m.mu.Lock()
	if m.tryLocked(p) {
		m.mu.Unlock()
		m.updateGauges(ctx)
		return p
	}
	m.pending = append(m.pending, p)
	n := len(m.pending)
	m.mu.Unlock()
	m.Log.Debugf("job %d waiting for %s (%d pending)", jobID, req, n)
	metrics.GetResourcePendingRequestsGauge(ctx).Set(float64(n))
	return p
}

// tryLocked attempts to satisfy p. It must be called with m.mu held.
func (m *Manager) tryLocked(p *PendingRequest) bool {
	a, err := m.acquire(p.JobID, p.Requirements, p.alloc)
	if err != nil {
		return false
	}
	if p.alloc != nil {
		*p.alloc = *a
	}
	close(p.done)
	return true
}

// ReleaseResources frees every unit bound to the job. It then walks
// the pending requests once, in the order they were queued, and
// completes every request that can now be satisfied. Requests are
// served first-fit: a request that does not fit does not block the
// ones behind it.
func (m *Manager) ReleaseResources(ctx context.Context, jobID int) {
	for _, class := range locus.ComputingClasses {
		m.Binder(class).Release(jobID)
	}
	m.mu.Lock()
	var (
		remaining = m.pending[:0]
		served    []int
	)
	for _, p := range m.pending {
		if m.tryLocked(p) {
			served = append(served, p.JobID)
			continue
		}
		remaining = append(remaining, p)
	}
	for i := len(remaining); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = remaining
	n := len(m.pending)
	m.mu.Unlock()
	m.Log.Debugf("job %d released its units", jobID)
	for _, id := range served {
		m.Log.Debugf("pending job %d satisfied", id)
	}
	metrics.GetResourcePendingRequestsGauge(ctx).Set(float64(n))
	m.updateGauges(ctx)
}

// Withdraw removes a queued request that is no longer wanted. It
// returns false if the request was already satisfied, in which case
// the job holds the units and must release them.
func (m *Manager) Withdraw(ctx context.Context, p *PendingRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.pending {
		if q != p {
			continue
		}
		copy(m.pending[i:], m.pending[i+1:])
		m.pending[len(m.pending)-1] = nil
		m.pending = m.pending[:len(m.pending)-1]
		metrics.GetResourcePendingRequestsGauge(ctx).Set(float64(len(m.pending)))
		return true
	}
	return false
}

// Pending returns a snapshot of the queued requests.
func (m *Manager) Pending() []*PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*PendingRequest(nil), m.pending...)
}

func (m *Manager) updateGauges(ctx context.Context) {
	if !metrics.On(ctx) {
		return
	}
	for _, class := range locus.ComputingClasses {
		metrics.GetResourceBoundUnitsGauge(ctx, class.String()).Set(float64(m.Binder(class).Bound()))
	}
}
