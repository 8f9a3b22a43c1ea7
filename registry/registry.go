// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package registry implements the logical data registry: the record,
// per renaming, of where physical copies of each datum exist, which
// copies are in flight, and which hosts hold obsolete data.
//
// A Registry is constructed explicitly and owned by a runtime
// instance; there is no process-wide state, so independent
// registries can coexist.
//
// Each LogicalData is guarded by its own lock. The reverse indices
// (host to privately hosted data, shared disk to data stored on it)
// are guarded by a separate registry-wide lock and are scanned by
// taking a snapshot. A datum's lock may be held while the index lock
// is acquired, never the reverse.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/log"
)

// Registry maps renamings to LogicalData records.
type Registry struct {
	// Resolver is used to resolve locations on hosts.
	Resolver *location.Resolver
	// Log receives registry events.
	Log *log.Logger
	// Obsolete, if set, is called whenever a removed datum becomes
	// obsolete on a host. It must not block.
	Obsolete func(host, name string)

	mu   sync.Mutex
	data map[string]*LogicalData

	idxMu  sync.RWMutex
	byHost map[string]map[string]*LogicalData
	byDisk map[string]map[string]*LogicalData

	obsMu    sync.Mutex
	obsolete map[string]map[string]bool
}

// New returns a new, empty registry that resolves locations with
// the provided resolver.
func New(resolver *location.Resolver, log *log.Logger) *Registry {
	if resolver == nil {
		resolver = &location.Resolver{}
	}
	return &Registry{
		Resolver: resolver,
		Log:      log,
		data:     make(map[string]*LogicalData),
		byHost:   make(map[string]map[string]*LogicalData),
		byDisk:   make(map[string]map[string]*LogicalData),
		obsolete: make(map[string]map[string]bool),
	}
}

// Register returns the record for name, creating an empty one if
// name is not yet registered. Register is idempotent.
func (r *Registry) Register(name string) *LogicalData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.data[name]; d != nil {
		return d
	}
	d := newLogicalData(name)
	r.data[name] = d
	return d
}

// Get returns the record for name. It returns an error of kind
// errors.NotExist if name is not registered.
func (r *Registry) Get(name string) (*LogicalData, error) {
	r.mu.Lock()
	d := r.data[name]
	r.mu.Unlock()
	if d == nil {
		return nil, errors.E("get", name, errors.NotExist)
	}
	return d, nil
}

// Names returns the registered renamings in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.data))
	for name := range r.data {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// AddLocation records that a consistent copy of name exists at loc.
// It also indexes the location and clears a pending save
// obligation.
func (r *Registry) AddLocation(name string, loc location.Location) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r.addLocationLocked(d, loc)
	return nil
}

// AddLocationAndValue is AddLocation, additionally recording the
// datum's in-memory value.
func (r *Registry) AddLocationAndValue(name string, loc location.Location, value interface{}) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value, d.hasValue = value, true
	r.addLocationLocked(d, loc)
	return nil
}

// SetValue records the datum's in-memory value without adding a
// location.
func (r *Registry) SetValue(name string, value interface{}) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.value, d.hasValue = value, true
	d.mu.Unlock()
	return nil
}

func (r *Registry) addLocationLocked(d *LogicalData, loc location.Location) {
	d.beingSaved = false
	d.locations[loc.Key()] = loc
	switch loc := loc.(type) {
	case location.Private:
		r.index(r.byHost, loc.Host, d)
	case location.Shared:
		r.index(r.byDisk, loc.Disk, d)
	case location.Persistent:
		d.pscoID = loc.ID
	}
}

func (r *Registry) removeLocationLocked(d *LogicalData, loc location.Location) {
	delete(d.locations, loc.Key())
	switch loc := loc.(type) {
	case location.Private:
		// The datum stays indexed on the host while another private
		// location on the same host remains.
		for _, other := range d.locations {
			if p, ok := other.(location.Private); ok && p.Host == loc.Host {
				return
			}
		}
		r.unindex(r.byHost, loc.Host, d)
	case location.Shared:
		for _, other := range d.locations {
			if s, ok := other.(location.Shared); ok && s.Disk == loc.Disk {
				return
			}
		}
		r.unindex(r.byDisk, loc.Disk, d)
	case location.Persistent:
		if d.pscoID == loc.ID {
			d.pscoID = ""
		}
	}
}

func (r *Registry) index(idx map[string]map[string]*LogicalData, key string, d *LogicalData) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if idx[key] == nil {
		idx[key] = make(map[string]*LogicalData)
	}
	idx[key][d.name] = d
}

func (r *Registry) unindex(idx map[string]map[string]*LogicalData, key string, d *LogicalData) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if idx[key] == nil {
		return
	}
	delete(idx[key], d.name)
	if len(idx[key]) == 0 {
		delete(idx, key)
	}
}

// RemoveLocation removes loc from name's locations.
func (r *Registry) RemoveLocation(name string, loc location.Location) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r.removeLocationLocked(d, loc)
	return nil
}

// AlreadyAvailable returns the URI of a copy of name that is
// accessible from host, or nil if there is none. Locations are
// examined in location order. Errors resolving persistent locations
// are returned with kind errors.Unlocatable.
func (r *Registry) AlreadyAvailable(ctx context.Context, name, host string) (*location.URI, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	for _, loc := range d.Locations() {
		u, err := r.Resolver.URIInHost(ctx, loc, host)
		if err != nil {
			return nil, errors.E("alreadyavailable", name, err)
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// AlreadyCopying returns the in-progress copy of name whose target
// is target, or nil if there is none.
func (r *Registry) AlreadyCopying(name string, target location.Location) Copy {
	d, err := r.Get(name)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyingLocked(target)
}

func (d *LogicalData) copyingLocked(target location.Location) Copy {
	for _, c := range d.copies {
		if location.IsTarget(c.Target, target) {
			return c.Copy
		}
	}
	return nil
}

// StartCopy records that copy c of name to target is in progress.
// It fails with errors.Exists if another copy of name to the same
// target is already in progress.
func (r *Registry) StartCopy(name string, c Copy, target location.Location) error {
	if existing, ok, err := r.StartCopyIfAbsent(name, c, target); err != nil {
		return err
	} else if !ok {
		return errors.E("startcopy", name, target.String(), errors.Exists,
			errors.Errorf("copy %s already in progress", existing.ID()))
	}
	return nil
}

// StartCopyIfAbsent atomically checks for an in-progress copy of name
// to target and, if there is none, records c. It returns the copy
// that is in progress after the call and whether it is c. If target
// is already one of name's locations, no copy is recorded and the
// returned copy is nil.
func (r *Registry) StartCopyIfAbsent(name string, c Copy, target location.Location) (Copy, bool, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.locations[target.Key()]; ok {
		return nil, false, nil
	}
	if existing := d.copyingLocked(target); existing != nil {
		return existing, false, nil
	}
	d.copies = append(d.copies, CopyInProgress{Copy: c, Target: target})
	return c, true, nil
}

// FinishedCopy removes copy c from name's in-progress copies and
// returns its target location. The caller records the new location
// with AddLocation if the copy succeeded. FinishedCopy is used on
// success and on failure alike, so that no bookkeeping leaks.
func (r *Registry) FinishedCopy(name string, c Copy) (location.Location, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cp := range d.copies {
		if cp.Copy.ID() != c.ID() {
			continue
		}
		d.copies = append(d.copies[:i], d.copies[i+1:]...)
		if len(d.copies) == 0 {
			d.copies = nil
		}
		return cp.Target, nil
	}
	return nil, errors.E("finishedcopy", name, c.ID(), errors.NotExist)
}

// RemoveHostAndCheckLocationToSave evicts name from host, which is
// being removed. mounts is host's disk -> mountpoint table before
// its removal from the shared disk table. If the locations on host
// hold the last copy of the datum, the method returns the location
// to which the caller must save the datum before the host goes
// away; the datum is then marked as being saved until the saved
// location is added. Otherwise, or if a save is already pending, it
// returns nil.
//
// Evictions of a datum are serialized: of concurrent callers, at
// most one receives a save obligation.
func (r *Registry) RemoveHostAndCheckLocationToSave(name, host string, mounts map[string]string) (location.Location, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	d.hostRemoval <- struct{}{}
	defer func() { <-d.hostRemoval }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beingSaved {
		return nil, nil
	}
	var (
		save      location.Location
		remaining bool
	)
	for _, loc := range d.sortedLocations() {
		switch loc := loc.(type) {
		case location.Private:
			if loc.Host != host {
				remaining = true
				continue
			}
			r.removeLocationLocked(d, loc)
			if save == nil {
				save = loc
			}
		case location.Shared:
			if len(r.diskHosts(loc.Disk)) > 0 {
				remaining = true
				continue
			}
			mp, ok := mounts[loc.Disk]
			if !ok {
				continue
			}
			r.removeLocationLocked(d, loc)
			if save == nil {
				save = location.Private{Host: host, Path: loc.PathIn(mp)}
			}
		case location.Persistent:
			remaining = true
		}
	}
	if d.hasValue {
		remaining = true
	}
	if remaining || save == nil {
		return nil, nil
	}
	d.beingSaved = true
	if r.Log.At(log.DebugLevel) {
		r.Log.Debugf("evict %s from %s: last copy must be saved from %s", name, host, save)
	}
	return save, nil
}

// AllDataFromHost returns the data with a copy accessible from host:
// the data hosted privately on host and the data stored on every
// shared disk mounted on host. The result is computed from a
// snapshot of the reverse indices and sorted by name.
func (r *Registry) AllDataFromHost(host string) []*LogicalData {
	var disks []string
	if r.Resolver.Disks != nil {
		for disk := range r.Resolver.Disks.Mounts(host) {
			disks = append(disks, disk)
		}
	}
	set := make(map[string]*LogicalData)
	r.idxMu.RLock()
	for name, d := range r.byHost[host] {
		set[name] = d
	}
	for _, disk := range disks {
		for name, d := range r.byDisk[disk] {
			set[name] = d
		}
	}
	r.idxMu.RUnlock()
	data := make([]*LogicalData, 0, len(set))
	for _, d := range set {
		data = append(data, d)
	}
	sort.Slice(data, func(i, j int) bool { return data[i].name < data[j].name })
	return data
}

// Remove detaches name from the registry. Every host that held a
// copy of it is marked as holding obsolete data; hosts are expected
// to reclaim the space at their convenience.
func (r *Registry) Remove(name string) (*LogicalData, error) {
	r.mu.Lock()
	d := r.data[name]
	delete(r.data, name)
	r.mu.Unlock()
	if d == nil {
		return nil, errors.E("remove", name, errors.NotExist)
	}
	d.mu.Lock()
	d.removed = true
	hosts := make(map[string]bool)
	for _, loc := range d.sortedLocations() {
		switch loc := loc.(type) {
		case location.Private:
			hosts[loc.Host] = true
		case location.Shared:
			for _, h := range r.diskHosts(loc.Disk) {
				hosts[h] = true
			}
		}
		r.removeLocationLocked(d, loc)
	}
	d.mu.Unlock()
	for host := range hosts {
		r.markObsolete(host, name)
	}
	return d, nil
}

func (r *Registry) diskHosts(disk string) []string {
	if r.Resolver.Disks == nil {
		return nil
	}
	return r.Resolver.Disks.Hosts(disk)
}

func (r *Registry) markObsolete(host, name string) {
	r.obsMu.Lock()
	if r.obsolete[host] == nil {
		r.obsolete[host] = make(map[string]bool)
	}
	r.obsolete[host][name] = true
	r.obsMu.Unlock()
	if r.Obsolete != nil {
		r.Obsolete(host, name)
	}
}

// Obsoletes returns, and forgets, the obsolete renamings on host in
// sorted order.
func (r *Registry) Obsoletes(host string) []string {
	r.obsMu.Lock()
	set := r.obsolete[host]
	delete(r.obsolete, host)
	r.obsMu.Unlock()
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteValue saves name's in-memory value to path on host by calling
// write, then records the resulting location and marks the datum as
// being on file.
func (r *Registry) WriteValue(name, host, path string, write func(value interface{}, path string) error) (location.Location, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasValue {
		return nil, errors.E("writevalue", name, errors.Precondition, errors.New("datum has no in-memory value"))
	}
	if err := write(d.value, path); err != nil {
		return nil, errors.E("writevalue", name, path, err)
	}
	loc := r.Resolver.Resolve(host, path)
	r.addLocationLocked(d, loc)
	d.onFile = true
	return loc, nil
}

// RemoveValue drops name's in-memory value.
func (r *Registry) RemoveValue(name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.value, d.hasValue = nil, false
	d.mu.Unlock()
	return nil
}
