// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/grailbio/locus/location"
)

// A Copy is a handle to a physical transfer of a datum. Copies are
// created by the transfer layer; the registry only records which
// copies are in progress.
type Copy interface {
	// ID uniquely identifies the copy.
	ID() string
}

// CopyInProgress records that a copy of a datum to Target has been
// started but not yet confirmed finished.
type CopyInProgress struct {
	Copy   Copy
	Target location.Location
}

// LogicalData is the registry record of one renaming: its optional
// in-memory value and the set of locations where consistent copies
// are known to exist. Each LogicalData guards its own fields; it is
// mutated only through its Registry.
type LogicalData struct {
	name string

	mu         sync.Mutex
	value      interface{}
	hasValue   bool
	onFile     bool
	locations  map[string]location.Location
	copies     []CopyInProgress
	beingSaved bool
	pscoID     string
	removed    bool

	// hostRemoval is a one-permit semaphore that serializes eviction
	// of the datum from hosts.
	hostRemoval chan struct{}
}

func newLogicalData(name string) *LogicalData {
	return &LogicalData{
		name:        name,
		locations:   make(map[string]location.Location),
		hostRemoval: make(chan struct{}, 1),
	}
}

// Name returns the datum's renaming.
func (d *LogicalData) Name() string {
	return d.name
}

// Value returns the datum's in-memory value, if any.
func (d *LogicalData) Value() (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.hasValue
}

// OnFile tells whether the in-memory value has been written to a
// file.
func (d *LogicalData) OnFile() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onFile
}

// PersistentID returns the id of the datum in persistent storage,
// if it has a persistent location.
func (d *LogicalData) PersistentID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pscoID
}

// IsBeingSaved tells whether an eviction has handed out an
// obligation to save the datum that has not yet been fulfilled.
func (d *LogicalData) IsBeingSaved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beingSaved
}

// Locations returns the datum's locations, ordered by
// location.Compare.
func (d *LogicalData) Locations() []location.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedLocations()
}

func (d *LogicalData) sortedLocations() []location.Location {
	locs := make([]location.Location, 0, len(d.locations))
	for _, loc := range d.locations {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool {
		return location.Compare(locs[i], locs[j]) < 0
	})
	return locs
}

// Copies returns the datum's copies in progress, in the order in
// which they were started.
func (d *LogicalData) Copies() []CopyInProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CopyInProgress(nil), d.copies...)
}

// IsRemoved tells whether the datum has been removed from its
// registry.
func (d *LogicalData) IsRemoved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

type dataJSON struct {
	Name      string       `json:"name"`
	OnFile    bool         `json:"onfile,omitempty"`
	InMemory  bool         `json:"inmemory,omitempty"`
	Locations location.Set `json:"locations"`
	Copies    int          `json:"copies,omitempty"`
}

// MarshalJSON renders a snapshot of the datum's placement. Values
// are not included.
func (d *LogicalData) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	j := dataJSON{
		Name:      d.name,
		OnFile:    d.onFile,
		InMemory:  d.hasValue,
		Locations: location.Set(d.sortedLocations()),
		Copies:    len(d.copies),
	}
	d.mu.Unlock()
	return json.Marshal(j)
}
