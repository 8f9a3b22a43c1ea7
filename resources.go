// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package locus

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/locus/errors"
)

// Unassigned marks a size that was never specified. Unassigned
// sizes match any requirement and are left untouched by arithmetic.
const Unassigned = -1

// ProcessorType is the class of a computing unit.
type ProcessorType int

const (
	// CPU denotes general purpose cores.
	CPU ProcessorType = iota
	// GPU denotes GPU devices.
	GPU
	// FPGA denotes FPGA devices.
	FPGA
	// OtherProcessor denotes any other kind of accelerator.
	OtherProcessor

	maxProcessorType
)

var processorTypeNames = [maxProcessorType]string{
	CPU:            "cpu",
	GPU:            "gpu",
	FPGA:           "fpga",
	OtherProcessor: "other",
}

// String returns the lower-case name of processor type t.
func (t ProcessorType) String() string {
	if t < CPU || t >= maxProcessorType {
		return fmt.Sprintf("processortype(%d)", int(t))
	}
	return processorTypeNames[t]
}

// ParseProcessorType returns the processor type named by s.
func ParseProcessorType(s string) (ProcessorType, error) {
	s = strings.ToLower(s)
	for t, name := range processorTypeNames {
		if name == s {
			return ProcessorType(t), nil
		}
	}
	return CPU, errors.E("parseprocessortype", s, errors.Invalid)
}

// ComputingClasses lists the processor classes that are bound to
// physical units, in the order in which they are acquired.
var ComputingClasses = []ProcessorType{CPU, GPU, FPGA}

// Processor describes a group of computing units of one type.
// Empty strings and zero speeds are unassigned and match anything.
type Processor struct {
	// Name identifies the processor within a worker.
	Name string
	// Type is the processor class.
	Type ProcessorType
	// Units is the number of computing units.
	Units int
	// Architecture is the instruction set architecture, e.g., amd64.
	Architecture string
	// Speed is the clock speed in GHz.
	Speed float64
}

// compatible tells whether the (available) processor p may provide
// units for the (requested) processor q. Unit counts are not
// considered.
func (p Processor) compatible(q Processor) bool {
	return p.Type == q.Type &&
		matchString(p.Name, q.Name) &&
		matchString(p.Architecture, q.Architecture) &&
		(p.Speed == 0 || q.Speed == 0 || p.Speed >= q.Speed)
}

// OS describes the operating system of a worker.
type OS struct {
	Type, Distribution, Version string
}

// ResourceDescription describes either the resources required by an
// implementation or the resources offered by a worker (statically,
// or dynamically as they are reserved and released).
//
// Attributes that are unspecified on either side of a comparison
// match: an empty architecture or memory type, an Unassigned size,
// or an empty software or queue list never causes a mismatch.
type ResourceDescription struct {
	// Processors is the list of processors.
	Processors []Processor
	// MemorySize is the amount of main memory, in bytes.
	MemorySize data.Size
	// MemoryType is the memory technology.
	MemoryType string
	// StorageSize is the amount of scratch storage, in bytes.
	StorageSize data.Size
	// StorageType is the storage technology.
	StorageType string
	// StorageBandwidth is the storage bandwidth in MB/s.
	StorageBandwidth int
	// OS is the operating system.
	OS OS
	// Software is the set of installed (or required) applications.
	Software []string
	// Queues is the set of host queues.
	Queues []string
	// WallClockLimit is the maximum running time.
	WallClockLimit time.Duration
}

// Units returns the total number of computing units of type t.
func (r ResourceDescription) Units(t ProcessorType) int {
	var n int
	for _, p := range r.Processors {
		if p.Type == t {
			n += p.Units
		}
	}
	return n
}

// Empty tells whether r requests no countable resources.
func (r ResourceDescription) Empty() bool {
	for _, p := range r.Processors {
		if p.Units > 0 {
			return false
		}
	}
	return r.MemorySize <= 0 && r.StorageSize <= 0 && r.StorageBandwidth <= 0
}

// String renders a compact, human-readable representation of r.
func (r ResourceDescription) String() string {
	var b bytes.Buffer
	b.WriteString("{")
	for _, t := range []ProcessorType{CPU, GPU, FPGA, OtherProcessor} {
		if n := r.Units(t); n > 0 {
			fmt.Fprintf(&b, "%s:%d ", t, n)
		}
	}
	if r.MemorySize > 0 {
		fmt.Fprintf(&b, "mem:%s ", r.MemorySize)
	}
	if r.StorageSize > 0 {
		fmt.Fprintf(&b, "disk:%s ", r.StorageSize)
	}
	if len(r.Software) > 0 {
		fmt.Fprintf(&b, "software:%s ", strings.Join(r.Software, ","))
	}
	if len(r.Queues) > 0 {
		fmt.Fprintf(&b, "queues:%s ", strings.Join(r.Queues, ","))
	}
	s := strings.TrimSuffix(b.String(), " ")
	return s + "}"
}

// Copy returns a deep copy of r.
func (r ResourceDescription) Copy() ResourceDescription {
	c := r
	c.Processors = append([]Processor(nil), r.Processors...)
	c.Software = append([]string(nil), r.Software...)
	c.Queues = append([]string(nil), r.Queues...)
	return c
}

// CanHost tells whether the static resources r can host an
// implementation requiring req: every requested processor is
// provided by a compatible processor with enough units, memory and
// storage suffice, and the operating system, software, queues and
// wall-clock constraints are satisfied.
func (r ResourceDescription) CanHost(req ResourceDescription) bool {
	return r.HasAvailable(req) &&
		matchString(r.OS.Type, req.OS.Type) &&
		matchString(r.OS.Distribution, req.OS.Distribution) &&
		matchString(r.OS.Version, req.OS.Version) &&
		containsAll(r.Software, req.Software) &&
		containsAll(r.Queues, req.Queues) &&
		(r.WallClockLimit == 0 || req.WallClockLimit == 0 || r.WallClockLimit >= req.WallClockLimit)
}

// HasAvailable tells whether the dynamic resources of r (computing
// units, memory and storage) currently suffice for req.
func (r ResourceDescription) HasAvailable(req ResourceDescription) bool {
	if _, ok := r.assign(req.Processors); !ok {
		return false
	}
	return includes(int64(r.MemorySize), int64(req.MemorySize)) &&
		matchString(r.MemoryType, req.MemoryType) &&
		includes(int64(r.StorageSize), int64(req.StorageSize)) &&
		matchString(r.StorageType, req.StorageType) &&
		includes(int64(r.StorageBandwidth), int64(req.StorageBandwidth))
}

// assign picks, for each requested processor, the index of the
// first compatible processor of r with enough units left. Requests
// are assigned in order and earlier assignments consume units.
func (r ResourceDescription) assign(reqs []Processor) ([]int, bool) {
	left := make([]int, len(r.Processors))
	for i, p := range r.Processors {
		left[i] = p.Units
	}
	idx := make([]int, len(reqs))
	for j, q := range reqs {
		idx[j] = -1
		if q.Units <= 0 {
			continue
		}
		for i, p := range r.Processors {
			if p.compatible(q) && left[i] >= q.Units {
				left[i] -= q.Units
				idx[j] = i
				break
			}
		}
		if idx[j] < 0 {
			return nil, false
		}
	}
	return idx, true
}

// IncreaseDynamic returns the dynamic resources of s (computing
// units, memory size and storage bandwidth) to r. Units are merged
// into the first compatible processor; processors without a
// compatible counterpart are appended.
func (r *ResourceDescription) IncreaseDynamic(s ResourceDescription) {
	for _, q := range s.Processors {
		merged := false
		for i := range r.Processors {
			if r.Processors[i].compatible(q) {
				r.Processors[i].Units += q.Units
				merged = true
				break
			}
		}
		if !merged {
			r.Processors = append(r.Processors, q)
		}
	}
	r.MemorySize = data.Size(add(int64(r.MemorySize), int64(s.MemorySize)))
	r.StorageBandwidth = int(add(int64(r.StorageBandwidth), int64(s.StorageBandwidth)))
}

// ReduceDynamic reserves the dynamic resources requested by req from
// r, returning the resources actually consumed: the consumed
// processors carry the names and attributes of r's processors, so
// that the reduction can later be returned with IncreaseDynamic.
// ReduceDynamic never drives a quantity negative: if req cannot be
// satisfied, r is left unchanged and an error of kind
// ResourcesExhausted is returned.
func (r *ResourceDescription) ReduceDynamic(req ResourceDescription) (ResourceDescription, error) {
	idx, ok := r.assign(req.Processors)
	if !ok || !r.HasAvailable(req) {
		return ResourceDescription{}, errors.E("reduce", req.String(), errors.ResourcesExhausted)
	}
	var reduced ResourceDescription
	for j, q := range req.Processors {
		if idx[j] < 0 {
			continue
		}
		p := r.Processors[idx[j]]
		p.Units = q.Units
		reduced.Processors = append(reduced.Processors, p)
		r.Processors[idx[j]].Units -= q.Units
	}
	reduced.MemoryType = r.MemoryType
	reduced.MemorySize = data.Size(Unassigned)
	if r.MemorySize != Unassigned && req.MemorySize > 0 {
		r.MemorySize -= req.MemorySize
		reduced.MemorySize = req.MemorySize
	}
	reduced.StorageType = r.StorageType
	reduced.StorageBandwidth = Unassigned
	if r.StorageBandwidth != Unassigned && req.StorageBandwidth > 0 {
		r.StorageBandwidth -= req.StorageBandwidth
		reduced.StorageBandwidth = req.StorageBandwidth
	}
	return reduced, nil
}

// Increase adds the capacity described by s to r: dynamic
// resources, storage size, and the software and queue sets.
func (r *ResourceDescription) Increase(s ResourceDescription) {
	r.IncreaseDynamic(s)
	r.StorageSize = data.Size(add(int64(r.StorageSize), int64(s.StorageSize)))
	r.Software = union(r.Software, s.Software)
	r.Queues = union(r.Queues, s.Queues)
	if s.WallClockLimit > r.WallClockLimit {
		r.WallClockLimit = s.WallClockLimit
	}
}

// Reduce removes the capacity described by s from r. Like
// ReduceDynamic, it fails without modifying r if any countable
// resource would become negative.
func (r *ResourceDescription) Reduce(s ResourceDescription) error {
	if !includes(int64(r.StorageSize), int64(s.StorageSize)) {
		return errors.E("reduce", s.String(), errors.ResourcesExhausted)
	}
	if _, err := r.ReduceDynamic(s); err != nil {
		return err
	}
	if r.StorageSize != Unassigned && s.StorageSize > 0 {
		r.StorageSize -= s.StorageSize
	}
	r.Software = difference(r.Software, s.Software)
	r.Queues = difference(r.Queues, s.Queues)
	return nil
}

// DynamicCommons returns the dynamic resources that r and s have in
// common: for each processor of s, the minimum of its units and the
// units of the first compatible processor of r; and the minimum
// memory size and storage bandwidth when their types are
// compatible.
func (r ResourceDescription) DynamicCommons(s ResourceDescription) ResourceDescription {
	var common ResourceDescription
	for _, q := range s.Processors {
		for _, p := range r.Processors {
			if !p.compatible(q) {
				continue
			}
			c := p
			if q.Units < c.Units {
				c.Units = q.Units
			}
			if c.Units > 0 {
				common.Processors = append(common.Processors, c)
			}
			break
		}
	}
	if matchString(r.MemoryType, s.MemoryType) {
		common.MemoryType = r.MemoryType
		common.MemorySize = data.Size(minSize(int64(r.MemorySize), int64(s.MemorySize)))
	}
	if matchString(r.StorageType, s.StorageType) {
		common.StorageType = r.StorageType
		common.StorageSize = data.Size(minSize(int64(r.StorageSize), int64(s.StorageSize)))
		common.StorageBandwidth = int(minSize(int64(r.StorageBandwidth), int64(s.StorageBandwidth)))
	}
	return common
}

// Simultaneous returns the number of instances of req that r can
// host at the same time, considering computing units and memory.
// It returns -1 if req requests no countable resource.
func (r ResourceDescription) Simultaneous(req ResourceDescription) int {
	n := -1
	bound := func(avail, need int64) {
		if need <= 0 || avail == Unassigned {
			return
		}
		if k := int(avail / need); n < 0 || k < n {
			n = k
		}
	}
	for _, t := range []ProcessorType{CPU, GPU, FPGA, OtherProcessor} {
		bound(int64(r.Units(t)), int64(req.Units(t)))
	}
	bound(int64(r.MemorySize), int64(req.MemorySize))
	return n
}

func matchString(a, b string) bool {
	return a == "" || b == "" || a == b
}

// includes tells whether available quantity a includes requested
// quantity b. Unassigned quantities match.
func includes(a, b int64) bool {
	return a == Unassigned || b <= 0 || a >= b
}

func add(a, b int64) int64 {
	if a == Unassigned || b <= 0 {
		return a
	}
	return a + b
}

func minSize(a, b int64) int64 {
	switch {
	case a == Unassigned:
		return b
	case b == Unassigned:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// containsAll tells whether set contains every element of req. An
// empty set on either side matches.
func containsAll(set, req []string) bool {
	if len(set) == 0 || len(req) == 0 {
		return true
	}
	m := make(map[string]bool, len(set))
	for _, s := range set {
		m[s] = true
	}
	for _, s := range req {
		if !m[s] {
			return false
		}
	}
	return true
}

func union(a, b []string) []string {
	m := make(map[string]bool)
	for _, s := range a {
		m[s] = true
	}
	for _, s := range b {
		if !m[s] {
			a = append(a, s)
			m[s] = true
		}
	}
	sort.Strings(a)
	return a
}

func difference(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	m := make(map[string]bool)
	for _, s := range b {
		m[s] = true
	}
	var d []string
	for _, s := range a {
		if !m[s] {
			d = append(d, s)
		}
	}
	return d
}
