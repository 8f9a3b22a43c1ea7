// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package resmgr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/locus/errors"
)

const free = -1

// A Binder tracks which computing units of one class are bound to
// which jobs. Binders are safe for concurrent use.
type Binder interface {
	// Bind binds n units to the job with the provided id and returns
	// the identifiers of the bound units. Preferred units are reused
	// when exactly n are given and all of them are free. Bind fails
	// with errors.ResourcesExhausted, leaving the binder unchanged,
	// when fewer than n units are free.
	Bind(jobID, n int, preferred []int) ([]int, error)
	// Release frees every unit bound to the job.
	Release(jobID int)
	// Bound returns the number of units currently bound.
	Bound() int
}

// Unbound is a binder that does not track units: every bind
// succeeds and returns no identifiers.
type Unbound struct{}

// Bind implements Binder.
func (Unbound) Bind(jobID, n int, preferred []int) ([]int, error) { return nil, nil }

// Release implements Binder.
func (Unbound) Release(jobID int) {}

// Bound implements Binder.
func (Unbound) Bound() int { return 0 }

// String returns "unbound".
func (Unbound) String() string { return "unbound" }

// CountBound is a binder that only counts units; units have no
// identity.
type CountBound struct {
	total int

	mu    sync.Mutex
	used  int
	byJob map[int]int
}

// NewCountBound returns a counting binder over total units.
func NewCountBound(total int) *CountBound {
	return &CountBound{total: total, byJob: make(map[int]int)}
}

// Bind implements Binder.
func (b *CountBound) Bind(jobID, n int, preferred []int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total-b.used < n {
		return nil, errors.E("bind", fmt.Sprint(jobID), errors.ResourcesExhausted,
			errors.Errorf("need %d units, %d of %d free", n, b.total-b.used, b.total))
	}
	b.used += n
	b.byJob[jobID] += n
	return nil, nil
}

// Release implements Binder.
func (b *CountBound) Release(jobID int) {
	b.mu.Lock()
	b.used -= b.byJob[jobID]
	delete(b.byJob, jobID)
	b.mu.Unlock()
}

// Bound implements Binder.
func (b *CountBound) Bound() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// String returns a description of the binder.
func (b *CountBound) String() string {
	return fmt.Sprintf("count(%d)", b.total)
}

// MapBound is a binder over a static map of physical units grouped
// by socket (or NUMA node). Jobs are placed on as few sockets as
// possible: sockets are tried in decreasing order of free units, and
// a job spills to the next socket only when the current one is
// exhausted.
type MapBound struct {
	mu      sync.Mutex
	sockets [][]int
	owner   map[int]int
	order   []int
}

// ParseMap parses a socket map of the form "0-3,8/4-7,9": sockets
// are separated by "/", intervals by ",", and an interval is either
// a single unit or an inclusive range "lo-hi". Units may not appear
// twice.
func ParseMap(s string) ([][]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.E("parsemap", errors.Invalid, errors.New("empty map"))
	}
	seen := make(map[int]bool)
	var sockets [][]int
	for _, slot := range strings.Split(s, "/") {
		var units []int
		for _, interval := range strings.Split(slot, ",") {
			bounds := strings.Split(strings.TrimSpace(interval), "-")
			if len(bounds) > 2 {
				return nil, errors.E("parsemap", s, errors.Invalid, errors.Errorf("bad interval %q", interval))
			}
			lo, err := strconv.Atoi(bounds[0])
			if err != nil || lo < 0 {
				return nil, errors.E("parsemap", s, errors.Invalid, errors.Errorf("bad interval %q", interval))
			}
			hi := lo
			if len(bounds) == 2 {
				hi, err = strconv.Atoi(bounds[1])
				if err != nil || hi < lo {
					return nil, errors.E("parsemap", s, errors.Invalid, errors.Errorf("bad interval %q", interval))
				}
			}
			for u := lo; u <= hi; u++ {
				if seen[u] {
					return nil, errors.E("parsemap", s, errors.Invalid, errors.Errorf("unit %d listed twice", u))
				}
				seen[u] = true
				units = append(units, u)
			}
		}
		sockets = append(sockets, units)
	}
	return sockets, nil
}

// NewMapBound returns a binder over the socket map s (see ParseMap).
func NewMapBound(s string) (*MapBound, error) {
	sockets, err := ParseMap(s)
	if err != nil {
		return nil, err
	}
	b := &MapBound{sockets: sockets, owner: make(map[int]int)}
	for _, socket := range sockets {
		for _, u := range socket {
			b.owner[u] = free
		}
	}
	b.updatePriority()
	return b, nil
}

// Units returns the total number of units in the map.
func (b *MapBound) Units() int {
	return len(b.owner)
}

// Bind implements Binder.
func (b *MapBound) Bind(jobID, n int, preferred []int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(preferred) == n && b.allFree(preferred) {
		for _, u := range preferred {
			b.owner[u] = jobID
		}
		b.updatePriority()
		return append([]int(nil), preferred...), nil
	}
	var (
		assigned = make([]int, 0, n)
		need     = n
	)
	for _, i := range b.order {
		avail := b.available(i)
		if avail == 0 {
			break
		}
		for _, u := range b.sockets[i] {
			if len(assigned) == n {
				break
			}
			if b.owner[u] == free {
				assigned = append(assigned, u)
			}
		}
		if avail >= need {
			need = 0
			break
		}
		need -= avail
	}
	if need > 0 {
		return nil, errors.E("bind", fmt.Sprint(jobID), errors.ResourcesExhausted,
			errors.Errorf("need %d units, %d of %d free", n, n-need, len(b.owner)))
	}
	for _, u := range assigned {
		b.owner[u] = jobID
	}
	b.updatePriority()
	return assigned, nil
}

// Release implements Binder.
func (b *MapBound) Release(jobID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for u, job := range b.owner {
		if job == jobID {
			b.owner[u] = free
		}
	}
	b.updatePriority()
}

// Bound implements Binder.
func (b *MapBound) Bound() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, job := range b.owner {
		if job != free {
			n++
		}
	}
	return n
}

// String renders the socket map in the format accepted by ParseMap.
func (b *MapBound) String() string {
	slots := make([]string, len(b.sockets))
	for i, socket := range b.sockets {
		units := make([]string, len(socket))
		for j, u := range socket {
			units[j] = strconv.Itoa(u)
		}
		slots[i] = strings.Join(units, ",")
	}
	return "map(" + strings.Join(slots, "/") + ")"
}

func (b *MapBound) allFree(units []int) bool {
	for _, u := range units {
		if job, ok := b.owner[u]; !ok || job != free {
			return false
		}
	}
	return true
}

func (b *MapBound) available(socket int) int {
	var n int
	for _, u := range b.sockets[socket] {
		if b.owner[u] == free {
			n++
		}
	}
	return n
}

// updatePriority orders sockets by decreasing number of free units;
// ties keep socket order.
func (b *MapBound) updatePriority() {
	if b.order == nil {
		b.order = make([]int, len(b.sockets))
	}
	for i := range b.order {
		b.order[i] = i
	}
	avail := make([]int, len(b.sockets))
	for i := range b.sockets {
		avail[i] = b.available(i)
	}
	sort.SliceStable(b.order, func(i, j int) bool {
		return avail[b.order[i]] > avail[b.order[j]]
	})
}
