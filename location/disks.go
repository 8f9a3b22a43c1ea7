// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package location

import (
	"sort"
	"strings"
	"sync"
)

// SharedDisks is the table of shared disks: for each disk, the
// hosts that mount it and their mountpoints. It is safe for
// concurrent use.
type SharedDisks struct {
	mu sync.RWMutex
	// byDisk maps disk -> host -> mountpoint.
	byDisk map[string]map[string]string
	// byHost maps host -> disk -> mountpoint.
	byHost map[string]map[string]string
}

// NewSharedDisks returns an empty shared disk table.
func NewSharedDisks() *SharedDisks {
	return &SharedDisks{
		byDisk: make(map[string]map[string]string),
		byHost: make(map[string]map[string]string),
	}
}

// Add records that host mounts disk at mountpoint. Mountpoints are
// stored without trailing slashes.
func (d *SharedDisks) Add(disk, host, mountpoint string) {
	mountpoint = cleanMountpoint(mountpoint)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byDisk[disk] == nil {
		d.byDisk[disk] = make(map[string]string)
	}
	d.byDisk[disk][host] = mountpoint
	if d.byHost[host] == nil {
		d.byHost[host] = make(map[string]string)
	}
	d.byHost[host][disk] = mountpoint
}

// RemoveHost removes every mount of host and returns the disks it
// mounted, in sorted order.
func (d *SharedDisks) RemoveHost(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var disks []string
	for disk := range d.byHost[host] {
		disks = append(disks, disk)
		delete(d.byDisk[disk], host)
		if len(d.byDisk[disk]) == 0 {
			delete(d.byDisk, disk)
		}
	}
	delete(d.byHost, host)
	sort.Strings(disks)
	return disks
}

// Mountpoint returns the mountpoint of disk on host.
func (d *SharedDisks) Mountpoint(disk, host string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mp, ok := d.byDisk[disk][host]
	return mp, ok
}

// Mounts returns a copy of host's disk -> mountpoint table.
func (d *SharedDisks) Mounts(host string) map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := make(map[string]string, len(d.byHost[host]))
	for disk, mp := range d.byHost[host] {
		m[disk] = mp
	}
	return m
}

// Hosts returns the hosts that mount disk, in sorted order.
func (d *SharedDisks) Hosts(disk string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hosts := make([]string, 0, len(d.byDisk[disk]))
	for host := range d.byDisk[disk] {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Match returns the disk mounted on host whose mountpoint is the
// longest prefix of path, together with that mountpoint.
func (d *SharedDisks) Match(host, path string) (disk, mountpoint string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for dk, mp := range d.byHost[host] {
		if !underMountpoint(path, mp) {
			continue
		}
		// Prefer the longest mountpoint; break ties by disk name so
		// that resolution is deterministic.
		if !ok || len(mp) > len(mountpoint) || (len(mp) == len(mountpoint) && dk < disk) {
			disk, mountpoint, ok = dk, mp, true
		}
	}
	return
}

func cleanMountpoint(mp string) string {
	return strings.TrimRight(mp, "/")
}

func underMountpoint(path, mp string) bool {
	if mp == "" {
		return strings.HasPrefix(path, "/")
	}
	return path == mp || strings.HasPrefix(path, mp+"/")
}
