// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package location implements the values that describe where a
// physical copy of a logical datum resides: a path private to a
// host, a path relative to a shared disk, or an object in persistent
// storage.
//
// Locations are immutable values. Two locations denote the same
// target if they have the same variant and the same fields; Key
// returns a canonical string for use as a map key.
package location

import (
	"fmt"
	"strings"
)

// Kind is the variant of a location.
type Kind int

const (
	// PrivateKind is the kind of Private locations.
	PrivateKind Kind = iota
	// SharedKind is the kind of Shared locations.
	SharedKind
	// PersistentKind is the kind of Persistent locations.
	PersistentKind
)

var kindNames = [...]string{
	PrivateKind:    "private",
	SharedKind:     "shared",
	PersistentKind: "persistent",
}

func (k Kind) String() string {
	if k < PrivateKind || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// A Location is one of Private, Shared or Persistent.
type Location interface {
	// Kind returns the location's variant.
	Kind() Kind
	// Key returns a canonical string identifying the location's
	// target.
	Key() string
	// String renders the location.
	String() string

	location()
}

// Private is a path on a single host.
type Private struct {
	Host, Path string
}

// Kind implements Location.
func (Private) Kind() Kind { return PrivateKind }

// Key implements Location.
func (l Private) Key() string { return "private://" + l.Host + "/" + l.Path }

func (l Private) String() string { return l.Host + ":" + l.Path }

func (Private) location() {}

// Shared is a path relative to the mountpoint of a shared disk.
type Shared struct {
	Disk, Path string
}

// Kind implements Location.
func (Shared) Kind() Kind { return SharedKind }

// Key implements Location.
func (l Shared) Key() string { return "shared://" + l.Disk + "/" + l.Path }

func (l Shared) String() string { return "shared:" + l.Disk + "/" + l.Path }

// PathIn returns the absolute path of the location on a host that
// mounts its disk at mountpoint.
func (l Shared) PathIn(mountpoint string) string {
	mountpoint = strings.TrimSuffix(mountpoint, "/")
	if l.Path == "" {
		if mountpoint == "" {
			return "/"
		}
		return mountpoint
	}
	return mountpoint + "/" + l.Path
}

func (Shared) location() {}

// Persistent is an object in the persistent storage backend.
type Persistent struct {
	ID string
}

// Kind implements Location.
func (Persistent) Kind() Kind { return PersistentKind }

// Key implements Location.
func (l Persistent) Key() string { return "persistent://" + l.ID }

func (l Persistent) String() string { return "persistent:" + l.ID }

func (Persistent) location() {}

// IsTarget tells whether a and b denote the same target: they are of
// the same variant, with the same host and path, disk and path, or
// id.
func IsTarget(a, b Location) bool {
	if a == nil || b == nil {
		return false
	}
	switch a := a.(type) {
	case Private:
		b, ok := b.(Private)
		return ok && a == b
	case Shared:
		b, ok := b.(Shared)
		return ok && a == b
	case Persistent:
		b, ok := b.(Persistent)
		return ok && a == b
	default:
		panic(fmt.Sprintf("invalid location type %T", a))
	}
}

// Compare returns an integer comparing a and b: locations are
// ordered by kind, then by host (or disk) and path, or by id.
func Compare(a, b Location) int {
	if a.Kind() != b.Kind() {
		if a.Kind() < b.Kind() {
			return -1
		}
		return 1
	}
	switch a := a.(type) {
	case Private:
		b := b.(Private)
		if c := strings.Compare(a.Host, b.Host); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	case Shared:
		b := b.(Shared)
		if c := strings.Compare(a.Disk, b.Disk); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	case Persistent:
		return strings.Compare(a.ID, b.(Persistent).ID)
	default:
		panic(fmt.Sprintf("invalid location type %T", a))
	}
}

// URI is a location as accessible from a particular host.
type URI struct {
	// Scheme is "file" for paths and "storage" for persistent objects.
	Scheme string
	// Host is the host from which the URI is accessible.
	Host string
	// Path is the absolute path, or the persistent object id.
	Path string
}

func (u URI) String() string {
	return u.Scheme + "://" + u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}
