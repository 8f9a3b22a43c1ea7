// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package location

import (
	"context"
	"strings"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/storage"
)

// A Resolver turns (host, path) pairs into locations and locations
// into URIs. Storage may be nil if no persistent storage backend is
// configured; persistent locations then cannot be resolved.
type Resolver struct {
	// Disks is the shared disk table consulted for resolution.
	Disks *SharedDisks
	// Storage is the persistent storage backend.
	Storage storage.Backend
}

// Resolve returns the most specific location for path on host: if
// a shared disk mounted on host has a mountpoint that is a prefix of
// path, Resolve returns the Shared location relative to that
// mountpoint, otherwise a Private location.
func (r *Resolver) Resolve(host, path string) Location {
	if r.Disks != nil {
		if disk, mp, ok := r.Disks.Match(host, path); ok {
			rel := strings.TrimPrefix(strings.TrimPrefix(path, mp), "/")
			return Shared{Disk: disk, Path: rel}
		}
	}
	return Private{Host: host, Path: path}
}

// URIInHost returns the URI through which loc is accessible from
// host, or nil if loc is not accessible from host. Persistent
// locations are looked up in the storage backend; failures to
// retrieve their hosts are returned as errors of kind
// errors.Unlocatable.
func (r *Resolver) URIInHost(ctx context.Context, loc Location, host string) (*URI, error) {
	switch loc := loc.(type) {
	case Private:
		if loc.Host != host {
			return nil, nil
		}
		return &URI{Scheme: "file", Host: host, Path: loc.Path}, nil
	case Shared:
		if r.Disks == nil {
			return nil, nil
		}
		mp, ok := r.Disks.Mountpoint(loc.Disk, host)
		if !ok {
			return nil, nil
		}
		return &URI{Scheme: "file", Host: host, Path: loc.PathIn(mp)}, nil
	case Persistent:
		hosts, err := r.persistentHosts(ctx, loc)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			if h == host {
				return &URI{Scheme: "storage", Host: host, Path: loc.ID}, nil
			}
		}
		return nil, nil
	default:
		panic(errors.Errorf("invalid location type %T", loc))
	}
}

// Hosts returns the hosts from which loc is accessible.
func (r *Resolver) Hosts(ctx context.Context, loc Location) ([]string, error) {
	switch loc := loc.(type) {
	case Private:
		return []string{loc.Host}, nil
	case Shared:
		if r.Disks == nil {
			return nil, nil
		}
		return r.Disks.Hosts(loc.Disk), nil
	case Persistent:
		return r.persistentHosts(ctx, loc)
	default:
		panic(errors.Errorf("invalid location type %T", loc))
	}
}

// URIs returns the URIs of loc on every host from which it is
// accessible.
func (r *Resolver) URIs(ctx context.Context, loc Location) ([]URI, error) {
	hosts, err := r.Hosts(ctx, loc)
	if err != nil {
		return nil, err
	}
	var uris []URI
	for _, h := range hosts {
		u, err := r.URIInHost(ctx, loc, h)
		if err != nil {
			return nil, err
		}
		if u != nil {
			uris = append(uris, *u)
		}
	}
	return uris, nil
}

func (r *Resolver) persistentHosts(ctx context.Context, loc Persistent) ([]string, error) {
	if r.Storage == nil {
		return nil, errors.E("locations", loc.ID, errors.Unlocatable, errors.New("no persistent storage backend"))
	}
	hosts, err := r.Storage.Locations(ctx, loc.ID)
	if err != nil {
		return nil, errors.E("locations", loc.ID, errors.Unlocatable, err)
	}
	return hosts, nil
}
