// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"fmt"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/sched"
)

// A datum is an application-level piece of data, identified by its
// key. Every write produces a new version; each version is named by
// a distinct renaming in the registry.
type datum struct {
	key     string
	id      int
	version int
	typ     locus.DataType
	// writers maps versions to the actions that produce them.
	// Registered versions have no writer.
	writers map[int]*sched.Action
}

// renaming returns the registry name of version v of d.
func (d *datum) renaming(v int) string {
	return renaming(d.id, v)
}

func renaming(id, v int) string {
	return fmt.Sprintf("d%dv%d", id, v)
}

// A version is one version of a datum.
type version struct {
	d *datum
	v int
}

// An access records how an action uses one of its parameters.
type access struct {
	param locus.Parameter
	// read is the renaming read by the action, if any.
	read string
	// write is the renaming produced by the action, if any.
	write string
}

// RegisterFile declares that the datum with the given key is a file
// stored at path on host, and returns its renaming. Registering a
// key again creates a new version.
func (rt *Runtime) RegisterFile(key, host, path string) (string, error) {
	name := rt.newVersion(key, locus.File)
	rt.registry.Register(name)
	if err := rt.registry.AddLocation(name, rt.resolver.Resolve(host, path)); err != nil {
		return "", err
	}
	return name, nil
}

// RegisterObject declares that the datum with the given key is an
// object whose value is held in the master's memory.
func (rt *Runtime) RegisterObject(key string, value interface{}) (string, error) {
	if rt.Config.Master == "" {
		return "", errors.E("registerobject", key, errors.Precondition, errors.New("no master host configured"))
	}
	name := rt.newVersion(key, locus.Object)
	rt.registry.Register(name)
	loc := location.Private{Host: rt.Config.Master, Path: rt.path(name)}
	if err := rt.registry.AddLocationAndValue(name, loc, value); err != nil {
		return "", err
	}
	return name, nil
}

// RegisterPersistent declares that the datum with the given key is
// the persistent object id in the storage backend.
func (rt *Runtime) RegisterPersistent(key, id string) (string, error) {
	if rt.Storage == nil {
		return "", errors.E("registerpersistent", key, errors.Precondition, errors.New("no storage backend configured"))
	}
	name := rt.newVersion(key, locus.PersistentObject)
	rt.registry.Register(name)
	if err := rt.registry.AddLocation(name, location.Persistent{ID: id}); err != nil {
		return "", err
	}
	return name, nil
}

func (rt *Runtime) newVersion(key string, typ locus.DataType) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d := rt.datumLocked(key, typ)
	d.version++
	return d.renaming(d.version)
}

func (rt *Runtime) datumLocked(key string, typ locus.DataType) *datum {
	d := rt.data[key]
	if d == nil {
		rt.nextData++
		d = &datum{key: key, id: rt.nextData, typ: typ, writers: make(map[int]*sched.Action)}
		rt.data[key] = d
	}
	return d
}

// Submit analyzes the data accesses of task, builds its actions and
// submits them to the scheduler. Regular tasks produce a single
// action. Replicated tasks produce one action per worker, each
// enforced on its worker; they may not write data. Distributed
// tasks are enforced on workers in round-robin order. The returned
// actions may be waited upon for completion.
func (rt *Runtime) Submit(task locus.TaskDescriptor) ([]*sched.Action, error) {
	if rt.cancel == nil {
		return nil, errors.E("submit", task.Name, errors.Precondition, errors.New("runtime not started"))
	}
	if len(task.Implementations) == 0 {
		return nil, errors.E("submit", task.Name, errors.Invalid, errors.New("task has no implementations"))
	}
	if task.Replicated {
		for _, p := range task.Params {
			if p.Type != locus.Basic && p.Type != locus.Stream && p.Direction.Writes() {
				return nil, errors.E("submit", task.Name, errors.Invalid,
					errors.Errorf("replicated task writes %s", p.Data))
			}
		}
	}
	rt.mu.Lock()
	var tasks []locus.TaskDescriptor
	switch {
	case task.Replicated:
		for _, w := range rt.workers {
			t := task
			t.Worker = w.Name
			tasks = append(tasks, t)
		}
	case task.Distributed && task.Worker == "" && len(rt.workers) > 0:
		t := task
		t.Worker = rt.workers[rt.nextRR%len(rt.workers)].Name
		rt.nextRR++
		tasks = append(tasks, t)
	default:
		tasks = append(tasks, task)
	}
	actions := make([]*sched.Action, 0, len(tasks))
	for _, t := range tasks {
		a, err := rt.analyzeLocked(t)
		if err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		actions = append(actions, a)
	}
	rt.mu.Unlock()
	rt.scheduler.Submit(actions...)
	for _, a := range actions {
		go rt.forget(a)
	}
	return actions, nil
}

// analyzeLocked builds the action for task. Reading a version
// depends on the action that produces it; writing produces a new
// version. Since versions are renamed, writers never wait for
// earlier readers. Stream parameters never introduce dependencies.
func (rt *Runtime) analyzeLocked(task locus.TaskDescriptor) (*sched.Action, error) {
	var (
		after    []*sched.Action
		accesses = make([]access, len(task.Params))
		reads    []string
		writes   []string
		seen     = make(map[*sched.Action]bool)
		produced []version
	)
	for _, p := range task.Params {
		if p.Type == locus.Basic || p.Type == locus.Stream || !p.Direction.Reads() {
			continue
		}
		if d := rt.data[p.Data]; d == nil || d.version == 0 {
			return nil, errors.E("submit", task.Name, p.Data, errors.NotExist, errors.New("missing logical data"))
		}
	}
	rt.nextID++
	id := rt.nextID
	for i, p := range task.Params {
		accesses[i].param = p
		if p.Type == locus.Basic || p.Type == locus.Stream {
			continue
		}
		if p.Direction.Reads() {
			d := rt.data[p.Data]
			accesses[i].read = d.renaming(d.version)
			reads = append(reads, accesses[i].read)
			if w := d.writers[d.version]; w != nil && !seen[w] {
				seen[w] = true
				after = append(after, w)
			}
		}
		if p.Direction.Writes() {
			d := rt.datumLocked(p.Data, p.Type)
			d.version++
			accesses[i].write = d.renaming(d.version)
			writes = append(writes, accesses[i].write)
			produced = append(produced, version{d, d.version})
		}
	}
	a := sched.NewAction(id, task, after...)
	a.Reads, a.Writes = reads, writes
	a.Log = rt.Logger.Tee(nil, fmt.Sprintf("%s: ", a))
	for _, w := range produced {
		w.d.writers[w.v] = a
	}
	rt.accesses[id] = accesses
	return a, nil
}

// forget drops the access record of a once it reaches a terminal
// state.
func (rt *Runtime) forget(a *sched.Action) {
	if err := a.Wait(rt.ctx, sched.ActionCompleted); err != nil {
		return
	}
	rt.mu.Lock()
	delete(rt.accesses, a.ID)
	rt.mu.Unlock()
}

// WaitForData waits for the last writer of the datum with the given
// key and returns the renaming of its current version together with
// the locations of its copies. WaitForData fails with the writer's
// error if the writer did not complete.
func (rt *Runtime) WaitForData(ctx context.Context, key string) (string, []location.Location, error) {
	rt.mu.Lock()
	d := rt.data[key]
	if d == nil || d.version == 0 {
		rt.mu.Unlock()
		return "", nil, errors.E("waitfordata", key, errors.NotExist, errors.New("missing logical data"))
	}
	name := d.renaming(d.version)
	w := d.writers[d.version]
	rt.mu.Unlock()
	if w != nil {
		if err := w.Done(ctx); err != nil {
			return "", nil, errors.E("waitfordata", key, err)
		}
	}
	ld, err := rt.registry.Get(name)
	if err != nil {
		return "", nil, errors.E("waitfordata", key, err)
	}
	return name, ld.Locations(), nil
}

// Value returns the in-memory value of the current version of the
// datum with the given key.
func (rt *Runtime) Value(key string) (interface{}, bool) {
	rt.mu.Lock()
	d := rt.data[key]
	if d == nil || d.version == 0 {
		rt.mu.Unlock()
		return nil, false
	}
	name := d.renaming(d.version)
	rt.mu.Unlock()
	ld, err := rt.registry.Get(name)
	if err != nil {
		return nil, false
	}
	return ld.Value()
}

// EvictValue serializes the in-memory value of the current version
// of the datum with the given key to the master's working
// directory, then drops the in-memory value.
func (rt *Runtime) EvictValue(key string) (location.Location, error) {
	if rt.Serialize == nil {
		return nil, errors.E("evictvalue", key, errors.Precondition, errors.New("no serializer configured"))
	}
	rt.mu.Lock()
	d := rt.data[key]
	if d == nil || d.version == 0 {
		rt.mu.Unlock()
		return nil, errors.E("evictvalue", key, errors.NotExist)
	}
	name := d.renaming(d.version)
	rt.mu.Unlock()
	loc, err := rt.registry.WriteValue(name, rt.Config.Master, rt.path(name)+".ser", rt.Serialize)
	if err != nil {
		return nil, err
	}
	return loc, rt.registry.RemoveValue(name)
}

// DeleteData removes every version of the datum with the given key
// from the registry. Hosts holding copies are told that they are
// obsolete; they are deleted by the next Collect.
func (rt *Runtime) DeleteData(key string) error {
	rt.mu.Lock()
	d := rt.data[key]
	delete(rt.data, key)
	rt.mu.Unlock()
	if d == nil {
		return errors.E("deletedata", key, errors.NotExist)
	}
	for v := 1; v <= d.version; v++ {
		if _, err := rt.registry.Remove(d.renaming(v)); err != nil && !errors.Is(errors.NotExist, err) {
			return errors.E("deletedata", key, err)
		}
	}
	return nil
}
