// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/location"
	"github.com/grailbio/locus/sched"
	"github.com/grailbio/locus/storage"
	"github.com/grailbio/locus/worker"
)

// invoke runs a placed action. Its inputs are staged on the
// action's host, the task is run on the worker's platform, or by the
// storage backend for tasks on persistent objects, and its outputs
// are registered on success.
func (rt *Runtime) invoke(ctx context.Context, a *sched.Action) error {
	rt.mu.Lock()
	accesses := rt.accesses[a.ID]
	rt.mu.Unlock()

	staged, err := rt.transfer.Stage(ctx, a.Host, a.Reads...)
	if err != nil {
		return errors.E("stage", a.String(), err)
	}
	if id, ok := rt.storageTarget(a.Task, accesses); ok {
		return rt.invokeStorage(ctx, a, id, accesses, staged)
	}

	var (
		args    []string
		outputs = make(map[string]location.Location)
	)
	for _, acc := range accesses {
		p := acc.param
		switch {
		case p.Type == locus.Basic:
			args = append(args, fmt.Sprint(p.Value))
			continue
		case p.Type == locus.Stream:
			args = append(args, p.Data)
			continue
		}
		if acc.read != "" {
			args = append(args, staged[acc.read].String())
		}
		if acc.write != "" {
			loc := rt.resolver.Resolve(a.Host, rt.path(acc.write))
			u, err := rt.resolver.URIInHost(ctx, loc, a.Host)
			if err != nil {
				return errors.E("invoke", a.String(), err)
			}
			if u == nil {
				return errors.E("invoke", a.String(), errors.Unlocatable,
					errors.Errorf("output %s is not accessible from %s", loc, a.Host))
			}
			args = append(args, u.String())
			outputs[acc.write] = loc
		}
	}

	p, ok := rt.platforms[a.Worker]
	if !ok {
		return errors.E("invoke", a.String(), a.Worker, errors.NotExist, errors.New("no platform for worker"))
	}
	job := worker.NewJob(a.ID, a.Impl, args...)
	job.Log = a.Log
	if err := p.Submit(job); err != nil {
		return err
	}
	if err := job.Wait(ctx); err != nil {
		return err
	}
	for _, name := range sortedNames(outputs) {
		rt.registry.Register(name)
		if err := rt.registry.AddLocation(name, outputs[name]); err != nil {
			return errors.E("invoke", a.String(), name, err)
		}
	}
	return nil
}

// storageTarget returns the persistent id of the task's target
// object if the task is to be run by the storage backend.
func (rt *Runtime) storageTarget(task locus.TaskDescriptor, accesses []access) (string, bool) {
	if rt.Storage == nil || task.Target < 0 || task.Target >= len(accesses) {
		return "", false
	}
	acc := accesses[task.Target]
	if acc.param.Type != locus.PersistentObject || acc.read == "" {
		return "", false
	}
	d, err := rt.registry.Get(acc.read)
	if err != nil {
		return "", false
	}
	id := d.PersistentID()
	return id, id != ""
}

// invokeStorage runs a task on its target persistent object through
// the storage backend. The resulting object, if any, becomes the
// new version of the target when the task writes it.
func (rt *Runtime) invokeStorage(ctx context.Context, a *sched.Action, id string, accesses []access, staged map[string]location.URI) error {
	var args []string
	for i, acc := range accesses {
		switch {
		case i == a.Task.Target:
		case acc.param.Type == locus.Basic:
			args = append(args, fmt.Sprint(acc.param.Value))
		case acc.param.Type == locus.Stream:
			args = append(args, acc.param.Data)
		case acc.read != "":
			args = append(args, staged[acc.read].String())
		}
	}
	exec, err := rt.Storage.ExecuteTask(ctx, storage.Task{
		ID:     id,
		Method: a.Impl.Signature,
		Args:   args,
		Host:   a.Host,
	})
	if err != nil {
		return errors.E("invoke", a.String(), err)
	}
	result, err := exec.Wait(ctx)
	if err != nil {
		return errors.E("invoke", a.String(), err)
	}
	if out := accesses[a.Task.Target].write; out != "" && result != "" {
		rt.registry.Register(out)
		if err := rt.registry.AddLocation(out, location.Persistent{ID: result}); err != nil {
			return errors.E("invoke", a.String(), out, err)
		}
	}
	return nil
}

func sortedNames(m map[string]location.Location) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
