// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"sort"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/config"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/registry"
	"github.com/grailbio/locus/resmgr"
	"github.com/grailbio/locus/sched"
	"github.com/grailbio/locus/transfer"
	"github.com/grailbio/locus/worker"
	"golang.org/x/time/rate"
)

// The number of outstanding copies into each host when none is
// configured.
const defaultCopyLimit = 20

// newScheduler returns a new scheduler with the specified
// configuration.
func newScheduler(cfg *config.Config, logger *log.Logger) (*sched.Scheduler, error) {
	policy, err := sched.ParsePolicy(cfg.Scheduler.Policy)
	if err != nil {
		return nil, err
	}
	scheduler := sched.New()
	scheduler.Log = logger.Tee(nil, "scheduler: ")
	scheduler.Policy = policy
	if n := cfg.Scheduler.MaxActionErrors; n > 0 {
		scheduler.MaxActionErrors = n
	}
	scheduler.Stats.Publish()
	return scheduler, nil
}

// newTransferManager returns a transfer manager over the provided
// registry and transport with the configured limits.
func newTransferManager(cfg *config.Config, reg *registry.Registry, transport transfer.Transport, logger *log.Logger) *transfer.Manager {
	limit := cfg.Transfer.MaxCopiesPerHost
	if limit <= 0 {
		limit = defaultCopyLimit
	}
	return &transfer.Manager{
		Log:        logger.Tee(nil, "transfer: "),
		Registry:   reg,
		Transport:  transport,
		Workdir:    cfg.Workdir,
		Copies:     transfer.NewLimits(limit),
		DeleteRate: rate.Limit(cfg.Transfer.DeleteRate),
	}
}

func resourceManager(binders map[locus.ProcessorType]resmgr.Binder, logger *log.Logger) *resmgr.Manager {
	return resmgr.New(binders, logger.Tee(nil, "resources: "))
}

// threads returns the number of execution goroutines of a worker's
// platform: the configured count, or else one per computing unit.
func threads(wc config.Worker) int {
	if wc.Threads > 0 {
		return wc.Threads
	}
	res, err := wc.Resources()
	if err != nil {
		return 1
	}
	n := 0
	for _, class := range locus.ComputingClasses {
		n += res.Units(class)
	}
	if n == 0 {
		n = 1
	}
	return n
}

func sortedKeys(m map[string]*worker.Platform) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
