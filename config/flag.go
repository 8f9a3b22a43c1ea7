// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"flag"

	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/sched"
)

// Flags exposes a FlagSet that overrides a subset of the
// configuration's toplevel keys.
type Flags struct {
	log             string
	master          string
	policy          string
	maxActionErrors int
	metricsPort     int
}

// Init registers an override flag for each supported key in the
// provided flag set.
func (f *Flags) Init(flags *flag.FlagSet) {
	flags.StringVar(&f.log, "log", "", "override the log level from config")
	flags.StringVar(&f.master, "master", "", "override the master host from config")
	flags.StringVar(&f.policy, "policy", "", "override the scheduling policy from config")
	flags.IntVar(&f.maxActionErrors, "maxactionerrors", 0, "override the number of action errors tolerated from config")
	flags.IntVar(&f.metricsPort, "metricsport", 0, "override the metrics port from config")
}

// Apply applies the flag overrides to cfg. Flags left at their zero
// value do not override.
func (f *Flags) Apply(cfg *Config) error {
	if f.log != "" {
		cfg.Log = f.log
	}
	if f.master != "" {
		cfg.Master = f.master
	}
	if f.policy != "" {
		if _, err := sched.ParsePolicy(f.policy); err != nil {
			return errors.E("flags", "policy", err)
		}
		cfg.Scheduler.Policy = f.policy
	}
	if f.maxActionErrors != 0 {
		cfg.Scheduler.MaxActionErrors = f.maxActionErrors
	}
	if f.metricsPort != 0 {
		cfg.Metrics.Port = f.metricsPort
	}
	return cfg.Validate()
}
