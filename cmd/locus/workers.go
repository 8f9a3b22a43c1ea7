// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/config"
	"github.com/grailbio/locus/resmgr"
	"github.com/grailbio/locus/sched"
)

func (c *Cmd) config(ctx context.Context, args ...string) {
	flags := flag.NewFlagSet("config", flag.ExitOnError)
	help := `Config writes the active configuration, including flag overrides,
to standard output.`
	c.Parse(flags, args, help, "config")
	if flags.NArg() != 0 {
		flags.Usage()
	}
	b, err := config.Marshal(c.Config)
	if err != nil {
		c.Fatal(err)
	}
	c.Stdout.Write(b)
}

func (c *Cmd) workers(ctx context.Context, args ...string) {
	flags := flag.NewFlagSet("workers", flag.ExitOnError)
	help := `Workers lists the configured workers with their hosts, computing
units, memory and storage. With -disks, the shared disks mounted on
each worker's host are also listed.`
	disksFlag := flags.Bool("disks", false, "list shared disks mounted on each host")
	c.Parse(flags, args, help, "workers [-disks]")
	if flags.NArg() != 0 {
		flags.Usage()
	}
	var tw tabwriter.Writer
	tw.Init(c.Stdout, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(&tw, "name\thost\tcpu\tgpu\tfpga\tmemory\tstorage\tthreads")
	disks := c.Config.Disks()
	for _, w := range c.Config.Workers {
		r, err := w.Resources()
		if err != nil {
			c.Fatal(err)
		}
		fmt.Fprintf(&tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%d\n", w.Name, w.Host,
			r.Units(locus.CPU), r.Units(locus.GPU), r.Units(locus.FPGA),
			r.MemorySize, r.StorageSize, w.Threads)
		if !*disksFlag {
			continue
		}
		for disk, mp := range disks.Mounts(w.Host) {
			fmt.Fprintf(&tw, "\tdisk %s:\t%s\n", disk, mp)
		}
	}
}

func (c *Cmd) lscpu(ctx context.Context, args ...string) {
	flags := flag.NewFlagSet("lscpu", flag.ExitOnError)
	help := `Lscpu prints the CPU socket map of the local host as derived from
lscpu: NUMA nodes first, then sockets. This is the map used by the
automatic CPU binding policy.`
	c.Parse(flags, args, help, "lscpu")
	if flags.NArg() != 0 {
		flags.Usage()
	}
	out, err := resmgr.Lscpu(ctx)
	if err != nil {
		c.Fatal(err)
	}
	m, err := resmgr.ParseLscpu(out)
	if err != nil {
		c.Fatal(err)
	}
	c.Println(m)
}

func (c *Cmd) match(ctx context.Context, args ...string) {
	flags := flag.NewFlagSet("match", flag.ExitOnError)
	help := `Match lists the configured workers that can host the given
requirements, and how many instances of it each can run
simultaneously. Workers are ordered by their placement score for
the configured scheduling policy.`
	var (
		cpus     = flags.Int("cpu", 1, "number of CPU units")
		gpus     = flags.Int("gpu", 0, "number of GPU units")
		fpgas    = flags.Int("fpga", 0, "number of FPGA units")
		arch     = flags.String("arch", "", "processor architecture")
		mem      = flags.String("mem", "", "memory size, e.g., 4GiB")
		software = flags.String("software", "", "comma-separated list of required software")
	)
	c.Parse(flags, args, help, "match [-cpu n] [-gpu n] [-fpga n] [-arch a] [-mem size] [-software s1,s2]")
	if flags.NArg() != 0 {
		flags.Usage()
	}
	var req locus.ResourceDescription
	for _, p := range []struct {
		typ   locus.ProcessorType
		units int
	}{{locus.CPU, *cpus}, {locus.GPU, *gpus}, {locus.FPGA, *fpgas}} {
		if p.units > 0 {
			req.Processors = append(req.Processors, locus.Processor{Type: p.typ, Units: p.units, Architecture: *arch})
		}
	}
	if *mem != "" {
		size, err := config.ParseSize(*mem)
		if err != nil {
			c.Fatal(err)
		}
		req.MemorySize = size.Bytes()
	}
	if *software != "" {
		req.Software = strings.Split(*software, ",")
	}
	policy, err := sched.ParsePolicy(c.Config.Scheduler.Policy)
	if err != nil {
		c.Fatal(err)
	}
	var workers []*sched.Worker
	for _, w := range c.Config.Workers {
		r, err := w.Resources()
		if err != nil {
			c.Fatal(err)
		}
		workers = append(workers, sched.NewWorker(w.Name, w.Host, r))
	}
	matches := sched.MatchWorkers(policy, req, workers)
	if len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "no worker can host %s\n", req)
		os.Exit(1)
	}
	var tw tabwriter.Writer
	tw.Init(c.Stdout, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(&tw, "worker\thost\tscore\tsimultaneous")
	for _, m := range matches {
		fmt.Fprintf(&tw, "%s\t%s\t%s\t%d\n", m.Worker.Name, m.Worker.Host, m.Score, m.Worker.Resources.Simultaneous(req))
	}
}
