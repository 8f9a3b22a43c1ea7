// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package resmgr

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grailbio/locus/errors"
)

// Lscpu runs lscpu(1) and returns its output.
var Lscpu = func(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "lscpu").Output()
	if err != nil {
		return "", errors.E("lscpu", errors.Unavailable, err)
	}
	return string(out), nil
}

// ParseLscpu derives a socket map (see ParseMap) from the output of
// lscpu(1). NUMA node CPU lists are preferred; otherwise units are
// grouped by socket, numbered consecutively; otherwise all CPUs form
// a single group.
func ParseLscpu(out string) (string, error) {
	var (
		sockets, coresPerSocket, threadsPerCore, cpus int
		numa                                          []string
	)
	scan := bufio.NewScanner(strings.NewReader(out))
	for scan.Scan() {
		line := scan.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		switch {
		case strings.Contains(line, "Socket(s):"):
			sockets, _ = strconv.Atoi(last)
		case strings.Contains(line, "Core(s) per socket:"):
			coresPerSocket, _ = strconv.Atoi(last)
		case strings.Contains(line, "Thread(s) per core:"):
			threadsPerCore, _ = strconv.Atoi(last)
		case strings.Contains(line, "NUMA node") && strings.Contains(line, "CPU(s):"):
			// "NUMA node0 CPU(s): 0-7,16-23"
			if len(fields) == 4 {
				numa = append(numa, last)
			}
		case strings.HasPrefix(line, "CPU(s):"):
			cpus, _ = strconv.Atoi(last)
		}
	}
	if err := scan.Err(); err != nil {
		return "", errors.E("parselscpu", err)
	}
	switch {
	case sockets <= 0:
		if cpus <= 0 {
			return "", errors.E("parselscpu", errors.Invalid, errors.New("no CPU count in lscpu output"))
		}
		return fmt.Sprintf("0-%d", cpus-1), nil
	case len(numa) > 0:
		return strings.Join(numa, "/"), nil
	default:
		per := coresPerSocket * threadsPerCore
		if per <= 0 {
			return "", errors.E("parselscpu", errors.Invalid, errors.New("no core count in lscpu output"))
		}
		slots := make([]string, sockets)
		for i := range slots {
			slots[i] = fmt.Sprintf("%d-%d", i*per, (i+1)*per-1)
		}
		return strings.Join(slots, "/"), nil
	}
}
