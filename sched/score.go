// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"
	"sort"

	"github.com/grailbio/locus"
	"github.com/grailbio/locus/errors"
)

// Policy determines how candidate placements are scored.
type Policy int

const (
	// LoadBalancing prefers the worker left with the most free
	// computing units.
	LoadBalancing Policy = iota
	// Packing prefers the worker left with the fewest free computing
	// units, so that idle workers stay idle.
	Packing
)

func (p Policy) String() string {
	switch p {
	case LoadBalancing:
		return "loadbalancing"
	case Packing:
		return "packing"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "loadbalancing":
		return LoadBalancing, nil
	case "packing":
		return Packing, nil
	}
	return 0, errors.E("parsepolicy", s, errors.Invalid, errors.New("unknown scheduling policy"))
}

// Score is the value of a candidate placement. Scores are compared
// lexicographically; a larger score is better.
type Score struct {
	// Priority is 1 for priority actions.
	Priority int
	// Locality is the number of the action's inputs already present
	// on the worker's host.
	Locality int
	// Resources is the policy-dependent resource term.
	Resources int
}

// Less tells whether s is worse than t.
func (s Score) Less(t Score) bool {
	if s.Priority != t.Priority {
		return s.Priority < t.Priority
	}
	if s.Locality != t.Locality {
		return s.Locality < t.Locality
	}
	return s.Resources < t.Resources
}

func (s Score) String() string {
	return fmt.Sprintf("(%d %d %d)", s.Priority, s.Locality, s.Resources)
}

// candidate is a compatible (worker, implementation) pair for an
// action.
type candidate struct {
	worker *Worker
	impl   locus.Implementation
	score  Score
}

func (c candidate) String() string {
	return fmt.Sprintf("%s impl %s score %s", c.worker.Name, c.impl, c.score)
}

// score computes the score of placing a on w with implementation
// impl under policy p. The locate function returns the hosts on
// which a renaming is present.
func score(p Policy, a *Action, w *Worker, impl locus.Implementation, locate func(string) []string) Score {
	var s Score
	if a.Task.Priority {
		s.Priority = 1
	}
	if locate != nil {
		for _, name := range a.Reads {
			for _, host := range locate(name) {
				if host == w.Host {
					s.Locality++
					break
				}
			}
		}
	}
	left := w.free()
	for _, t := range locus.ComputingClasses {
		left -= impl.Requirements.Units(t)
	}
	switch p {
	case Packing:
		s.Resources = -left
	default:
		s.Resources = left
	}
	return s
}

// sortCandidates orders candidates from best to worst. Equal scores
// are ordered by worker name, then by implementation ID, so that
// placement is reproducible.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		if ci.score != cj.score {
			return cj.score.Less(ci.score)
		}
		if ci.worker.Name != cj.worker.Name {
			return ci.worker.Name < cj.worker.Name
		}
		return ci.impl.ID < cj.impl.ID
	})
}

// A Match is a worker able to host a requirement, with the score of
// placing the requirement on it.
type Match struct {
	Worker *Worker
	Score  Score
}

// MatchWorkers returns the workers whose static resources can host req,
// ordered from best to worst placement under policy p.
func MatchWorkers(p Policy, req locus.ResourceDescription, workers []*Worker) []Match {
	var (
		a     = NewAction(0, locus.TaskDescriptor{})
		impl  = locus.Implementation{Requirements: req}
		cands []candidate
	)
	for _, w := range workers {
		if !w.Resources.CanHost(req) {
			continue
		}
		cands = append(cands, candidate{worker: w, impl: impl, score: score(p, a, w, impl, nil)})
	}
	sortCandidates(cands)
	matches := make([]Match, len(cands))
	for i, c := range cands {
		matches[i] = Match{c.worker, c.score}
	}
	return matches
}
