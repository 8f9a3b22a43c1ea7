package sched

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/grailbio/locus"
)

// ExpVarScheduler is the prefix of the scheduler stats exported name.
const expVarScheduler = "scheduler"

// OverallStats is the overall scheduler stats.
type OverallStats struct {
	// TotalWorkers is the total number of workers added.
	TotalWorkers int64
	// TotalActions is the total number of actions submitted.
	TotalActions int64
	// States counts actions per state.
	States map[string]int64
}

// WorkerStatsData is the per worker stats snapshot.
type WorkerStatsData struct {
	// Host is the worker's host.
	Host string
	// Available is the currently available resources.
	Available locus.ResourceDescription
	// Hosted is the list of actions running on the worker, in start order.
	Hosted []int
	// Blocked is the list of actions queued on the worker.
	Blocked []int
}

// ActionStatsData is a snapshot of the action stats.
type ActionStatsData struct {
	// Name is the task name.
	Name string
	// State is the current state of the action.
	State ActionState
	// Worker is the worker the action last ran on.
	Worker string
	// Attempt is the action's current attempt.
	Attempt int
	// Error if not nil, is the action error.
	Error error
}

// StatsData is a immutable snapshot of Stats, usually obtained by calling Stats.GetStats().
type StatsData struct {
	// OverallStats has the overall scheduler stats.
	OverallStats
	// Workers has all the worker stats.
	Workers map[string]WorkerStatsData
	// Actions has all the action state and stats, including terminal actions.
	Actions map[int]ActionStatsData
}

// Stats has all the scheduler stats, including worker and action
// states. It is updated by the scheduler's loop and is safe to read
// concurrently.
type Stats struct {
	mu      sync.Mutex
	workers map[string]WorkerStatsData
	actions map[int]ActionStatsData
	total   int64
}

var (
	mu                sync.Mutex
	exportNameCounter int
)

func newStats() *Stats {
	return &Stats{
		workers: make(map[string]WorkerStatsData),
		actions: make(map[int]ActionStatsData),
	}
}

// Publish publishes the stats as a go expvar and returns its name.
func (s *Stats) Publish() string {
	mu.Lock()
	name := expVarScheduler + fmt.Sprintf("-%d", exportNameCounter)
	exportNameCounter++
	mu.Unlock()
	expvar.Publish(name, expvar.Func(func() interface{} { return s.GetStats() }))
	return name
}

// SetWorker records the current state of a worker.
func (s *Stats) SetWorker(w *Worker) {
	if s == nil {
		return
	}
	d := WorkerStatsData{Host: w.Host, Available: w.available.Copy()}
	for _, a := range w.hosted {
		d.Hosted = append(d.Hosted, a.ID)
	}
	for _, a := range w.blocked {
		d.Blocked = append(d.Blocked, a.ID)
	}
	s.mu.Lock()
	s.workers[w.Name] = d
	s.mu.Unlock()
}

// SetAction records the current state of an action.
func (s *Stats) SetAction(a *Action) {
	if s == nil {
		return
	}
	a.mu.Lock()
	d := ActionStatsData{
		Name:    a.Task.Name,
		State:   a.state,
		Worker:  a.Worker,
		Attempt: a.attempt,
		Error:   a.Err,
	}
	a.mu.Unlock()
	s.mu.Lock()
	if _, ok := s.actions[a.ID]; !ok {
		s.total++
	}
	s.actions[a.ID] = d
	s.mu.Unlock()
}

// GetStats returns a snapshot of the scheduler stats.
func (s *Stats) GetStats() StatsData {
	var copy StatsData
	s.mu.Lock()
	defer s.mu.Unlock()
	copy.TotalWorkers = int64(len(s.workers))
	copy.TotalActions = s.total
	copy.States = make(map[string]int64)
	copy.Workers = make(map[string]WorkerStatsData, len(s.workers))
	for k, v := range s.workers {
		v.Hosted = append([]int(nil), v.Hosted...)
		v.Blocked = append([]int(nil), v.Blocked...)
		copy.Workers[k] = v
	}
	copy.Actions = make(map[int]ActionStatsData, len(s.actions))
	for k, v := range s.actions {
		copy.Actions[k] = v
		copy.States[v.State.String()]++
	}
	return copy
}
