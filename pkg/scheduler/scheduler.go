// Package scheduler implements the two-pass, cache-aware DAG traversal that
// drives a workflow: Scheduler is the generic, dependency-tracking state
// machine from §4.F (three disjoint node sets, shrinking dependency sets,
// cycle detection); Workflow wires it to pkg/cache and pkg/transform to
// implement the reverse-fetch / forward-execute policy described in the same
// section, mirroring the mutex-guarded style of pkg/scheduler/scheduler.go in
// the teacher repo.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
)

// ErrCyclicGraph is raised when no node is schedulable, nothing is in
// flight, and work remains — the condition Testable Property 4 requires be
// detected without hanging.
var ErrCyclicGraph = fmt.Errorf("scheduler: graph has a cycle")

// Scheduler tracks which of a fixed node set are unscheduled, scheduled
// (dispatched but not finished), or complete, alongside a dependency map that
// shrinks as producers finish. N is typically a transform's string ID.
type Scheduler[N comparable] struct {
	mu sync.RWMutex

	deps        map[N]map[N]struct{} // node -> remaining dependencies
	unscheduled map[N]struct{}
	scheduled   map[N]struct{}
	complete    map[N]struct{}
}

// New builds a Scheduler over dependencyMap, where dependencyMap[n] lists
// every node that must complete before n may be scheduled (its
// predecessors). Nodes named only as a value need not appear as a key; they
// are treated as having no dependencies of their own.
func New[N comparable](dependencyMap map[N][]N) *Scheduler[N] {
	s := &Scheduler[N]{
		deps:        make(map[N]map[N]struct{}),
		unscheduled: make(map[N]struct{}),
		scheduled:   make(map[N]struct{}),
		complete:    make(map[N]struct{}),
	}
	for n, preds := range dependencyMap {
		s.ensureNode(n)
		for _, p := range preds {
			s.ensureNode(p)
			s.deps[n][p] = struct{}{}
		}
	}
	return s
}

func (s *Scheduler[N]) ensureNode(n N) {
	if _, ok := s.deps[n]; !ok {
		s.deps[n] = make(map[N]struct{})
		s.unscheduled[n] = struct{}{}
	}
}

// Leaves returns every unscheduled node with no remaining dependencies.
func (s *Scheduler[N]) Leaves() []N {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []N
	for n := range s.unscheduled {
		if len(s.deps[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Schedulable returns the current leaves. If none exist while unscheduled
// work remains and nothing is already in flight, the graph has a cycle.
func (s *Scheduler[N]) Schedulable() ([]N, error) {
	leaves := s.Leaves()
	if len(leaves) == 0 {
		s.mu.RLock()
		remaining := len(s.unscheduled)
		inFlight := len(s.scheduled)
		s.mu.RUnlock()
		if remaining > 0 && inFlight == 0 {
			return nil, ErrCyclicGraph
		}
	}
	return leaves, nil
}

// Schedule moves n from unscheduled to scheduled. Scheduling a node twice,
// or one not currently unscheduled, is an error.
func (s *Scheduler[N]) Schedule(n N) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unscheduled[n]; !ok {
		return fmt.Errorf("scheduler: node is not unscheduled, cannot schedule")
	}
	delete(s.unscheduled, n)
	s.scheduled[n] = struct{}{}
	return nil
}

// Finish moves n from scheduled to complete and drops n from every other
// node's remaining-dependency set.
func (s *Scheduler[N]) Finish(n N) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[n]; !ok {
		return fmt.Errorf("scheduler: node is not scheduled, cannot finish")
	}
	delete(s.scheduled, n)
	s.complete[n] = struct{}{}
	for _, remaining := range s.deps {
		delete(remaining, n)
	}
	return nil
}

// Unscheduled, Scheduled, and Complete return the nodes currently in each
// state, in no particular order.
func (s *Scheduler[N]) Unscheduled() []N { return s.snapshot(s.unscheduled) }
func (s *Scheduler[N]) Scheduled() []N   { return s.snapshot(s.scheduled) }
func (s *Scheduler[N]) Complete() []N    { return s.snapshot(s.complete) }

// Incomplete returns every node not yet marked complete (unscheduled or
// scheduled).
func (s *Scheduler[N]) Incomplete() []N {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]N, 0, len(s.unscheduled)+len(s.scheduled))
	for n := range s.unscheduled {
		out = append(out, n)
	}
	for n := range s.scheduled {
		out = append(out, n)
	}
	return out
}

// Blocked returns the unscheduled nodes that are not currently leaves, i.e.
// still waiting on at least one dependency.
func (s *Scheduler[N]) Blocked() []N {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []N
	for n := range s.unscheduled {
		if len(s.deps[n]) > 0 {
			out = append(out, n)
		}
	}
	return out
}

func (s *Scheduler[N]) snapshot(set map[N]struct{}) []N {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]N, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// sortStrings sorts ss in place and returns it, for deterministic output over
// string-keyed node sets.
func sortStrings(ss []string) []string {
	sort.Strings(ss)
	return ss
}
