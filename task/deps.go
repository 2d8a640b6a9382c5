package task

import (
	"fmt"
	"sort"
	"sync"
)

// DepState is the dispatch verdict for a task's dependencies.
type DepState int

const (
	DepsReady DepState = iota
	DepsWaiting
	DepsBroken
)

// Resolver is the ledger of terminal task outcomes. A Completed entry is
// written before dependents are woken, so a dependent can never be dispatched
// ahead of the transition it waits on.
type Resolver struct {
	mu      sync.RWMutex
	outcome map[string]Status
}

func NewResolver() *Resolver {
	return &Resolver{outcome: make(map[string]Status)}
}

// Record stores the terminal status of a task.
func (r *Resolver) Record(id string, s Status) {
	r.mu.Lock()
	r.outcome[id] = s
	r.mu.Unlock()
}

// Satisfied reports whether every dependency of t has completed.
func (r *Resolver) Satisfied(t *Task) bool {
	state, _, _ := r.Check(t)
	return state == DepsReady
}

// Check returns the dependency verdict and, for a broken chain, the id of the
// dependency that ended without completing along with its status.
func (r *Resolver) Check(t *Task) (DepState, string, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := DepsReady
	for _, id := range t.Dependencies {
		s, ok := r.outcome[id]
		switch {
		case !ok:
			state = DepsWaiting
		case s == StatusCompleted:
		default:
			return DepsBroken, id, s
		}
	}
	return state, "", ""
}

// Outcome returns the recorded status of a task, if terminal.
func (r *Resolver) Outcome(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.outcome[id]
	return s, ok
}

// Forget drops ledger entries for tasks no longer retained.
func (r *Resolver) Forget(ids ...string) {
	r.mu.Lock()
	for _, id := range ids {
		delete(r.outcome, id)
	}
	r.mu.Unlock()
}

func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outcome)
}

// checkAcyclic runs Kahn's algorithm over the edges that stay inside one
// job. deps maps task id to the ids it waits on.
func checkAcyclic(deps map[string][]string) error {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, ds := range deps {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, d := range ds {
			if _, local := deps[d]; !local {
				continue
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited == len(indegree) {
		return nil
	}

	var stuck []string
	for id, n := range indegree {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
}
