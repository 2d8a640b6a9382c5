package task

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// byPriority orders tasks by priority descending, then creation time
// ascending, then submission order.
func byPriority(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.rt.seq < b.rt.seq
}

type taskHeap struct {
	items []*Task
	less  func(a, b *Task) bool
}

func (h *taskHeap) Len() int           { return len(h.items) }
func (h *taskHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *taskHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *taskHeap) Push(x any)         { h.items = append(h.items, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return t
}

// Drop is a task removed from the queue without dispatch.
type Drop struct {
	Task   *Task
	Status Status
	Reason string
}

// Scheduler is the shared priority queue feeding the worker pool. Tasks stay
// queued until they are eligible: their not-before time has passed and every
// dependency has completed. Ineligible tasks are re-checked on every dequeue
// attempt.
type Scheduler struct {
	mu   sync.Mutex
	heap taskHeap
	seq  uint64

	deps   *Resolver
	poll   time.Duration
	wake   chan struct{}
	onDrop func(Drop)
	now    func() time.Time
}

func NewScheduler(deps *Resolver, poll time.Duration, onDrop func(Drop)) *Scheduler {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Scheduler{
		heap:   taskHeap{less: byPriority},
		deps:   deps,
		poll:   poll,
		wake:   make(chan struct{}, 1),
		onDrop: onDrop,
		now:    time.Now,
	}
}

// Submit enqueues a task. Ownership passes to the queue until Next returns it.
// A resubmitted task keeps its original sequence number.
func (s *Scheduler) Submit(t *Task) {
	s.mu.Lock()
	if t.rt.seq == 0 {
		s.seq++
		t.rt.seq = s.seq
	}
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.Wake()
}

// Wake nudges blocked callers of Next to re-check the queue.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Remove takes every queued task matching fn out of the queue and returns
// them. Ownership passes to the caller.
func (s *Scheduler) Remove(fn func(*Task) bool) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Task
	kept := s.heap.items[:0]
	for _, t := range s.heap.items {
		if fn(t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.heap.items); i++ {
		s.heap.items[i] = nil
	}
	s.heap.items = kept
	heap.Init(&s.heap)
	return removed
}

// Len is the number of queued tasks, eligible or not.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Next blocks until a dispatchable task is available or ctx ends. Between
// attempts it waits for a wake-up, the earliest not-before deadline or the
// poll interval, whichever comes first.
func (s *Scheduler) Next(ctx context.Context) (*Task, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		t, wait, dropped := s.tryPop()
		for _, d := range dropped {
			if s.onDrop != nil {
				s.onDrop(d)
			}
		}
		if t != nil {
			return t, true
		}
		if len(dropped) > 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryPop pops tasks in priority order until one is dispatchable. Held tasks
// are pushed back with their original sequence so FIFO order survives.
func (s *Scheduler) tryPop() (*Task, time.Duration, []Drop) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	wait := s.poll
	var (
		held    []*Task
		dropped []Drop
		found   *Task
	)
	for s.heap.Len() > 0 {
		t := heap.Pop(&s.heap).(*Task)

		if t.cancelled() {
			dropped = append(dropped, Drop{Task: t, Status: StatusCancelled, Reason: "cancelled"})
			continue
		}
		if t.NotBefore.After(now) {
			if d := t.NotBefore.Sub(now); d < wait {
				wait = d
			}
			held = append(held, t)
			continue
		}
		state, blocker, outcome := s.deps.Check(t)
		if state == DepsBroken {
			st := StatusFailed
			if outcome == StatusCancelled {
				st = StatusCancelled
			}
			dropped = append(dropped, Drop{
				Task:   t,
				Status: st,
				Reason: "unmet dependency: task " + blocker + " " + string(outcome),
			})
			continue
		}
		if state == DepsWaiting {
			held = append(held, t)
			continue
		}
		found = t
		break
	}
	for _, t := range held {
		heap.Push(&s.heap, t)
	}
	return found, wait, dropped
}
