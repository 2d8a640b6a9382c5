package task

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTaskUpdated EventType = "task_updated"
	EventJobFinished EventType = "job_finished"
)

// JobEvent is delivered to listeners after a task transition.
type JobEvent struct {
	Type EventType `json:"type"`
	Task *Task     `json:"task,omitempty"`
	Job  JobView   `json:"job"`
}

// Listener receives job events. It runs on the goroutine that made the
// transition and must not block for long.
type Listener func(JobEvent)

// Outcome is a terminal transition request.
type Outcome struct {
	Status     Status
	Reason     string
	OutputSize int64
	CacheHit   bool
	// From, when set, requires the task to currently be in this status.
	From Status
}

// Aggregator applies terminal transitions to tasks and rolls them up into
// their job. Each job's counters are guarded by that job's lock, so
// completions in different jobs proceed in parallel.
type Aggregator struct {
	deps *Resolver
	wake func()
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewAggregator(deps *Resolver, wake func(), log zerolog.Logger) *Aggregator {
	return &Aggregator{deps: deps, wake: wake, log: log, now: time.Now}
}

func (a *Aggregator) Subscribe(l Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// Complete moves t to a terminal status. It returns false, changing nothing,
// when t is already terminal or not in o.From, so racing finishers count a
// task exactly once.
func (a *Aggregator) Complete(t *Task, o Outcome) bool {
	j := t.job()
	now := a.now()

	j.mu.Lock()
	if t.Status.Terminal() || (o.From != "" && t.Status != o.From) {
		j.mu.Unlock()
		return false
	}
	t.Status = o.Status
	t.CompletedAt = now
	if o.Reason != "" {
		t.ErrorMessage = o.Reason
	} else if o.Status == StatusCompleted {
		t.ErrorMessage = ""
	}
	if o.Status == StatusCompleted {
		t.OutputFileSize = o.OutputSize
		t.CacheHit = o.CacheHit
	}
	finalized := j.recordLocked(o.Status, now)
	view := j.viewLocked()
	tv := t.view()
	j.mu.Unlock()

	// Publish to the ledger before waking the queue.
	a.deps.Record(t.ID, o.Status)
	a.wake()

	ev := a.log.Info()
	if o.Status != StatusCompleted {
		ev = a.log.Warn()
	}
	ev.Str("task", t.ID).Str("job", j.ID).Str("status", string(o.Status)).
		Str("reason", o.Reason).Msg("task finished")

	a.emit(JobEvent{Type: EventTaskUpdated, Task: &tv, Job: view})
	if finalized {
		a.log.Info().Str("job", j.ID).Str("status", string(view.Status)).
			Int("completed", view.Completed).Int("failed", view.Failed).
			Int("cancelled", view.Cancelled).Msg("job finished")
		a.emit(JobEvent{Type: EventJobFinished, Job: view})
	}
	return true
}

// Notify publishes a non-terminal update such as a start or a retry.
func (a *Aggregator) Notify(t *Task) {
	j := t.job()
	j.mu.Lock()
	view := j.viewLocked()
	tv := t.view()
	j.mu.Unlock()
	a.emit(JobEvent{Type: EventTaskUpdated, Task: &tv, Job: view})
}

func (a *Aggregator) emit(ev JobEvent) {
	a.mu.RLock()
	ls := append([]Listener(nil), a.listeners...)
	a.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}
