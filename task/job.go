package task

import (
	"sync"
	"sync/atomic"
	"time"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job owns its tasks. mu guards every mutable field of the job and of its
// tasks; jobs never share a lock.
type Job struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu          sync.Mutex
	status      JobStatus
	tasks       []*Task
	completed   int
	failed      int
	canceled    int
	startedAt   time.Time
	completedAt time.Time
	exported    bool
	done        chan struct{}

	cancelled atomic.Bool
}

func newJob(id, name string, now time.Time) *Job {
	return &Job{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		status:    JobRunning,
		done:      make(chan struct{}),
	}
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// record counts a terminal task transition and finalizes the job when every
// task is terminal. It returns true only for the call that finalized.
// The caller holds j.mu.
func (j *Job) recordLocked(s Status, now time.Time) bool {
	switch s {
	case StatusCompleted:
		j.completed++
	case StatusFailed:
		j.failed++
	case StatusCancelled:
		j.canceled++
	}

	total := len(j.tasks)
	if j.status != JobRunning || j.completed+j.failed+j.canceled != total {
		return false
	}
	switch {
	case j.failed > 0:
		j.status = JobFailed
	case j.canceled > 0:
		j.status = JobCancelled
	default:
		j.status = JobCompleted
	}
	j.completedAt = now
	close(j.done)
	return true
}

func (j *Job) markStartedLocked(now time.Time) {
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
}

func (j *Job) finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status != JobRunning
}

// JobView is a point-in-time copy of a job.
type JobView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      JobStatus `json:"status"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Exported    bool      `json:"exported"`
	Tasks       []Task    `json:"tasks"`
}

func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.viewLocked()
}

func (j *Job) viewLocked() JobView {
	v := JobView{
		ID:          j.ID,
		Name:        j.Name,
		Status:      j.status,
		Total:       len(j.tasks),
		Completed:   j.completed,
		Failed:      j.failed,
		Cancelled:   j.canceled,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Exported:    j.exported,
		Tasks:       make([]Task, 0, len(j.tasks)),
	}
	for _, t := range j.tasks {
		v.Tasks = append(v.Tasks, t.view())
	}
	return v
}

// ProcessingTime is the wall time from the first task start to finalization,
// or to now for a running job.
func (v JobView) ProcessingTime(now time.Time) time.Duration {
	if v.StartedAt.IsZero() {
		return 0
	}
	if v.CompletedAt.IsZero() {
		return now.Sub(v.StartedAt)
	}
	return v.CompletedAt.Sub(v.StartedAt)
}
