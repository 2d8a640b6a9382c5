package task

import "sync/atomic"

// Stats is a snapshot of scheduler activity since start.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retries   int64 `json:"retries"`
	Deferrals int64 `json:"deferrals"`
	CacheHits int64 `json:"cacheHits"`
	Timeouts  int64 `json:"timeouts"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Jobs      int   `json:"jobs"`
}

type counters struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retries   atomic.Int64
	deferrals atomic.Int64
	cacheHits atomic.Int64
	timeouts  atomic.Int64
	running   atomic.Int64
}

// observe counts terminal task transitions.
func (c *counters) observe(ev JobEvent) {
	if ev.Type != EventTaskUpdated || ev.Task == nil {
		return
	}
	switch ev.Task.Status {
	case StatusCompleted:
		c.completed.Add(1)
		if ev.Task.CacheHit {
			c.cacheHits.Add(1)
		}
	case StatusFailed:
		c.failed.Add(1)
	case StatusCancelled:
		c.cancelled.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Cancelled: c.cancelled.Load(),
		Retries:   c.retries.Load(),
		Deferrals: c.deferrals.Load(),
		CacheHits: c.cacheHits.Load(),
		Timeouts:  c.timeouts.Load(),
		Running:   int(c.running.Load()),
	}
}
