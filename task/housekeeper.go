package task

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Housekeeper force-fails stuck tasks and reclaims artifacts and finished
// jobs, independently of the dispatch path.
type Housekeeper struct {
	m   *Manager
	log zerolog.Logger
}

func newHousekeeper(m *Manager) *Housekeeper {
	return &Housekeeper{m: m, log: m.log.With().Str("component", "housekeeper").Logger()}
}

// Run sweeps for timeouts every SWEEP_INTERVAL and cleans up every
// CLEANUP_INTERVAL until ctx ends.
func (h *Housekeeper) Run(ctx context.Context) {
	cfg := h.m.cfg
	sweep := time.NewTicker(positive(cfg.SweepInterval, 30*time.Second))
	defer sweep.Stop()
	cleanup := time.NewTicker(positive(cfg.CleanupInterval, time.Hour))
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("housekeeper shutting down")
			return
		case <-sweep.C:
			h.SweepTimeouts()
		case <-cleanup.C:
			h.CleanupArtifacts()
			h.CollectJobs()
		}
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// SweepTimeouts fails every Running task past its deadline with reason
// "timeout" and kills its process. Timed-out tasks are never retried.
func (h *Housekeeper) SweepTimeouts() int {
	now := h.m.now()
	type expired struct {
		t      *Task
		cancel context.CancelFunc
	}
	var found []expired
	for _, j := range h.m.jobsSnapshot() {
		j.mu.Lock()
		for _, t := range j.tasks {
			if t.Status == StatusRunning && !t.rt.deadline.IsZero() && now.After(t.rt.deadline) {
				found = append(found, expired{t: t, cancel: t.rt.cancel})
			}
		}
		j.mu.Unlock()
	}

	n := 0
	for _, e := range found {
		if !h.m.agg.Complete(e.t, Outcome{Status: StatusFailed, Reason: "timeout", From: StatusRunning}) {
			continue
		}
		n++
		h.m.stats.timeouts.Add(1)
		h.log.Warn().Str("task", e.t.ID).Str("job", e.t.JobID).Msg("task exceeded timeout")
		if e.cancel != nil {
			e.cancel()
		}
	}
	return n
}

// CleanupArtifacts purges old temp files and logs when cleanup is enabled.
func (h *Housekeeper) CleanupArtifacts() {
	cfg := h.m.cfg
	if !cfg.CleanupEnabled {
		return
	}
	now := h.m.now()
	for _, target := range []struct {
		dir string
		age time.Duration
	}{
		{cfg.TempDir, cfg.TempRetention},
		{cfg.LogDir, cfg.LogRetention()},
	} {
		if target.dir == "" || target.age <= 0 {
			continue
		}
		n, err := SweepDir(target.dir, target.age, now)
		if err != nil {
			h.log.Error().Err(err).Str("dir", target.dir).Msg("cleanup failed")
			continue
		}
		if n > 0 {
			h.log.Info().Str("dir", target.dir).Int("removed", n).Msg("cleaned up old files")
		}
	}
}

// CollectJobs drops finished jobs from memory once they are exported or older
// than LEDGER_RETENTION. A job whose tasks are still awaited by a live
// dependent in another job is kept.
func (h *Housekeeper) CollectJobs() int {
	m := h.m
	now := m.now()
	var candidates []*Job
	for _, j := range m.jobsSnapshot() {
		j.mu.Lock()
		if j.status != JobRunning && (j.exported || now.Sub(j.completedAt) > m.cfg.LedgerRetention) {
			candidates = append(candidates, j)
		}
		j.mu.Unlock()
	}
	if len(candidates) == 0 {
		return 0
	}

	// SubmitJob validates dependencies and registers tasks under m.mu, so the
	// dependent scan and the removal must happen in one critical section.
	m.mu.Lock()
	awaited := make(map[string]bool)
	for _, t := range m.tasks {
		j := t.job()
		j.mu.Lock()
		live := !t.Status.Terminal()
		j.mu.Unlock()
		if live {
			for _, d := range t.Dependencies {
				awaited[d] = true
			}
		}
	}
	var released []string
	n := 0
	for _, j := range candidates {
		// The task list of a job is fixed at submission.
		if slices.ContainsFunc(j.tasks, func(t *Task) bool { return awaited[t.ID] }) {
			continue
		}
		released = append(released, m.forgetLocked(j)...)
		n++
		h.log.Debug().Str("job", j.ID).Msg("job released from memory")
	}
	m.mu.Unlock()

	m.deps.Forget(released...)
	return n
}

// SweepDir removes regular files under dir last modified more than maxAge
// before now. A missing dir is not an error.
func SweepDir(dir string, maxAge time.Duration, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}
