package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ffbatch/cache"
)

// workerLoop pulls tasks from the shared queue until ctx ends. A task that has
// started always finishes before the loop exits.
func (m *Manager) workerLoop(ctx context.Context, id int) {
	defer m.wg.Done()
	wlog := m.log.With().Int("worker", id).Logger()
	wlog.Debug().Msg("worker started")
	for {
		t, ok := m.queue.Next(ctx)
		if !ok {
			wlog.Debug().Msg("worker shutting down")
			return
		}
		m.processTask(ctx, t)
	}
}

// processTask owns t from dequeue until it is terminal or handed back to the
// queue.
func (m *Manager) processTask(ctx context.Context, t *Task) {
	if t.cancelled() {
		m.agg.Complete(t, Outcome{Status: StatusCancelled, Reason: "cancelled"})
		return
	}

	key, hit := m.lookupCache(t)
	if hit {
		return
	}

	if ok, reason := m.admit.Admit(ctx); !ok {
		m.deferTask(t, reason)
		return
	}
	if m.reserve != nil {
		release, ok, reason := m.reserve.Reserve(string(t.Type))
		if !ok {
			m.deferTask(t, reason)
			return
		}
		defer release()
	}

	cmd, err := m.builder.Build(t)
	if err != nil {
		m.agg.Complete(t, Outcome{Status: StatusFailed, Reason: "build command: " + err.Error()})
		return
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.TaskTimeout
	}

	// In-flight processes outlive shutdown; only cancellation of this task
	// or job kills them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if !m.begin(t, cancel, timeout) {
		m.agg.Complete(t, Outcome{Status: StatusCancelled, Reason: "cancelled"})
		return
	}

	if t.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.OutputPath), 0o755); err != nil {
			m.finish(runCtx, t, 0, "", fmt.Errorf("create output dir: %w", err), key)
			return
		}
	}

	m.log.Debug().Str("task", t.ID).Strs("argv", cmd.Args).Dur("timeout", timeout).Msg("running transcoder")
	code, stderr, err := m.runner.Run(runCtx, cmd.Args, timeout)
	m.finish(runCtx, t, code, stderr, err, key)
}

// begin moves t to Running. It returns false when t was cancelled after
// dequeue.
func (m *Manager) begin(t *Task, cancel context.CancelFunc, timeout time.Duration) bool {
	var size int64
	if fi, err := os.Stat(t.InputPath); err == nil {
		size = fi.Size()
	}

	j := t.job()
	now := m.now()
	j.mu.Lock()
	if t.Status != StatusPending || t.cancelled() {
		j.mu.Unlock()
		return false
	}
	t.Status = StatusRunning
	t.StartedAt = now
	t.CompletedAt = time.Time{}
	t.FileSize = size
	t.rt.cancel = cancel
	t.rt.deadline = now.Add(timeout)
	j.markStartedLocked(now)
	j.mu.Unlock()

	m.stats.running.Add(1)
	m.log.Info().Str("task", t.ID).Str("job", t.JobID).Str("type", string(t.Type)).
		Int("attempt", t.RetryCount+1).Msg("processing task")
	m.agg.Notify(t)
	return true
}

// finish classifies one attempt's result.
func (m *Manager) finish(runCtx context.Context, t *Task, code int, stderr string, err error, key string) {
	m.stats.running.Add(-1)

	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		m.agg.Complete(t, Outcome{Status: StatusCancelled, Reason: "cancelled", From: StatusRunning})
	case errors.Is(err, context.DeadlineExceeded):
		if m.agg.Complete(t, Outcome{Status: StatusFailed, Reason: "timeout", From: StatusRunning}) {
			m.stats.timeouts.Add(1)
		}
	case err == nil && code == 0:
		var (
			size  int64
			mtime time.Time
		)
		if t.OutputPath != "" {
			if fi, serr := os.Stat(t.OutputPath); serr == nil {
				size, mtime = fi.Size(), fi.ModTime()
			}
		}
		if m.agg.Complete(t, Outcome{Status: StatusCompleted, OutputSize: size, From: StatusRunning}) && key != "" && size > 0 {
			m.cache.Put(key, cache.Entry{OutputPath: t.OutputPath, Size: size, ModTime: mtime, TaskID: t.ID})
		}
	default:
		m.failTask(t, failureReason(code, stderr, err))
	}
}

// failTask re-enqueues t after the retry delay, or fails it for good.
func (m *Manager) failTask(t *Task, reason string) {
	j := t.job()
	j.mu.Lock()
	if t.Status != StatusRunning {
		j.mu.Unlock()
		return
	}
	if !m.retry.ShouldRetry(t) {
		j.mu.Unlock()
		m.agg.Complete(t, Outcome{Status: StatusFailed, Reason: reason, From: StatusRunning})
		return
	}
	delay := m.retry.NextDelay(t)
	t.RetryCount++
	t.Status = StatusPending
	t.ErrorMessage = reason
	t.NotBefore = m.now().Add(delay)
	t.rt.cancel = nil
	attempt := t.RetryCount
	j.mu.Unlock()

	m.stats.retries.Add(1)
	m.log.Warn().Str("task", t.ID).Str("reason", reason).Int("retry", attempt).
		Int("maxRetries", t.MaxRetries).Dur("delay", delay).Msg("task failed, scheduling retry")
	m.agg.Notify(t)
	m.queue.Submit(t)
}

// deferTask hands t back to the queue because resources are short. Deferral
// does not count as an attempt.
func (m *Manager) deferTask(t *Task, reason string) {
	j := t.job()
	j.mu.Lock()
	t.NotBefore = m.now().Add(m.cfg.AdmissionDelay)
	j.mu.Unlock()

	m.stats.deferrals.Add(1)
	m.log.Debug().Str("task", t.ID).Str("reason", reason).Dur("delay", m.cfg.AdmissionDelay).Msg("admission deferred")
	m.queue.Submit(t)
}

// lookupCache serves t from the result cache when an identical earlier run
// produced a still-present output. It returns the cache key to store under
// after a fresh run, or hit=true when t is already completed.
func (m *Manager) lookupCache(t *Task) (key string, hit bool) {
	if m.cache == nil || t.OutputPath == "" {
		return "", false
	}
	fi, err := os.Stat(t.InputPath)
	if err != nil {
		return "", false
	}
	params := make(map[string]string, len(t.Params)+1)
	for k, v := range t.Params {
		params[k] = v
	}
	params["@type"] = string(t.Type)
	key = cache.Key(t.InputPath, fi.ModTime(), params)

	e, ok := m.cache.Get(key)
	if !ok {
		return key, false
	}
	// The output may have been deleted or overwritten by another task.
	if ofi, err := os.Stat(e.OutputPath); err != nil || !e.Matches(ofi.Size(), ofi.ModTime()) {
		m.cache.Remove(key)
		return key, false
	}
	if e.OutputPath != t.OutputPath {
		if err := copyFile(e.OutputPath, t.OutputPath); err != nil {
			m.log.Warn().Err(err).Str("task", t.ID).Msg("cannot reuse cached output")
			return key, false
		}
	}

	if !m.begin(t, func() {}, m.cfg.TaskTimeout) {
		m.agg.Complete(t, Outcome{Status: StatusCancelled, Reason: "cancelled"})
		return key, true
	}
	m.stats.running.Add(-1)
	m.log.Info().Str("task", t.ID).Str("source", e.TaskID).Msg("result served from cache")
	m.agg.Complete(t, Outcome{Status: StatusCompleted, OutputSize: e.Size, CacheHit: true, From: StatusRunning})
	return key, true
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// failureReason condenses an attempt's error and the tail of stderr.
func failureReason(code int, stderr string, err error) string {
	var b strings.Builder
	if err != nil {
		b.WriteString(err.Error())
	} else {
		fmt.Fprintf(&b, "exit status %d", code)
	}
	if tail := lastLine(stderr); tail != "" {
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	const limit = 200
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
