package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ffbatch/cache"
	"ffbatch/config"
)

// mockRunner is a Transcoder that records every invocation. The default
// behavior is success.
type mockRunner struct {
	runFunc func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockRunner) Run(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, argv[0])
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, argv, timeout)
	}
	return 0, "", nil
}

func (m *mockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockBuilder puts the task id first and the output path second.
type mockBuilder struct {
	buildFunc func(t *Task) (Command, error)
}

func (b *mockBuilder) Build(t *Task) (Command, error) {
	if b.buildFunc != nil {
		return b.buildFunc(t)
	}
	return Command{Args: []string{t.ID, t.OutputPath}}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrentTasks: 2,
		TaskTimeout:        10 * time.Second,
		PollInterval:       5 * time.Millisecond,
		RetryEnabled:       true,
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
		RetryBackoff:       config.BackoffFixed,
		AdmissionDelay:     time.Millisecond,
		SweepInterval:      time.Hour,
		CleanupInterval:    time.Hour,
		LedgerRetention:    time.Hour,
		TempDir:            t.TempDir(),
		LogDir:             t.TempDir(),
		ResultDir:          t.TempDir(),
	}
}

func newTestManager(t *testing.T, cfg *config.Config, runner *mockRunner, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	m, err := NewManager(cfg, &mockBuilder{}, runner, opts...)
	require.NoError(t, err)
	return m
}

func start(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
}

func waitJob(t *testing.T, m *Manager, id string) JobView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := m.WaitJob(ctx, id)
	require.NoError(t, err, "job %s did not finish", id)
	return v
}

func taskIn(t *testing.T, v JobView, id string) Task {
	t.Helper()
	for _, tk := range v.Tasks {
		if tk.ID == id {
			return tk
		}
	}
	t.Fatalf("task %s not in job %s", id, v.ID)
	return Task{}
}

func spec(id string, deps ...string) TaskSpec {
	return TaskSpec{ID: id, Type: TypeConvert, InputPath: "in/" + id + ".mp4", Dependencies: deps}
}

func intPtr(n int) *int { return &n }

func TestManager_SubmitJob(t *testing.T) {
	m := newTestManager(t, testConfig(t), &mockRunner{})

	v, err := m.SubmitJob(JobSpec{Name: "batch", Tasks: []TaskSpec{
		spec("a"),
		{Type: TypeCompress, InputPath: "in/b.mp4", Priority: PriorityHigh},
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, JobRunning, v.Status)
	assert.Equal(t, 2, v.Total)
	require.Len(t, v.Tasks, 2)

	a := taskIn(t, v, "a")
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, PriorityNormal, a.Priority)
	assert.Equal(t, 3, a.MaxRetries)
	assert.Equal(t, v.ID, a.JobID)
	assert.NotEmpty(t, v.Tasks[1].ID, "missing ids are generated")

	got, err := m.Task("a")
	require.NoError(t, err)
	assert.Equal(t, "in/a.mp4", got.InputPath)

	_, err = m.Job("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Task("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_SubmitJobValidation(t *testing.T) {
	tests := []struct {
		name string
		job  JobSpec
		want error
	}{
		{"missing name", JobSpec{Tasks: []TaskSpec{spec("a")}}, ErrInvalidJob},
		{"no tasks", JobSpec{Name: "j"}, ErrInvalidJob},
		{"missing type", JobSpec{Name: "j", Tasks: []TaskSpec{{ID: "a", InputPath: "x"}}}, ErrInvalidJob},
		{"missing input", JobSpec{Name: "j", Tasks: []TaskSpec{{ID: "a", Type: TypeConvert}}}, ErrInvalidJob},
		{"duplicate id", JobSpec{Name: "j", Tasks: []TaskSpec{spec("a"), spec("a")}}, ErrInvalidJob},
		{"bad priority", JobSpec{Name: "j", Tasks: []TaskSpec{{ID: "a", Type: TypeConvert, InputPath: "x", Priority: 9}}}, ErrInvalidJob},
		{"negative retries", JobSpec{Name: "j", Tasks: []TaskSpec{{ID: "a", Type: TypeConvert, InputPath: "x", MaxRetries: intPtr(-1)}}}, ErrInvalidJob},
		{"unknown dependency", JobSpec{Name: "j", Tasks: []TaskSpec{spec("a", "ghost")}}, ErrInvalidJob},
		{"self dependency", JobSpec{Name: "j", Tasks: []TaskSpec{spec("a", "a")}}, ErrDependencyCycle},
		{"cycle", JobSpec{Name: "j", Tasks: []TaskSpec{spec("a", "c"), spec("b", "a"), spec("c", "b")}}, ErrDependencyCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, testConfig(t), &mockRunner{})
			_, err := m.SubmitJob(tt.job)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidJob)
			assert.Empty(t, m.Jobs(), "nothing is enqueued on rejection")
			assert.Equal(t, 0, m.queue.Len())
		})
	}

	t.Run("builder rejects params", func(t *testing.T) {
		builder := &mockBuilder{buildFunc: func(t *Task) (Command, error) {
			return Command{}, errors.New("unsupported codec")
		}}
		m, err := NewManager(testConfig(t), builder, &mockRunner{}, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		_, err = m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a")}})
		assert.ErrorIs(t, err, ErrInvalidJob)
		assert.Contains(t, err.Error(), "unsupported codec")
	})

	t.Run("id reused across jobs", func(t *testing.T) {
		m := newTestManager(t, testConfig(t), &mockRunner{})
		_, err := m.SubmitJob(JobSpec{Name: "one", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)
		_, err = m.SubmitJob(JobSpec{Name: "two", Tasks: []TaskSpec{spec("a")}})
		assert.ErrorIs(t, err, ErrInvalidJob)
	})
}

func TestNewManager_RejectsZeroWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentTasks = 0
	_, err := NewManager(cfg, &mockBuilder{}, &mockRunner{})
	assert.Error(t, err)
}

func TestManager_IndependentTasksComplete(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		time.Sleep(5 * time.Millisecond)
		return 0, "", nil
	}}
	m := newTestManager(t, testConfig(t), runner)
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "three", Tasks: []TaskSpec{spec("a"), spec("b"), spec("c")}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, 3, done.Completed)
	assert.Equal(t, 0, done.Failed)
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.CompletedAt.IsZero())
	for _, tk := range done.Tasks {
		assert.Equal(t, StatusCompleted, tk.Status)
		assert.False(t, tk.StartedAt.After(tk.CompletedAt))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.Calls())

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Jobs)
}

func TestManager_PriorityAndFIFO(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentTasks = 1
	runner := &mockRunner{}
	m := newTestManager(t, cfg, runner)

	_, err := m.SubmitJob(JobSpec{Name: "mixed", Tasks: []TaskSpec{
		{ID: "low", Type: TypeConvert, InputPath: "x", Priority: PriorityLow},
		{ID: "n1", Type: TypeConvert, InputPath: "x"},
		{ID: "urgent", Type: TypeConvert, InputPath: "x", Priority: PriorityUrgent},
		{ID: "n2", Type: TypeConvert, InputPath: "x"},
		{ID: "high", Type: TypeConvert, InputPath: "x", Priority: PriorityHigh},
		{ID: "n3", Type: TypeConvert, InputPath: "x"},
	}})
	require.NoError(t, err)
	var later []string
	for i := 0; i < 3; i++ {
		v, err := m.SubmitJob(JobSpec{Name: "later", Tasks: []TaskSpec{{ID: fmt.Sprintf("f%d", i), Type: TypeConvert, InputPath: "x"}}})
		require.NoError(t, err)
		later = append(later, v.ID)
	}
	start(t, m)
	for _, id := range later {
		waitJob(t, m, id)
	}
	require.Eventually(t, func() bool { return len(runner.Calls()) == 9 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"urgent", "high", "n1", "n2", "n3", "f0", "f1", "f2", "low"}, runner.Calls())
}

func TestManager_DependencyOrdering(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		mu.Lock()
		events = append(events, "start "+argv[0])
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		events = append(events, "end "+argv[0])
		mu.Unlock()
		return 0, "", nil
	}}
	m := newTestManager(t, testConfig(t), runner)
	start(t, m)

	// b is submitted first and ranks higher, yet must wait for a.
	v, err := m.SubmitJob(JobSpec{Name: "chain", Tasks: []TaskSpec{
		{ID: "b", Type: TypeConvert, InputPath: "x", Priority: PriorityUrgent, Dependencies: []string{"a"}},
		{ID: "a", Type: TypeConvert, InputPath: "x", Priority: PriorityLow},
	}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	assert.Equal(t, JobCompleted, done.Status)
	mu.Lock()
	assert.Equal(t, []string{"start a", "end a", "start b", "end b"}, events)
	mu.Unlock()

	a, b := taskIn(t, done, "a"), taskIn(t, done, "b")
	assert.False(t, b.StartedAt.Before(a.CompletedAt), "b started before a completed")
}

func TestManager_CrossJobDependency(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		if argv[0] == "a" {
			time.Sleep(20 * time.Millisecond)
		}
		return 0, "", nil
	}}
	m := newTestManager(t, testConfig(t), runner)
	start(t, m)

	first, err := m.SubmitJob(JobSpec{Name: "first", Tasks: []TaskSpec{spec("a")}})
	require.NoError(t, err)
	second, err := m.SubmitJob(JobSpec{Name: "second", Tasks: []TaskSpec{spec("b", "a")}})
	require.NoError(t, err)

	waitJob(t, m, first.ID)
	done := waitJob(t, m, second.ID)
	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, []string{"a", "b"}, runner.Calls())
}

// A dependency that fails for good fails its dependents without running
// them, transitively.
func TestManager_DependencyFailurePropagates(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		if argv[0] == "a" {
			return 1, "Invalid data found when processing input", nil
		}
		return 0, "", nil
	}}
	m := newTestManager(t, testConfig(t), runner)
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "broken", Tasks: []TaskSpec{
		{ID: "a", Type: TypeConvert, InputPath: "x", MaxRetries: intPtr(0)},
		spec("b", "a"),
		spec("c", "b"),
		spec("d"),
	}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	assert.Equal(t, JobFailed, done.Status)
	assert.Equal(t, 1, done.Completed)
	assert.Equal(t, 3, done.Failed)

	a := taskIn(t, done, "a")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "exit status 1: Invalid data found when processing input", a.ErrorMessage)

	b := taskIn(t, done, "b")
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, "unmet dependency: task a failed", b.ErrorMessage)
	assert.True(t, b.StartedAt.IsZero(), "b never ran")

	c := taskIn(t, done, "c")
	assert.Equal(t, "unmet dependency: task b failed", c.ErrorMessage)

	assert.ElementsMatch(t, []string{"a", "d"}, runner.Calls())
}

func TestManager_Retry(t *testing.T) {
	t.Run("exhausts retries", func(t *testing.T) {
		runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
			return 1, "frame=1\nConversion failed!\n", nil
		}}
		m := newTestManager(t, testConfig(t), runner)
		start(t, m)

		var (
			mu      sync.Mutex
			retries []int
		)
		m.Subscribe(func(ev JobEvent) {
			if ev.Task != nil && ev.Task.Status == StatusPending {
				mu.Lock()
				retries = append(retries, ev.Task.RetryCount)
				mu.Unlock()
			}
		})

		v, err := m.SubmitJob(JobSpec{Name: "flaky", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)

		done := waitJob(t, m, v.ID)
		a := taskIn(t, done, "a")
		assert.Equal(t, JobFailed, done.Status)
		assert.Equal(t, StatusFailed, a.Status)
		assert.Equal(t, 3, a.RetryCount)
		assert.Equal(t, "exit status 1: Conversion failed!", a.ErrorMessage)
		assert.Len(t, runner.Calls(), 4)

		mu.Lock()
		assert.Equal(t, []int{1, 2, 3}, retries)
		mu.Unlock()
		assert.Equal(t, int64(3), m.Stats().Retries)
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		var attempts atomic.Int32
		runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
			if attempts.Add(1) <= 2 {
				return 0, "", errors.New("signal: killed")
			}
			return 0, "", nil
		}}
		m := newTestManager(t, testConfig(t), runner)
		start(t, m)

		v, err := m.SubmitJob(JobSpec{Name: "flaky", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)

		done := waitJob(t, m, v.ID)
		a := taskIn(t, done, "a")
		assert.Equal(t, JobCompleted, done.Status)
		assert.Equal(t, 2, a.RetryCount)
		assert.Empty(t, a.ErrorMessage)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RetryEnabled = false
		runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
			return 2, "", nil
		}}
		m := newTestManager(t, cfg, runner)
		start(t, m)

		v, err := m.SubmitJob(JobSpec{Name: "once", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)

		done := waitJob(t, m, v.ID)
		assert.Equal(t, 0, taskIn(t, done, "a").RetryCount)
		assert.Len(t, runner.Calls(), 1)
	})
}

func TestManager_RunnerTimeoutIsNotRetried(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		return -1, "", fmt.Errorf("ffmpeg: %w", context.DeadlineExceeded)
	}}
	m := newTestManager(t, testConfig(t), runner)
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "slow", Tasks: []TaskSpec{spec("a")}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	a := taskIn(t, done, "a")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "timeout", a.ErrorMessage)
	assert.Equal(t, 0, a.RetryCount)
	assert.Len(t, runner.Calls(), 1)
	assert.Equal(t, int64(1), m.Stats().Timeouts)
}

func TestManager_BuildFailureIsPermanent(t *testing.T) {
	var builds atomic.Int32
	builder := &mockBuilder{buildFunc: func(t *Task) (Command, error) {
		// Valid at submission, invalid at dispatch.
		if builds.Add(1) > 1 {
			return Command{}, errors.New("input vanished")
		}
		return Command{Args: []string{t.ID}}, nil
	}}
	runner := &mockRunner{}
	m, err := NewManager(testConfig(t), builder, runner, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a")}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	a := taskIn(t, done, "a")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "build command: input vanished", a.ErrorMessage)
	assert.Equal(t, 0, a.RetryCount)
	assert.Empty(t, runner.Calls())
}

type denyingAdmitter struct {
	calls atomic.Int32
	deny  int32
}

func (a *denyingAdmitter) Admit(ctx context.Context) (bool, string) {
	if a.calls.Add(1) <= a.deny {
		return false, "memory usage 95.0% at or above 90.0%"
	}
	return true, ""
}

func TestManager_AdmissionDeferral(t *testing.T) {
	admitter := &denyingAdmitter{deny: 3}
	runner := &mockRunner{}
	m := newTestManager(t, testConfig(t), runner, WithAdmitter(admitter))
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "gated", Tasks: []TaskSpec{spec("a")}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	a := taskIn(t, done, "a")
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, 0, a.RetryCount, "deferral is not an attempt")
	assert.Equal(t, int32(4), admitter.calls.Load())
	assert.Len(t, runner.Calls(), 1)
	assert.Equal(t, int64(3), m.Stats().Deferrals)
}

type switchAdmitter struct {
	deny atomic.Bool
}

func (a *switchAdmitter) Admit(ctx context.Context) (bool, string) {
	if a.deny.Load() {
		return false, "memory usage 95.0% at or above 90.0%"
	}
	return true, ""
}

func TestManager_AdmissionDeniedLeavesRunningTasks(t *testing.T) {
	admitter := &switchAdmitter{}
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		if argv[0] == "a" {
			close(started)
			<-release
		}
		return 0, "", nil
	}}
	m := newTestManager(t, testConfig(t), runner, WithAdmitter(admitter))
	start(t, m)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	running, err := m.SubmitJob(JobSpec{Name: "running", Tasks: []TaskSpec{spec("a")}})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task a never started")
	}

	admitter.deny.Store(true)
	gated, err := m.SubmitJob(JobSpec{Name: "gated", Tasks: []TaskSpec{spec("b")}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Stats().Deferrals >= 2 }, 5*time.Second, time.Millisecond)

	unblock()
	done := waitJob(t, m, running.ID)
	assert.Equal(t, StatusCompleted, taskIn(t, done, "a").Status)

	b, err := m.Task("b")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, []string{"a"}, runner.Calls())

	admitter.deny.Store(false)
	done = waitJob(t, m, gated.ID)
	assert.Equal(t, StatusCompleted, taskIn(t, done, "b").Status)
	assert.Equal(t, 0, taskIn(t, done, "b").RetryCount)
	assert.Equal(t, []string{"a", "b"}, runner.Calls())
}

type fakeReserver struct {
	mu       sync.Mutex
	refuse   int
	held     int
	released int
}

func (r *fakeReserver) Reserve(kind string) (func(), bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse > 0 {
		r.refuse--
		return nil, false, "memory budget exhausted"
	}
	r.held++
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.released++
			r.mu.Unlock()
		})
	}, true, ""
}

func TestManager_ReservationDeferral(t *testing.T) {
	reserver := &fakeReserver{refuse: 2}
	m := newTestManager(t, testConfig(t), &mockRunner{}, WithReserver(reserver))
	start(t, m)

	v, err := m.SubmitJob(JobSpec{Name: "budget", Tasks: []TaskSpec{spec("a"), spec("b")}})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, int64(2), m.Stats().Deferrals)

	require.Eventually(t, func() bool {
		reserver.mu.Lock()
		defer reserver.mu.Unlock()
		return reserver.held == 2 && reserver.released == 2
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Cancel(t *testing.T) {
	t.Run("cancel pending job", func(t *testing.T) {
		m := newTestManager(t, testConfig(t), &mockRunner{})
		v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a"), spec("b", "a")}})
		require.NoError(t, err)

		require.NoError(t, m.CancelJob(v.ID))
		done := waitJob(t, m, v.ID)
		assert.Equal(t, JobCancelled, done.Status)
		assert.Equal(t, 2, done.Cancelled)
		for _, tk := range done.Tasks {
			assert.Equal(t, StatusCancelled, tk.Status)
		}
		assert.Equal(t, 0, m.queue.Len())

		err = m.CancelJob(v.ID)
		assert.ErrorIs(t, err, ErrNotCancelable)
		assert.EqualError(t, err, "cannot cancel job in state: cancelled")
	})

	t.Run("cancel running task", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrentTasks = 1
		started := make(chan struct{})
		runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
			close(started)
			<-ctx.Done()
			return -1, "", ctx.Err()
		}}
		m := newTestManager(t, cfg, runner)
		start(t, m)

		v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("task never started")
		}

		require.NoError(t, m.CancelTask("a"))
		done := waitJob(t, m, v.ID)
		assert.Equal(t, JobCancelled, done.Status)
		assert.Equal(t, StatusCancelled, taskIn(t, done, "a").Status)
		assert.Len(t, runner.Calls(), 1)
	})

	t.Run("cancel running job", func(t *testing.T) {
		started := make(chan struct{}, 2)
		runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return -1, "", ctx.Err()
		}}
		cfg := testConfig(t)
		cfg.MaxConcurrentTasks = 2
		m := newTestManager(t, cfg, runner)
		start(t, m)

		v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a"), spec("b"), spec("c", "a")}})
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatal("tasks never started")
			}
		}

		require.NoError(t, m.CancelJob(v.ID))
		done := waitJob(t, m, v.ID)
		assert.Equal(t, JobCancelled, done.Status)
		assert.Equal(t, 3, done.Cancelled)
		assert.ElementsMatch(t, []string{"a", "b"}, runner.Calls())
	})

	t.Run("cannot cancel completed task", func(t *testing.T) {
		m := newTestManager(t, testConfig(t), &mockRunner{})
		start(t, m)
		v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a")}})
		require.NoError(t, err)
		waitJob(t, m, v.ID)

		err = m.CancelTask("a")
		assert.ErrorIs(t, err, ErrNotCancelable)
		assert.EqualError(t, err, "cannot cancel task in state: completed")
		assert.ErrorIs(t, m.CancelTask("ghost"), ErrTaskNotFound)
	})

	t.Run("cancelled dependency cancels dependents", func(t *testing.T) {
		m := newTestManager(t, testConfig(t), &mockRunner{})
		v, err := m.SubmitJob(JobSpec{Name: "j", Tasks: []TaskSpec{spec("a"), spec("b", "a")}})
		require.NoError(t, err)
		require.NoError(t, m.CancelTask("a"))
		start(t, m)

		done := waitJob(t, m, v.ID)
		assert.Equal(t, JobCancelled, done.Status)
		assert.Equal(t, "unmet dependency: task a cancelled", taskIn(t, done, "b").ErrorMessage)
	})
}

func TestManager_JobFinalizedExactlyOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentTasks = 4
	m := newTestManager(t, cfg, &mockRunner{})

	var finished, terminal atomic.Int32
	m.Subscribe(func(ev JobEvent) {
		switch {
		case ev.Type == EventJobFinished:
			finished.Add(1)
		case ev.Task != nil && ev.Task.Status.Terminal():
			terminal.Add(1)
		}
	})
	start(t, m)

	const n = 40
	specs := make([]TaskSpec, n)
	for i := range specs {
		specs[i] = spec(fmt.Sprintf("t%02d", i))
	}
	v, err := m.SubmitJob(JobSpec{Name: "wide", Tasks: specs})
	require.NoError(t, err)

	done := waitJob(t, m, v.ID)
	assert.Equal(t, n, done.Completed)
	require.Eventually(t, func() bool { return terminal.Load() == n }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), finished.Load())
}

func TestManager_ResultCache(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0o644))

	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		return 0, "", os.WriteFile(argv[1], []byte("encoded"), 0o644)
	}}
	results, err := cache.New(8)
	require.NoError(t, err)
	m := newTestManager(t, testConfig(t), runner, WithCache(results))
	start(t, m)

	out1 := filepath.Join(dir, "out", "a.mp4")
	params := map[string]string{"crf": "28"}
	submit := func(id, out string) JobView {
		v, err := m.SubmitJob(JobSpec{Name: id, Tasks: []TaskSpec{
			{ID: id, Type: TypeCompress, InputPath: input, OutputPath: out, Params: params},
		}})
		require.NoError(t, err)
		return waitJob(t, m, v.ID)
	}

	first := submit("first", out1)
	assert.False(t, taskIn(t, first, "first").CacheHit)
	require.Eventually(t, func() bool { return results.Len() == 1 }, time.Second, 5*time.Millisecond)

	second := submit("second", out1)
	hit := taskIn(t, second, "second")
	assert.Equal(t, StatusCompleted, hit.Status)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, int64(len("encoded")), hit.OutputFileSize)

	out2 := filepath.Join(dir, "elsewhere", "b.mp4")
	third := submit("third", out2)
	assert.True(t, taskIn(t, third, "third").CacheHit)
	data, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(data))

	assert.Equal(t, []string{"first"}, runner.Calls())
	assert.Equal(t, int64(2), m.Stats().CacheHits)

	// A removed output invalidates the entry.
	require.NoError(t, os.Remove(out1))
	fourth := submit("fourth", out1)
	assert.False(t, taskIn(t, fourth, "fourth").CacheHit)
	assert.Equal(t, []string{"first", "fourth"}, runner.Calls())
}

func TestManager_ResultCacheOverwrittenOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0o644))
	fi, err := os.Stat(input)
	require.NoError(t, err)

	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		return 0, "", os.WriteFile(argv[1], []byte("encoded-by-"+argv[0]), 0o644)
	}}
	results, err := cache.New(8)
	require.NoError(t, err)
	m := newTestManager(t, testConfig(t), runner, WithCache(results))
	start(t, m)

	submit := func(id, out, crf string) Task {
		v, err := m.SubmitJob(JobSpec{Name: id, Tasks: []TaskSpec{
			{ID: id, Type: TypeCompress, InputPath: input, OutputPath: out, Params: map[string]string{"crf": crf}},
		}})
		require.NoError(t, err)
		return taskIn(t, waitJob(t, m, v.ID), id)
	}
	keyFor := func(crf string) string {
		return cache.Key(input, fi.ModTime(), map[string]string{"crf": crf, "@type": string(TypeCompress)})
	}

	shared := filepath.Join(dir, "out.mp4")
	submit("x", shared, "28")
	require.Eventually(t, func() bool { _, ok := results.Get(keyFor("28")); return ok }, time.Second, 5*time.Millisecond)

	// y writes different settings to the same path; x's entry must go.
	submit("y", shared, "40")
	require.Eventually(t, func() bool {
		_, xok := results.Get(keyFor("28"))
		_, yok := results.Get(keyFor("40"))
		return !xok && yok
	}, time.Second, 5*time.Millisecond)

	other := filepath.Join(dir, "out2.mp4")
	z := submit("z", other, "28")
	assert.False(t, z.CacheHit)
	data, err := os.ReadFile(other)
	require.NoError(t, err)
	assert.Equal(t, "encoded-by-z", string(data))
	assert.Equal(t, []string{"x", "y", "z"}, runner.Calls())
}

func TestManager_ResultCacheRejectsModifiedOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0o644))

	runner := &mockRunner{runFunc: func(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
		return 0, "", os.WriteFile(argv[1], []byte("encoded"), 0o644)
	}}
	results, err := cache.New(8)
	require.NoError(t, err)
	m := newTestManager(t, testConfig(t), runner, WithCache(results))
	start(t, m)

	submit := func(id, out string) Task {
		v, err := m.SubmitJob(JobSpec{Name: id, Tasks: []TaskSpec{
			{ID: id, Type: TypeCompress, InputPath: input, OutputPath: out, Params: map[string]string{"crf": "28"}},
		}})
		require.NoError(t, err)
		return taskIn(t, waitJob(t, m, v.ID), id)
	}

	out := filepath.Join(dir, "a.mp4")
	submit("first", out)
	require.Eventually(t, func() bool { return results.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Edited outside the scheduler: same length, new modification time.
	require.NoError(t, os.WriteFile(out, []byte("tamperd"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(out, later, later))

	second := submit("second", filepath.Join(dir, "b.mp4"))
	assert.False(t, second.CacheHit)
	assert.Equal(t, []string{"first", "second"}, runner.Calls())
}
